// Package haltdetector implements spec section 4.5's ledger-halt state
// machine: observe a stream of ledger ticks, flag halted when the gap
// since the last tick exceeds a timeout, and clear the flag only after a
// grace window proportional to how long the halt lasted.
package haltdetector

import (
	"sync"
	"time"
)

// Detector tracks ledger liveness from a caller-fed stream of tick
// timestamps. Safe for concurrent use: ticks typically arrive on the
// ledger client's event-read goroutine while the scheduler tick calls
// Evaluate and the metrics loop reads Halted().
type Detector struct {
	mu sync.Mutex

	timeout       time.Duration
	gracePercent  int // halt_threshold_percent, default 25

	lastTick  time.Time
	halted    bool
	haltOnset time.Time

	graceUntil time.Time
	inGrace    bool

	now func() time.Time
}

// New constructs a Detector. timeout is halt_timeout_seconds (default
// 60s); gracePercent is halt_threshold_percent (default 25).
func New(timeout time.Duration, gracePercent int) *Detector {
	return &Detector{timeout: timeout, gracePercent: gracePercent, now: time.Now}
}

// Tick records a ledger tick at the given wall-clock time and resolves
// any pending halt/grace transition.
func (d *Detector) Tick(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastTick.IsZero() && d.halted {
		elapsed := at.Sub(d.haltOnset)
		// The grace window is counted in whole seconds, rounded down.
		elapsedSecs := int64(elapsed / time.Second)
		grace := time.Duration(elapsedSecs*int64(d.gracePercent)/100) * time.Second
		d.graceUntil = at.Add(grace)
		d.inGrace = true
	}
	d.lastTick = at
}

// Evaluate re-derives the halted flag from the current time, following
// the "gap exceeds halt_timeout" rule and clearing the flag once any
// pending grace window has elapsed (spec section 4.5). Callers invoke
// this once per scheduler tick before checking Halted.
func (d *Detector) Evaluate(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastTick.IsZero() {
		return d.halted
	}

	gap := now.Sub(d.lastTick)
	if gap > d.timeout {
		// A fresh halt, or a halt that reopens during a pending grace
		// window, both (re)anchor the onset to the last good tick and
		// drop any pending grace - a subsequent halt cancels it.
		if !d.halted || d.inGrace {
			d.halted = true
			d.haltOnset = d.lastTick
			d.inGrace = false
		}
		return true
	}

	if d.halted && d.inGrace {
		if !now.Before(d.graceUntil) {
			d.halted = false
			d.inGrace = false
		}
	}
	return d.halted
}

// Halted reports the last-evaluated state without recomputing it.
func (d *Detector) Halted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// SetClock overrides the time source, for deterministic tests.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}
