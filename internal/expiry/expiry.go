// Package expiry implements the in-memory lease expiry timeline and
// scheduler tick from spec section 4.4: a container/heap-backed ordered set
// keyed by expires_at, drained in order by a periodic scheduler tick that
// runs the halt check, the expiration pass, and the transaction queue drain,
// in that order. The ticker/select-loop shape is grounded on the teacher's
// internal/worker.Agent.Run (internal/worker/agent.go): a time.NewTicker
// feeding a select over tick/done, generalized from "poll the queue" to the
// spec's three-step tick.
package expiry

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTickInterval is the scheduler's tick_seconds default (spec section
// 4.4).
const DefaultTickInterval = 2 * time.Second

// Entry is one lease's expiry-timeline record.
type Entry struct {
	TxHash        string
	ContainerName string
	Tenant        string
	ExpiresAt     time.Time

	index int // heap bookkeeping
}

// entryHeap is a container/heap min-heap ordered by ExpiresAt.
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Timeline is a thread-safe, heap-ordered set of pending lease expirations.
type Timeline struct {
	mu sync.Mutex
	h  entryHeap
	// byContainer indexes live entries for removal on early termination
	// (e.g. an operator-initiated destroy should pull the entry out of
	// the timeline so it isn't expired a second time).
	byContainer map[string]*Entry
}

// NewTimeline constructs an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{byContainer: make(map[string]*Entry)}
}

// Insert adds an entry to the timeline, keyed by expires_at (spec section
// 4.7's "insert into the expiry timeline at now + life_moments *
// moment_size").
func (t *Timeline) Insert(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := &Entry{TxHash: e.TxHash, ContainerName: e.ContainerName, Tenant: e.Tenant, ExpiresAt: e.ExpiresAt}
	heap.Push(&t.h, entry)
	t.byContainer[entry.ContainerName] = entry
}

// Remove drops a container's pending expiry entry, if any, without
// expiring it. Used when a lease is extended past its previous slot (the
// caller re-Inserts with the new expiry) or destroyed out of band.
func (t *Timeline) Remove(containerName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byContainer[containerName]
	if !ok {
		return
	}
	delete(t.byContainer, containerName)
	if entry.index >= 0 && entry.index < len(t.h) {
		heap.Remove(&t.h, entry.index)
	}
}

// Get returns a container's pending expiry entry, if any, without removing
// it.
func (t *Timeline) Get(containerName string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.byContainer[containerName]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Len reports the number of pending entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.h)
}

// DrainExpired pops every entry with ExpiresAt <= now, in expiry order, and
// returns them as a FIFO slice (spec section 4.4: "move entries ... into a
// FIFO expiration queue").
func (t *Timeline) DrainExpired(now time.Time) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Entry
	for len(t.h) > 0 && !t.h[0].ExpiresAt.After(now) {
		e := heap.Pop(&t.h).(*Entry)
		delete(t.byContainer, e.ContainerName)
		out = append(out, *e)
	}
	return out
}

// Handler performs the side effects of one expired entry and one drain of
// the transaction queue. Implementations live in internal/reconciler, which
// wires the daemon client, lease store, active-instance counter, and
// txqueue together.
type Handler interface {
	// HaltedNow reports whether the ledger is currently considered
	// halted (spec section 4.5); destructive expiry processing is
	// suspended while true.
	HaltedNow() bool
	// ExpireOne destroys the instance, marks the lease row Destroyed,
	// decrements the active-instance counter, and enqueues the re-offer
	// and updateRegInfo actions (spec section 4.4/4.9). It must not
	// block past a reasonable per-entry budget; errors are logged by the
	// caller and do not stop the drain of subsequent entries.
	ExpireOne(ctx context.Context, e Entry) error
	// DrainQueue runs one pass of the transaction queue's pending work.
	DrainQueue(ctx context.Context)
}

// Scheduler runs the spec section 4.4 periodic tick: halt check,
// expiration pass, transaction queue drain, in that order.
type Scheduler struct {
	Timeline     *Timeline
	Handler      Handler
	TickInterval time.Duration
	Logger       *slog.Logger
}

// NewScheduler constructs a Scheduler with DefaultTickInterval unless
// overridden on the returned value.
func NewScheduler(timeline *Timeline, h Handler, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Timeline: timeline, Handler: h, TickInterval: DefaultTickInterval, Logger: logger}
}

// Run blocks, ticking every TickInterval, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs exactly one scheduler pass: halt check, expiration pass,
// queue drain.
func (s *Scheduler) tick(ctx context.Context) {
	if s.Handler.HaltedNow() {
		s.Logger.Debug("expiry: ledger halted, skipping expiration pass this tick")
		s.Handler.DrainQueue(ctx)
		return
	}

	expired := s.Timeline.DrainExpired(time.Now())
	for i, e := range expired {
		if s.Handler.HaltedNow() {
			// Halted mid-drain: put this entry and everything still
			// pending back so the next tick retries them (spec section
			// 4.4).
			for _, remaining := range expired[i:] {
				s.Timeline.Insert(remaining)
			}
			s.Logger.Info("expiry: ledger halted mid-drain, deferring remaining entries",
				"container_name", e.ContainerName, "deferred_count", len(expired)-i)
			break
		}
		if err := s.Handler.ExpireOne(ctx, e); err != nil {
			s.Logger.Error("expiry: failed to expire lease",
				"container_name", e.ContainerName, "tx_hash", e.TxHash, "err", err)
		}
	}

	s.Handler.DrainQueue(ctx)
}
