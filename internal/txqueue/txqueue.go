// Package txqueue implements the single-worker FIFO action queue from spec
// section 4.3: actions submit ledger transactions, retry with a fee-uplift
// escalator on timeout, and skip a retry outright when the ledger already
// confirms a previous attempt's tx hash. The processing loop is grounded on
// the teacher's internal/worker.Agent pull-loop (internal/worker/agent.go),
// narrowed from a concurrent-batch dequeue down to the spec's "two actions
// never run concurrently" rule, and the fee-uplift/backoff policy is grounded
// on the teacher's postgres.Store.Fail exponential-backoff shape
// (internal/store/postgres/queue.go), generalized from a fixed schedule to
// the spec's floor(max_extra_fee * k / N) formula.
package txqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"evernest.io/sashimono-agent/internal/spinlock"
)

// Ledger is the subset of ledgerclient a queue needs to check whether a
// previously submitted transaction already confirmed, so a retry that would
// otherwise double-submit can be skipped (spec section 4.3).
type Ledger interface {
	ValidatedTx(ctx context.Context, txHash string) (validated, successful bool, err error)
}

// ErrTookTooLong is the sentinel an Action's Run should wrap (via
// fmt.Errorf("...: %w", ErrTookTooLong)) to signal the specific "took too
// long" failure that triggers fee-uplift escalation, as opposed to any other
// submission failure.
var ErrTookTooLong = errors.New("submission took too long")

// ActionFunc performs one attempt of an action's work. refs is the action's
// SubmissionRefs map, pre-populated with any tx hashes from prior attempts;
// Run should record any new tx hash(es) into refs under stable keys before
// returning, successful or not, so a subsequent retry (or idempotence check)
// can find them. feeUplift is the currently escalated drop, in the ledger's
// native fee unit, to apply to any transaction this attempt submits.
type ActionFunc func(ctx context.Context, refs map[string]string, feeUplift int64) error

// Action is one unit of queued work.
type Action struct {
	// ID correlates an action's log lines across retries and re-enqueues;
	// Enqueue assigns one if left blank.
	ID string
	// Name identifies the action in logs; it is not required to be unique.
	Name string
	// MaxAttempts bounds retries; after this many failed attempts the
	// action is dropped and logged rather than retried again.
	MaxAttempts int
	// Delay is how long to wait before re-enqueueing after a failure.
	// Zero means re-enqueue immediately (back of the FIFO).
	Delay time.Duration
	// PrimaryRef is the SubmissionRefs key consulted for the
	// already-validated idempotence check before a retry. Empty means no
	// idempotence check is performed for this action.
	PrimaryRef string
	// SubmissionRefs accumulates tx hashes across attempts; callers that
	// need the refs after Enqueue returns should read this map only
	// through the OnTerminal callback, since the queue owns it while the
	// action is live.
	SubmissionRefs map[string]string
	// Run performs one attempt.
	Run ActionFunc
	// OnTerminal is invoked exactly once, when the action either
	// succeeds, is skipped as already-validated, or is dropped after
	// exhausting MaxAttempts. err is nil on success/skip.
	OnTerminal func(refs map[string]string, err error)

	attempts int
}

// Queue serializes Action processing: one action's Run call completes (or
// fails) before the next begins, matching spec section 4.3's "two actions
// never run concurrently within the queue." Failed actions that still have
// attempts remaining are re-enqueued (after Delay) rather than blocking the
// queue for the retry wait, so actions behind them keep draining.
type Queue struct {
	ledger      Ledger
	maxExtraFee int64
	logger      *slog.Logger

	mu    sync.Mutex
	items []*Action
	wake  chan struct{}

	processing spinlock.Mutex

	upliftMu sync.Mutex
	uplift   int64
}

// New constructs a Queue. maxExtraFee is the protocol's max_extra_fee
// parameter the uplift escalator scales against.
func New(ledger Ledger, maxExtraFee int64, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ledger:      ledger,
		maxExtraFee: maxExtraFee,
		logger:      logger,
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue appends an action to the back of the FIFO.
func (q *Queue) Enqueue(a *Action) {
	if a.SubmissionRefs == nil {
		a.SubmissionRefs = make(map[string]string)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) enqueueAfter(a *Action, delay time.Duration) {
	if delay <= 0 {
		q.Enqueue(a)
		return
	}
	time.AfterFunc(delay, func() { q.Enqueue(a) })
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	a := q.items[0]
	q.items = q.items[1:]
	return a
}

// Len reports the number of actions currently queued (not counting one
// in-flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// CurrentUplift returns the fee uplift presently in effect.
func (q *Queue) CurrentUplift() int64 {
	q.upliftMu.Lock()
	defer q.upliftMu.Unlock()
	return q.uplift
}

func (q *Queue) resetUplift() {
	q.upliftMu.Lock()
	q.uplift = 0
	q.upliftMu.Unlock()
}

func (q *Queue) escalateUplift(attempt, maxAttempts int) int64 {
	if maxAttempts <= 0 {
		return 0
	}
	v := (q.maxExtraFee * int64(attempt)) / int64(maxAttempts)
	q.upliftMu.Lock()
	q.uplift = v
	q.upliftMu.Unlock()
	return v
}

// Nudge wakes the background Run loop if it is currently idle, without
// blocking. Used by the expiry scheduler's per-tick queue-drain step (spec
// section 4.4) to make sure a tick that just enqueued re-offer/updateRegInfo
// actions doesn't wait for the next Enqueue call to service them.
func (q *Queue) Nudge() {
	q.signal()
}

// Run drains the queue until ctx is cancelled. It is the single logical
// worker; callers must not run more than one Run loop per Queue.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}

		for {
			a := q.pop()
			if a == nil {
				break
			}
			q.process(ctx, a)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, a *Action) {
	if err := q.processing.Lock(ctx); err != nil {
		// ctx cancelled while waiting for the slot; put the action back
		// so a future Run call (or this one, if ctx is later reused)
		// can still pick it up.
		q.mu.Lock()
		q.items = append([]*Action{a}, q.items...)
		q.mu.Unlock()
		return
	}
	defer q.processing.Unlock()

	if a.PrimaryRef != "" {
		if hash, ok := a.SubmissionRefs[a.PrimaryRef]; ok && hash != "" {
			validated, successful, err := q.ledger.ValidatedTx(ctx, hash)
			if err == nil && validated && successful {
				q.logger.Info("txqueue: skipping retry, prior submission already confirmed",
					"action", a.Name, "id", a.ID, "tx_hash", hash)
				q.resetUplift()
				if a.OnTerminal != nil {
					a.OnTerminal(a.SubmissionRefs, nil)
				}
				return
			}
		}
	}

	a.attempts++
	uplift := q.CurrentUplift()

	err := a.Run(ctx, a.SubmissionRefs, uplift)
	if err == nil {
		q.resetUplift()
		if a.OnTerminal != nil {
			a.OnTerminal(a.SubmissionRefs, nil)
		}
		return
	}

	if errors.Is(err, ErrTookTooLong) && a.attempts < a.MaxAttempts {
		// The retry will be attempt a.attempts+1; its uplift is set now and
		// stays in effect for later submissions until one succeeds.
		q.escalateUplift(a.attempts+1, a.MaxAttempts)
	}

	if a.attempts >= a.MaxAttempts {
		q.logger.Warn("txqueue: dropping action after exhausting attempts",
			"action", a.Name, "id", a.ID, "attempts", a.attempts, "err", err)
		if a.OnTerminal != nil {
			a.OnTerminal(a.SubmissionRefs, fmt.Errorf("action %q dropped after %d attempts: %w", a.Name, a.attempts, err))
		}
		return
	}

	q.logger.Info("txqueue: action failed, will retry",
		"action", a.Name, "attempt", a.attempts, "max_attempts", a.MaxAttempts, "delay", a.Delay, "err", err)
	q.enqueueAfter(a, a.Delay)
}
