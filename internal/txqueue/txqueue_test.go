package txqueue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/txqueue"
)

type fakeLedger struct {
	mu        sync.Mutex
	confirmed map[string]bool
}

func (f *fakeLedger) ValidatedTx(ctx context.Context, hash string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmed[hash] {
		return true, true, nil
	}
	return false, false, nil
}

func newTestQueue(ledger txqueue.Ledger, maxExtraFee int64) *txqueue.Queue {
	return txqueue.New(ledger, maxExtraFee, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func runQueue(t *testing.T, q *txqueue.Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel
}

func TestActionSucceedsOnFirstAttempt(t *testing.T) {
	q := newTestQueue(&fakeLedger{}, 1000)
	runQueue(t, q)

	done := make(chan error, 1)
	q.Enqueue(&txqueue.Action{
		Name:        "offer",
		MaxAttempts: 3,
		Run: func(ctx context.Context, refs map[string]string, uplift int64) error {
			refs["primary"] = "TXHASH1"
			return nil
		},
		OnTerminal: func(refs map[string]string, err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("action never completed")
	}
}

func TestActionRetriesThenSucceeds(t *testing.T) {
	q := newTestQueue(&fakeLedger{}, 1000)
	runQueue(t, q)

	var calls int
	done := make(chan error, 1)
	q.Enqueue(&txqueue.Action{
		Name:        "acquire-success",
		MaxAttempts: 3,
		Delay:       10 * time.Millisecond,
		Run: func(ctx context.Context, refs map[string]string, uplift int64) error {
			calls++
			if calls < 2 {
				return fmt.Errorf("transient: %w", txqueue.ErrTookTooLong)
			}
			return nil
		},
		OnTerminal: func(refs map[string]string, err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, 2, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("action never completed")
	}
}

func TestActionDroppedAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(&fakeLedger{}, 1000)
	runQueue(t, q)

	var calls int
	done := make(chan error, 1)
	q.Enqueue(&txqueue.Action{
		Name:        "doomed",
		MaxAttempts: 2,
		Delay:       5 * time.Millisecond,
		Run: func(ctx context.Context, refs map[string]string, uplift int64) error {
			calls++
			return fmt.Errorf("permanent failure")
		},
		OnTerminal: func(refs map[string]string, err error) { done <- err },
	})

	select {
	case err := <-done:
		require.Error(t, err)
		require.Equal(t, 2, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("action never terminated")
	}
}

func TestRetrySkippedWhenLedgerAlreadyConfirms(t *testing.T) {
	ledger := &fakeLedger{confirmed: map[string]bool{"TXHASH9": true}}
	q := newTestQueue(ledger, 1000)
	runQueue(t, q)

	done := make(chan error, 1)
	refs := map[string]string{"primary": "TXHASH9"}
	q.Enqueue(&txqueue.Action{
		Name:           "already-confirmed",
		MaxAttempts:    3,
		PrimaryRef:     "primary",
		SubmissionRefs: refs,
		Run: func(ctx context.Context, refs map[string]string, uplift int64) error {
			t.Fatal("Run should not be invoked when the ledger already confirms the prior submission")
			return nil
		},
		OnTerminal: func(refs map[string]string, err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("action never completed")
	}
}

func TestFeeUpliftEscalatesOnTookTooLongThenResets(t *testing.T) {
	q := newTestQueue(&fakeLedger{}, 1000)
	runQueue(t, q)

	var upliftsSeen []int64
	var mu sync.Mutex
	done := make(chan error, 1)
	q.Enqueue(&txqueue.Action{
		Name:        "slow",
		MaxAttempts: 4,
		Delay:       5 * time.Millisecond,
		Run: func(ctx context.Context, refs map[string]string, uplift int64) error {
			mu.Lock()
			upliftsSeen = append(upliftsSeen, uplift)
			mu.Unlock()
			if len(upliftsSeen) < 3 {
				return fmt.Errorf("too slow: %w", txqueue.ErrTookTooLong)
			}
			return nil
		},
		OnTerminal: func(refs map[string]string, err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("action never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, upliftsSeen, 3)
	require.Equal(t, int64(0), upliftsSeen[0])
	require.Equal(t, int64(1000)*2/4, upliftsSeen[1])
	require.Equal(t, int64(0), q.CurrentUplift())
}
