package expiry_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/expiry"
)

func TestTimelineOrdersByExpiry(t *testing.T) {
	tl := expiry.NewTimeline()
	base := time.Unix(1000, 0)

	tl.Insert(expiry.Entry{ContainerName: "c-late", ExpiresAt: base.Add(30 * time.Second)})
	tl.Insert(expiry.Entry{ContainerName: "c-early", ExpiresAt: base.Add(5 * time.Second)})
	tl.Insert(expiry.Entry{ContainerName: "c-mid", ExpiresAt: base.Add(10 * time.Second)})

	require.Equal(t, 3, tl.Len())

	expired := tl.DrainExpired(base.Add(20 * time.Second))
	require.Len(t, expired, 2)
	require.Equal(t, "c-early", expired[0].ContainerName)
	require.Equal(t, "c-mid", expired[1].ContainerName)
	require.Equal(t, 1, tl.Len())
}

func TestTimelineRemove(t *testing.T) {
	tl := expiry.NewTimeline()
	base := time.Unix(1000, 0)
	tl.Insert(expiry.Entry{ContainerName: "c1", ExpiresAt: base.Add(time.Second)})
	tl.Insert(expiry.Entry{ContainerName: "c2", ExpiresAt: base.Add(2 * time.Second)})

	tl.Remove("c1")
	require.Equal(t, 1, tl.Len())

	expired := tl.DrainExpired(base.Add(time.Hour))
	require.Len(t, expired, 1)
	require.Equal(t, "c2", expired[0].ContainerName)
}

type fakeHandler struct {
	mu       sync.Mutex
	halted   bool
	expired  []string
	errOn    string
	queueHit int
}

func (f *fakeHandler) HaltedNow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halted
}

func (f *fakeHandler) ExpireOne(ctx context.Context, e expiry.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ContainerName == f.errOn {
		return context.DeadlineExceeded
	}
	f.expired = append(f.expired, e.ContainerName)
	return nil
}

func (f *fakeHandler) DrainQueue(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueHit++
}

func TestSchedulerTickExpiresAndDrains(t *testing.T) {
	tl := expiry.NewTimeline()
	now := time.Now()
	tl.Insert(expiry.Entry{ContainerName: "c1", ExpiresAt: now.Add(-time.Second)})
	tl.Insert(expiry.Entry{ContainerName: "c2", ExpiresAt: now.Add(-time.Second)})

	h := &fakeHandler{}
	sched := expiry.NewScheduler(tl, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sched.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Contains(t, h.expired, "c1")
	require.Contains(t, h.expired, "c2")
	require.Greater(t, h.queueHit, 0)
}

func TestSchedulerSkipsExpirationWhileHaltedButStillDrainsQueue(t *testing.T) {
	tl := expiry.NewTimeline()
	now := time.Now()
	tl.Insert(expiry.Entry{ContainerName: "c1", ExpiresAt: now.Add(-time.Second)})

	h := &fakeHandler{halted: true}
	sched := expiry.NewScheduler(tl, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	sched.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Empty(t, h.expired)
	require.Greater(t, h.queueHit, 0)
	require.Equal(t, 1, tl.Len())
}
