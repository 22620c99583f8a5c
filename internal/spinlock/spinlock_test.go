package spinlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	var m Mutex
	require.NoError(t, m.Lock(context.Background()))
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestTryLockFailsWhileHeld(t *testing.T) {
	var m Mutex
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
}

func TestLockRespectsContextCancellation(t *testing.T) {
	var m Mutex
	require.True(t, m.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Lock(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
