package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/leasestore"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/reconciler"
)

// seedExtendedLease writes a non-terminal lease row catchUpExtend can match
// against ev.LeaseTokenID.
func seedExtendedLease(t *testing.T, svc *reconciler.Service, txHash, tenant, containerName string) {
	t.Helper()
	require.NoError(t, svc.Leases.Create(context.Background(), nil, leasestore.Lease{
		TxHash:        txHash,
		TenantAddress: tenant,
		ContainerName: containerName,
		LifeMoments:   1,
		Timestamp:     time.Now().Unix(),
		Status:        leasestore.StatusAcquired,
	}))
}

func TestRunCatchUpSkipsCheckpointTransactionAlreadyRespondedTo(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	require.NoError(t, svc.Leases.SetLastWatchedLedger(context.Background(), nil, 100))
	seedExtendedLease(t, svc, "TX100", "rTenant", "TOKENX")

	ledger.HistoryEvents = []ledgerclient.Event{
		{
			Kind: ledgerclient.EventExtendLease,
			Extend: &ledgerclient.ExtendEvent{
				Tenant: "rTenant", ExtendTxHash: "TX100", LeaseTokenID: "TOKENX",
				PaymentAmount: 200, ExtendingMoments: 2, LedgerIndex: 100,
			},
		},
		{
			Kind: ledgerclient.EventResponse,
			Response: &ledgerclient.ResponseEvent{
				RespondsToTxHash: "TX100", LedgerIndex: 101,
			},
		},
	}

	require.NoError(t, svc.RunCatchUp(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Queue.Run(ctx) }()
	time.Sleep(50 * time.Millisecond) // give the queue a chance to drain if it (wrongly) has work

	require.Empty(t, ledger.RefundTenantCalls, "checkpoint transaction was already responded to before restart, must not be refunded twice")

	lastWatched, ok, err := svc.Leases.GetLastWatchedLedger(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(101), lastWatched)
}

func TestRunCatchUpRefundsExtendWithoutPriorResponse(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	require.NoError(t, svc.Leases.SetLastWatchedLedger(context.Background(), nil, 100))
	seedExtendedLease(t, svc, "TX200", "rTenant", "TOKENY")

	ledger.HistoryEvents = []ledgerclient.Event{
		{
			Kind: ledgerclient.EventExtendLease,
			Extend: &ledgerclient.ExtendEvent{
				Tenant: "rTenant", ExtendTxHash: "TX200", LeaseTokenID: "TOKENY",
				PaymentAmount: 200, ExtendingMoments: 2, LedgerIndex: 100,
			},
		},
	}

	require.NoError(t, svc.RunCatchUp(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Queue.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(ledger.RefundTenantCalls) == 1
	}, 2*time.Second, 10*time.Millisecond, "extend transaction with no prior response should be refunded during catch-up")
}
