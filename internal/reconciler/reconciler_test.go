package reconciler_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/haltdetector"
	"evernest.io/sashimono-agent/internal/leasestore"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/reconciler"
	"evernest.io/sashimono-agent/internal/txqueue"
	"evernest.io/sashimono-agent/internal/wire"
)

type fakeDaemon struct {
	created   map[string]bool
	destroyed map[string]bool
	failCreate bool
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{created: map[string]bool{}, destroyed: map[string]bool{}}
}

func (f *fakeDaemon) Create(ctx context.Context, req wire.CreateRequest) (wire.CreateResponse, error) {
	if f.failCreate {
		return wire.CreateResponse{}, context.DeadlineExceeded
	}
	f.created[req.ContainerName] = true
	return wire.CreateResponse{Instance: wire.InstanceView{
		ContainerName: req.ContainerName,
		IP:            "fd00::1",
		Username:      "sashi" + req.ContainerName[:4],
	}}, nil
}

func (f *fakeDaemon) Destroy(ctx context.Context, containerName string) (wire.DestroyResponse, error) {
	f.destroyed[containerName] = true
	delete(f.created, containerName)
	return wire.DestroyResponse{ContainerName: containerName}, nil
}

func (f *fakeDaemon) Inspect(ctx context.Context, containerName string) (wire.InspectResponse, error) {
	if !f.created[containerName] {
		return wire.InspectResponse{}, context.DeadlineExceeded
	}
	return wire.InspectResponse{Instance: wire.InstanceView{ContainerName: containerName}}, nil
}

func (f *fakeDaemon) List(ctx context.Context) (wire.ListResponse, error) {
	var out wire.ListResponse
	for name := range f.created {
		out.Content = append(out.Content, wire.InstanceView{ContainerName: name})
	}
	return out, nil
}

func newTestLeaseStore(t *testing.T) *leasestore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := leasestore.Open(context.Background(), filepath.Join(dir, "lease.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestService(t *testing.T, daemon *fakeDaemon, ledger *ledgerclient.Mock) *reconciler.Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	queue := txqueue.New(ledger, 1000, logger)
	timeline := expiry.NewTimeline()
	halt := haltdetector.New(60*time.Second, 25)

	cfg := reconciler.Config{
		HostAddress:        "rHostAddress",
		MomentSize:         time.Minute,
		AcquireWindow:      10 * time.Second,
		TotalInstanceCount: 4,
		LeaseAmount:        100,
	}
	return reconciler.New(cfg, newTestLeaseStore(t), ledger, daemon, queue, timeline, halt, logger)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func seedAcquirableLease(t *testing.T, ledger *ledgerclient.Mock, tenant, tokenID string, leaseAmount int64, leaseIndex uint32) {
	t.Helper()
	uri := ledgerclient.EncodeLeaseURI(ledgerclient.LeaseURI{LeaseIndex: leaseIndex, LeaseAmount: leaseAmount})
	ledger.SeedLease(ledgerclient.LeaseToken{TokenID: tokenID, Owner: tenant, URI: uri})
}

func TestHandleAcquireSucceeds(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN1", 100, 3)

	ev := ledgerclient.AcquireEvent{
		Tenant:        "rTenant",
		Host:          "rHostAddress",
		AcquireTxHash: "TX1",
		LeaseTokenID:  "TOKEN1",
		LeaseAmount:   100,
		Payload:       ledgerclient.AcquirePayload{LifeMoments: 2, ContractID: "contract-A"},
	}
	require.NoError(t, svc.HandleAcquire(context.Background(), ev))

	require.True(t, daemon.created["TOKEN1"])
	require.Equal(t, int64(1), svc.ActiveCount())

	lease, err := svc.Leases.GetByTxHash(context.Background(), nil, "TX1")
	require.NoError(t, err)
	require.Equal(t, leasestore.StatusAcquired, lease.Status)

	require.Equal(t, 1, svc.Timeline.Len())
}

func TestHandleAcquireRejectsOwnerMismatch(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rOtherTenant", "TOKEN2", 100, 4)

	ev := ledgerclient.AcquireEvent{
		Tenant:        "rTenant",
		Host:          "rHostAddress",
		AcquireTxHash: "TX2",
		LeaseTokenID:  "TOKEN2",
		LeaseAmount:   100,
	}
	err := svc.HandleAcquire(context.Background(), ev)
	require.Error(t, err)
	require.False(t, daemon.created["TOKEN2"])
	require.Equal(t, int64(0), svc.ActiveCount())
}

func TestHandleAcquireFailsOnDaemonCreateError(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	daemon.failCreate = true
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN3", 100, 5)

	ev := ledgerclient.AcquireEvent{
		Tenant:        "rTenant",
		Host:          "rHostAddress",
		AcquireTxHash: "TX3",
		LeaseTokenID:  "TOKEN3",
		LeaseAmount:   100,
		Payload:       ledgerclient.AcquirePayload{LifeMoments: 1},
	}
	err := svc.HandleAcquire(context.Background(), ev)
	require.Error(t, err)

	lease, lerr := svc.Leases.GetByTxHash(context.Background(), nil, "TX3")
	require.NoError(t, lerr)
	require.Equal(t, leasestore.StatusFailed, lease.Status)
}

func TestHandleExtendPushesExpiryAndPersists(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN4", 100, 6)
	require.NoError(t, svc.HandleAcquire(context.Background(), ledgerclient.AcquireEvent{
		Tenant: "rTenant", Host: "rHostAddress", AcquireTxHash: "TX4", LeaseTokenID: "TOKEN4",
		LeaseAmount: 100, Payload: ledgerclient.AcquirePayload{LifeMoments: 1},
	}))

	before, ok := svc.Timeline.Get("TOKEN4")
	require.True(t, ok)

	require.NoError(t, svc.HandleExtend(context.Background(), ledgerclient.ExtendEvent{
		Tenant: "rTenant", LeaseTokenID: "TOKEN4", PaymentAmount: 200, ExtendingMoments: 2,
	}))

	after, ok := svc.Timeline.Get("TOKEN4")
	require.True(t, ok)
	require.True(t, after.ExpiresAt.After(before.ExpiresAt))

	lease, err := svc.Leases.GetByTxHash(context.Background(), nil, "TX4")
	require.NoError(t, err)
	require.Equal(t, leasestore.StatusExtended, lease.Status)
	require.Equal(t, 3, lease.LifeMoments)
}

func TestHandleExtendRejectsBadPaymentMultiple(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN5", 100, 7)
	require.NoError(t, svc.HandleAcquire(context.Background(), ledgerclient.AcquireEvent{
		Tenant: "rTenant", Host: "rHostAddress", AcquireTxHash: "TX5", LeaseTokenID: "TOKEN5",
		LeaseAmount: 100, Payload: ledgerclient.AcquirePayload{LifeMoments: 1},
	}))

	err := svc.HandleExtend(context.Background(), ledgerclient.ExtendEvent{
		Tenant: "rTenant", LeaseTokenID: "TOKEN5", PaymentAmount: 150, ExtendingMoments: 1,
	})
	require.Error(t, err)
}

func TestHandleTerminateExpiresImmediately(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN6", 100, 8)
	require.NoError(t, svc.HandleAcquire(context.Background(), ledgerclient.AcquireEvent{
		Tenant: "rTenant", Host: "rHostAddress", AcquireTxHash: "TX6", LeaseTokenID: "TOKEN6",
		LeaseAmount: 100, Payload: ledgerclient.AcquirePayload{LifeMoments: 1},
	}))
	require.True(t, daemon.created["TOKEN6"])

	require.NoError(t, svc.HandleTerminate(context.Background(), ledgerclient.TerminateEvent{
		Tenant: "rTenant", LeaseTokenID: "TOKEN6",
	}))

	require.True(t, daemon.destroyed["TOKEN6"])
	lease, err := svc.Leases.GetByTxHash(context.Background(), nil, "TX6")
	require.NoError(t, err)
	require.Equal(t, leasestore.StatusDestroyed, lease.Status)
	require.Equal(t, int64(0), svc.ActiveCount())
}

func TestRunExitsOnDisconnectedEvent(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	ledger.Emit(ledgerclient.Event{Kind: ledgerclient.EventDisconnected, Err: context.DeadlineExceeded})

	err := svc.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestRunExitsOnServerDesyncedEvent(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	ledger.Emit(ledgerclient.Event{Kind: ledgerclient.EventServerDesynced})

	err := svc.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestExpireOneExpiresLeaseTokenAndMarksBurnedBeforeReoffering(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	ledger.OfferLeaseErr = errors.New("offer boom") // freeze the row short of the final delete so Burned is observable
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)

	seedAcquirableLease(t, ledger, "rTenant", "TOKEN7", 100, 9)
	require.NoError(t, svc.HandleAcquire(context.Background(), ledgerclient.AcquireEvent{
		Tenant: "rTenant", Host: "rHostAddress", AcquireTxHash: "TX7", LeaseTokenID: "TOKEN7",
		LeaseAmount: 100, Payload: ledgerclient.AcquirePayload{LifeMoments: 1},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Queue.Run(ctx) }()

	require.NoError(t, svc.ExpireOne(context.Background(), expiry.Entry{
		TxHash: "TX7", ContainerName: "TOKEN7", Tenant: "rTenant",
	}))

	require.Eventually(t, func() bool {
		return len(ledger.OfferLeaseCalls) > 0
	}, 2*time.Second, 10*time.Millisecond, "offerLease should have been attempted")

	require.Equal(t, []string{"TOKEN7"}, ledger.ExpireLeaseCalls)
	require.Equal(t, []uint32{9}, ledger.OfferLeaseCalls)

	lease, err := svc.Leases.GetByTxHash(context.Background(), nil, "TX7")
	require.NoError(t, err)
	require.Equal(t, leasestore.StatusBurned, lease.Status)
}

func TestRunOrphanPrunerDestroysOldAcquiringInstance(t *testing.T) {
	ledger := ledgerclient.NewMock(ledgerclient.Registration{LeaseAmount: 100}, ledgerclient.Moment{Index: 1, Size: time.Minute})
	daemon := newFakeDaemon()
	svc := newTestService(t, daemon, ledger)
	svc.Cfg.AcquireWindow = time.Millisecond // force the cutoff to already be in the past
	svc.Cfg.OrphanThresholdPct = 80

	daemon.created["orphaned-container"] = true
	require.NoError(t, svc.Leases.Create(context.Background(), nil, leasestore.Lease{
		TxHash:        "ORPHANTX",
		TenantAddress: "rTenant",
		ContainerName: "orphaned-container",
		LifeMoments:   1,
		Timestamp:     time.Now().Add(-time.Hour).Unix(),
		Status:        leasestore.StatusAcquiring,
	}))

	require.NoError(t, svc.RunOrphanPruner(context.Background()))
	require.True(t, daemon.destroyed["orphaned-container"])

	lease, err := svc.Leases.GetByTxHash(context.Background(), nil, "ORPHANTX")
	require.NoError(t, err)
	require.Equal(t, leasestore.StatusDestroyed, lease.Status)
}
