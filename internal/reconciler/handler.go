package reconciler

import (
	"context"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/leasestore"
)

// HaltedNow satisfies expiry.Handler: destructive expiry processing pauses
// while the ledger is considered halted (spec section 4.5). Evaluate, not
// Halted, is called here - the scheduler tick is the "once per tick" call
// site haltdetector.Detector.Evaluate's doc comment calls for; Tick alone
// only records grace-window transitions off a halt Evaluate already
// raised.
func (s *Service) HaltedNow() bool {
	return s.Halt.Evaluate(time.Now())
}

// DrainQueue satisfies expiry.Handler. The queue's own Run loop (started
// once, in the background, at startup) does the actual work; this just
// nudges it so a tick that enqueued a re-offer/updateRegInfo action doesn't
// sit idle until the next unrelated Enqueue call wakes it.
func (s *Service) DrainQueue(ctx context.Context) {
	s.Queue.Nudge()
}

// ExpireOne satisfies expiry.Handler: destroy the instance, mark the lease
// row Destroyed, decrement the active-instance counter, and enqueue the
// re-offer and updateRegInfo actions (spec section 4.4/4.9).
func (s *Service) ExpireOne(ctx context.Context, e expiry.Entry) error {
	if err := s.LeaseLock.Lock(ctx); err != nil {
		return err
	}
	defer s.LeaseLock.Unlock()

	if _, err := s.Daemon.Destroy(ctx, e.ContainerName); err != nil && errs.KindOf(err) != errs.NoContainerError {
		s.Logger.Error("reconciler: failed to destroy expired instance", "container_name", e.ContainerName, "err", err)
	}
	if err := s.Leases.UpdateStatus(ctx, nil, e.TxHash, leasestore.StatusDestroyed); err != nil {
		s.Logger.Error("reconciler: failed to mark lease Destroyed", "tx_hash", e.TxHash, "err", err)
	}
	s.decrActiveCount()

	token, err := s.Ledger.GetLeaseByTokenID(ctx, e.ContainerName)
	if err != nil {
		s.Logger.Error("reconciler: failed to look up lease token for re-offer after expiry", "container_name", e.ContainerName, "err", err)
		s.enqueueUpdateRegInfo(ctx)
		return nil
	}
	leaseIndex := uint32(0)
	leaseAmount := s.Cfg.LeaseAmount
	if uri, decErr := ledgerclient.DecodeLeaseURI(token.URI); decErr == nil {
		leaseIndex = uri.LeaseIndex
		leaseAmount = uri.LeaseAmount
	}

	s.reoffer(ctx, e.ContainerName, leaseIndex, leaseAmount, e.TxHash)
	s.enqueueUpdateRegInfo(ctx)
	return nil
}

var _ interface {
	HaltedNow() bool
	ExpireOne(ctx context.Context, e expiry.Entry) error
	DrainQueue(ctx context.Context)
} = (*Service)(nil)
