package reconciler

import (
	"context"
	"fmt"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/leasestore"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/wire"
)

// acquireBudget40Pct and acquireBudget80Pct are the two gates spec section
// 4.7 defines: missing the first means the daemon never became free to
// accept work in time (SashiTimeout before any container is created);
// missing the second means the tenant may already have timed out waiting
// for acquireSuccess, so the half-created instance must be torn down.
const (
	acquireBudget40Pct = 0.40
	acquireBudget80Pct = 0.80
)

// HandleAcquire runs the spec section 4.7 acquire protocol state machine.
func (s *Service) HandleAcquire(ctx context.Context, ev ledgerclient.AcquireEvent) error {
	deadline := time.Now().Add(s.Cfg.AcquireWindow)

	if ev.Host != s.Cfg.HostAddress {
		return fmt.Errorf("acquire: event host %q does not match this agent's account %q", ev.Host, s.Cfg.HostAddress)
	}

	token, err := s.Ledger.GetLeaseByTokenID(ctx, ev.LeaseTokenID)
	if err != nil {
		return fmt.Errorf("acquire: lookup lease token %s: %w", ev.LeaseTokenID, err)
	}
	if token.Owner != ev.Tenant {
		// No lease row exists yet and the real lease slot is still
		// unknown (the URI hasn't been decoded), so there is nothing to
		// re-offer here - just reject and refund.
		s.enqueueAcquireError(ev, fmt.Sprintf("lease token %s owner %q does not match tenant %q", ev.LeaseTokenID, token.Owner, ev.Tenant))
		s.enqueueRefund(ev.Tenant, ev.LeaseAmount)
		return fmt.Errorf("acquire: owner mismatch for lease token %s", ev.LeaseTokenID)
	}

	uri, err := ledgerclient.DecodeLeaseURI(token.URI)
	if err != nil {
		s.enqueueAcquireError(ev, fmt.Sprintf("undecodable lease uri: %v", err))
		return fmt.Errorf("acquire: decode uri: %w", err)
	}

	if uri.LeaseAmount != ev.LeaseAmount {
		// As above: no lease row exists yet, so reject and refund only.
		s.enqueueAcquireError(ev, fmt.Sprintf("lease amount mismatch: uri=%d event=%d", uri.LeaseAmount, ev.LeaseAmount))
		s.enqueueRefund(ev.Tenant, ev.LeaseAmount)
		return fmt.Errorf("acquire: lease amount mismatch for lease token %s", ev.LeaseTokenID)
	}

	lifeMoments := ev.Payload.LifeMoments
	if lifeMoments <= 0 {
		lifeMoments = 1
	}
	lease := leasestore.Lease{
		TxHash:        ev.AcquireTxHash,
		TenantAddress: ev.Tenant,
		ContainerName: ev.LeaseTokenID,
		LifeMoments:   int(lifeMoments),
		Timestamp:     time.Now().Unix(),
		Status:        leasestore.StatusAcquiring,
	}
	if err := s.Leases.Create(ctx, nil, lease); err != nil {
		return fmt.Errorf("acquire: write lease row: %w", err)
	}

	lockCtx, cancelLock := context.WithDeadline(ctx, budgetDeadline(deadline, acquireBudget40Pct, s.Cfg.AcquireWindow))
	defer cancelLock()
	if err := s.LeaseLock.Lock(lockCtx); err != nil {
		s.failAcquire(ctx, lease, uri, "daemon did not become idle within 40% of the acquire window")
		return fmt.Errorf("acquire: daemon not idle within budget: %w", err)
	}
	defer s.LeaseLock.Unlock()

	if time.Now().After(budgetDeadline(deadline, acquireBudget80Pct, s.Cfg.AcquireWindow)) {
		s.failAcquire(ctx, lease, uri, "acquire window 80% budget exceeded before daemon.create")
		return fmt.Errorf("acquire: 80%% budget exceeded before create")
	}

	createReq := wire.CreateRequest{
		ContainerName: ev.LeaseTokenID,
		OwnerPubkey:   ev.Tenant,
		ContractID:    ev.Payload.ContractID,
		OutboundIPv6:  outboundIPv6(uri),
		Config:        wire.InstanceConfig{Raw: ev.Payload.Config},
	}
	resp, err := s.Daemon.Create(ctx, createReq)
	created := err == nil
	if time.Now().After(budgetDeadline(deadline, acquireBudget80Pct, s.Cfg.AcquireWindow)) {
		if created {
			if _, destroyErr := s.Daemon.Destroy(ctx, ev.LeaseTokenID); destroyErr != nil {
				s.Logger.Error("reconciler: failed to destroy instance after 80% budget timeout", "container_name", ev.LeaseTokenID, "err", destroyErr)
			}
		}
		s.failAcquire(ctx, lease, uri, "acquire window 80% budget exceeded after daemon.create")
		return fmt.Errorf("acquire: 80%% budget exceeded after create")
	}
	if err != nil {
		s.failAcquireWithReason(ctx, lease, uri, false, fmt.Sprintf("daemon.create failed: %v", err))
		return fmt.Errorf("acquire: daemon.create: %w", err)
	}

	s.Timeline.Insert(expiry.Entry{
		TxHash:        ev.AcquireTxHash,
		ContainerName: ev.LeaseTokenID,
		Tenant:        ev.Tenant,
		ExpiresAt:     time.Now().Add(time.Duration(lifeMoments) * s.Cfg.MomentSize),
	})
	activeNow := s.incrActiveCount()
	s.enqueueUpdateRegInfo(ctx)
	s.enqueueAcquireSuccess(ev, resp.Instance)
	_ = activeNow

	if err := s.Leases.UpdateStatus(ctx, nil, ev.AcquireTxHash, leasestore.StatusAcquired); err != nil {
		s.Logger.Error("reconciler: failed to mark lease Acquired after success", "tx_hash", ev.AcquireTxHash, "err", err)
	}
	return nil
}

func (s *Service) failAcquire(ctx context.Context, lease leasestore.Lease, uri ledgerclient.LeaseURI, reason string) {
	s.failAcquireWithReason(ctx, lease, uri, true, reason)
}

// failAcquireWithReason implements the acquire handler's "on any
// exception" branch (spec section 4.7): mark the lease Failed, destroy the
// instance if it may have been created, re-offer the slot, and enqueue
// acquireError. destroyFirst distinguishes the SashiTimeout paths (which
// have already destroyed the instance inline, before the budget check
// fires) from a create failure (no instance exists to destroy).
func (s *Service) failAcquireWithReason(ctx context.Context, lease leasestore.Lease, uri ledgerclient.LeaseURI, destroyFirst bool, reason string) {
	if err := s.Leases.UpdateStatus(ctx, nil, lease.TxHash, leasestore.StatusFailed); err != nil {
		s.Logger.Error("reconciler: failed to mark lease Failed", "tx_hash", lease.TxHash, "err", err)
	}
	if destroyFirst {
		if _, err := s.Daemon.Destroy(ctx, lease.ContainerName); err != nil && errs.KindOf(err) != errs.NoContainerError {
			s.Logger.Error("reconciler: failed to destroy instance during acquire failure", "container_name", lease.ContainerName, "err", err)
		}
	}
	s.reoffer(ctx, lease.ContainerName, uri.LeaseIndex, uri.LeaseAmount, lease.TxHash)
	ev := ledgerclient.AcquireEvent{AcquireTxHash: lease.TxHash, Tenant: lease.TenantAddress, LeaseAmount: uri.LeaseAmount}
	s.enqueueAcquireError(ev, reason)
}

func (s *Service) enqueueAcquireSuccess(ev ledgerclient.AcquireEvent, instance wire.InstanceView) {
	s.enqueueLedgerCall("acquireSuccess", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		res, err := s.Ledger.AcquireSuccess(ctx, ev.AcquireTxHash, ev.Tenant, map[string]string{
			"container_name": instance.ContainerName,
			"ip":              instance.IP,
			"username":        instance.Username,
		})
		if err != nil {
			return fmt.Errorf("acquireSuccess: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
}

func (s *Service) enqueueAcquireError(ev ledgerclient.AcquireEvent, reason string) {
	s.enqueueLedgerCall("acquireError", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		res, err := s.Ledger.AcquireError(ctx, ev.AcquireTxHash, ev.Tenant, ev.LeaseAmount, reason)
		if err != nil {
			return fmt.Errorf("acquireError: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
}

func (s *Service) enqueueRefund(tenant string, amount int64) {
	s.enqueueLedgerCall("refundTenant", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		res, err := s.Ledger.RefundTenant(ctx, tenant, amount)
		if err != nil {
			return fmt.Errorf("refundTenant: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
}

func budgetDeadline(windowEnd time.Time, pct float64, window time.Duration) time.Time {
	windowStart := windowEnd.Add(-window)
	return windowStart.Add(time.Duration(float64(window) * pct))
}

func outboundIPv6(uri ledgerclient.LeaseURI) string {
	if uri.OutboundIP == nil {
		return ""
	}
	return uri.OutboundIP.String()
}
