package reconciler

import (
	"context"
	"fmt"
	"time"

	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/ledgerclient"
)

// HandleExtend runs the spec section 4.8 extend protocol: the tenant pays
// an integer multiple of the lease amount to push the lease's expiry
// forward by that many moments.
func (s *Service) HandleExtend(ctx context.Context, ev ledgerclient.ExtendEvent) error {
	lease, err := s.Leases.GetNonTerminalByContainer(ctx, nil, ev.LeaseTokenID)
	if err != nil {
		s.enqueueExtendError(ev, "no matching lease row for this token")
		return fmt.Errorf("extend: lookup lease: %w", err)
	}
	if lease.TenantAddress != ev.Tenant {
		s.enqueueExtendError(ev, "tenant does not own this lease")
		s.enqueueRefund(ev.Tenant, ev.PaymentAmount)
		return fmt.Errorf("extend: tenant mismatch for lease %s", ev.LeaseTokenID)
	}
	if !lease.Status.NonTerminal() {
		s.enqueueExtendError(ev, fmt.Sprintf("lease is in terminal status %s", lease.Status))
		s.enqueueRefund(ev.Tenant, ev.PaymentAmount)
		return fmt.Errorf("extend: lease %s not extendable, status=%s", ev.LeaseTokenID, lease.Status)
	}

	leaseAmount := s.Cfg.LeaseAmount
	if leaseAmount <= 0 {
		leaseAmount = 1
	}
	if ev.ExtendingMoments <= 0 || ev.PaymentAmount != ev.ExtendingMoments*leaseAmount {
		s.enqueueExtendError(ev, fmt.Sprintf("payment %d is not an integer multiple of the lease amount %d", ev.PaymentAmount, leaseAmount))
		s.enqueueRefund(ev.Tenant, ev.PaymentAmount)
		return fmt.Errorf("extend: payment/lease-amount mismatch for lease %s", ev.LeaseTokenID)
	}

	if err := s.LeaseLock.Lock(ctx); err != nil {
		s.enqueueExtendError(ev, "failed to acquire lease-update lock")
		return fmt.Errorf("extend: lock: %w", err)
	}
	entry, ok := s.Timeline.Get(lease.ContainerName)
	if !ok {
		entry = expiry.Entry{TxHash: lease.TxHash, ContainerName: lease.ContainerName, Tenant: lease.TenantAddress, ExpiresAt: time.Now()}
	}
	entry.ExpiresAt = entry.ExpiresAt.Add(time.Duration(ev.ExtendingMoments) * s.Cfg.MomentSize)
	s.Timeline.Remove(lease.ContainerName)
	s.Timeline.Insert(entry)
	s.LeaseLock.Unlock()

	if err := s.Leases.Extend(ctx, nil, lease.TxHash, lease.LifeMoments+int(ev.ExtendingMoments)); err != nil {
		s.enqueueExtendError(ev, "failed to persist extension")
		return fmt.Errorf("extend: persist: %w", err)
	}

	newExpiryMoment := s.currentMoment(ctx) + ev.ExtendingMoments
	s.enqueueLedgerCall("extendSuccess", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		res, err := s.Ledger.ExtendSuccess(ctx, ev.Tenant, newExpiryMoment)
		if err != nil {
			return fmt.Errorf("extendSuccess: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
	return nil
}

func (s *Service) currentMoment(ctx context.Context) int64 {
	m, err := s.Ledger.GetMoment(ctx, nil)
	if err != nil {
		return 0
	}
	return m.Index
}

func (s *Service) enqueueExtendError(ev ledgerclient.ExtendEvent, reason string) {
	s.enqueueLedgerCall("extendError", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		res, err := s.Ledger.ExtendError(ctx, ev.Tenant, reason, ev.PaymentAmount)
		if err != nil {
			return fmt.Errorf("extendError: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
}

// HandleTerminate runs the spec section 4.8 terminate protocol: if a
// matching non-terminal lease and expiry-timeline entry exist, terminate
// immediately via the same path the expiry scheduler uses; otherwise, if
// the token is still owned by the caller but this host never saw the
// acquire (a stale or foreign lease), expire and re-offer directly.
func (s *Service) HandleTerminate(ctx context.Context, ev ledgerclient.TerminateEvent) error {
	lease, err := s.Leases.GetNonTerminalByContainer(ctx, nil, ev.LeaseTokenID)
	if err == nil && lease.TenantAddress == ev.Tenant && lease.Status.NonTerminal() {
		return s.ExpireOne(ctx, expiry.Entry{
			TxHash:        lease.TxHash,
			ContainerName: lease.ContainerName,
			Tenant:        lease.TenantAddress,
		})
	}

	token, tokErr := s.Ledger.GetLeaseByTokenID(ctx, ev.LeaseTokenID)
	if tokErr != nil {
		return fmt.Errorf("terminate: no local lease and lease token %s not found: %w", ev.LeaseTokenID, tokErr)
	}
	if token.Owner != ev.Tenant {
		return fmt.Errorf("terminate: token %s not owned by caller %s", ev.LeaseTokenID, ev.Tenant)
	}
	uri, err := ledgerclient.DecodeLeaseURI(token.URI)
	if err != nil {
		return fmt.Errorf("terminate: decode uri: %w", err)
	}
	// No local row exists here, so reoffer's own gate (terminalTxHash=="")
	// folds in the expireLease+Burned step before re-offering the slot.
	s.reoffer(ctx, ev.LeaseTokenID, uri.LeaseIndex, uri.LeaseAmount, "")
	return nil
}
