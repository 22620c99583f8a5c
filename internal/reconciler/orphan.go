package reconciler

import (
	"context"
	"regexp"
	"sync"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/leasestore"
)

var hexContainerName = regexp.MustCompile(`^[0-9a-f]{64}$`)

// firstSeen tracks, per container name, the first pruner pass that
// observed it. The daemon's list/inspect wire replies (spec section 6)
// carry no creation timestamp, so an instance's age for orphan purposes is
// judged from its lease row's Timestamp where one exists, and otherwise
// from the first moment this pruner noticed it - conservative in the same
// direction as the rest of spec section 4.12 (an instance is never treated
// as older than it could possibly be).
type firstSeen struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newFirstSeen() *firstSeen {
	return &firstSeen{seen: make(map[string]time.Time)}
}

func (f *firstSeen) observe(name string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.seen[name]; ok {
		return t
	}
	t := time.Now()
	f.seen[name] = t
	return t
}

func (f *firstSeen) forget(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, name)
}

// RunOrphanPruner implements spec section 4.12: sweep once for instances
// and leases that no longer correspond to a live, accounted-for lease, and
// tear them down. Callers run this once at startup and then on
// Cfg.OrphanPruneEvery.
func (s *Service) RunOrphanPruner(ctx context.Context) error {
	if s.orphanFirstSeen == nil {
		s.orphanFirstSeen = newFirstSeen()
	}
	cutoff := time.Duration(float64(2*s.Cfg.AcquireWindow) * float64(s.Cfg.OrphanThresholdPct) / 100)
	before := s.ActiveCount()

	list, err := s.Daemon.List(ctx)
	if err != nil {
		return err
	}

	for _, inst := range list.Content {
		lease, leaseErr := s.Leases.GetNonTerminalByContainer(ctx, nil, inst.ContainerName)
		hasLease := leaseErr == nil
		age := s.instanceAge(hasLease, lease, inst.ContainerName)

		orphan := false
		switch {
		case hasLease && (lease.Status == leasestore.StatusAcquiring || lease.Status == leasestore.StatusDestroyed):
			orphan = age > cutoff
		case !hasLease && hexContainerName.MatchString(inst.ContainerName):
			orphan = age > cutoff
		case hasLease:
			if token, tokErr := s.Ledger.GetLeaseByTokenID(ctx, inst.ContainerName); tokErr == nil && token.Owner == s.Cfg.HostAddress {
				orphan = age > cutoff
			}
		}
		if !orphan {
			continue
		}
		s.pruneInstance(ctx, inst.ContainerName, lease, hasLease)
		s.orphanFirstSeen.forget(inst.ContainerName)
	}

	nonTerminal, err := s.Leases.ListNonTerminal(ctx, nil)
	if err != nil {
		return err
	}
	for _, lease := range nonTerminal {
		if time.Since(time.Unix(lease.Timestamp, 0)) <= cutoff {
			continue
		}
		if _, err := s.Daemon.Inspect(ctx, lease.ContainerName); err == nil {
			continue // instance still exists, the instance-side sweep above owns it
		}
		s.pruneInstance(ctx, lease.ContainerName, lease, true)
	}

	if after := s.recomputeActiveCount(ctx); after != before {
		s.SetActiveCount(after)
		s.enqueueUpdateRegInfo(ctx)
	}
	return nil
}

func (s *Service) instanceAge(hasLease bool, lease leasestore.Lease, containerName string) time.Duration {
	if hasLease && lease.Timestamp > 0 {
		return time.Since(time.Unix(lease.Timestamp, 0))
	}
	return time.Since(s.orphanFirstSeen.observe(containerName))
}

// pruneInstance destroys the instance (if any), marks the lease Destroyed,
// and re-offers the slot, refunding the tenant iff the lease was still
// Acquiring and the token is owned by the tenant (spec section 4.12).
func (s *Service) pruneInstance(ctx context.Context, containerName string, lease leasestore.Lease, hasLease bool) {
	if err := s.LeaseLock.Lock(ctx); err != nil {
		return
	}
	defer s.LeaseLock.Unlock()

	if _, err := s.Daemon.Destroy(ctx, containerName); err != nil && errs.KindOf(err) != errs.NoContainerError {
		s.Logger.Error("reconciler: failed to destroy orphaned instance", "container_name", containerName, "err", err)
	}

	var leaseIndex uint32
	leaseAmount := s.Cfg.LeaseAmount
	var terminalTxHash string
	refundCandidate := false
	refundTenant, refundAmount := "", int64(0)

	if hasLease {
		terminalTxHash = lease.TxHash
		if err := s.Leases.UpdateStatus(ctx, nil, lease.TxHash, leasestore.StatusDestroyed); err != nil {
			s.Logger.Error("reconciler: failed to mark orphan lease Destroyed", "tx_hash", lease.TxHash, "err", err)
		}
		if lease.Status.NonTerminal() {
			s.decrActiveCount()
		}
		refundCandidate = lease.Status == leasestore.StatusAcquiring
		refundTenant = lease.TenantAddress
		refundAmount = leaseAmount
	}

	if token, err := s.Ledger.GetLeaseByTokenID(ctx, containerName); err == nil {
		if uri, decErr := ledgerclient.DecodeLeaseURI(token.URI); decErr == nil {
			leaseIndex = uri.LeaseIndex
			leaseAmount = uri.LeaseAmount
		}
		if refundCandidate && token.Owner == refundTenant {
			s.enqueueRefund(refundTenant, refundAmount)
		}
	}

	s.reoffer(ctx, containerName, leaseIndex, leaseAmount, terminalTxHash)
}

// recomputeActiveCount derives the true active-instance count from the
// lease store rather than trusting the in-memory counter, used after a
// pruning pass may have changed it out from under normal acquire/expire
// bookkeeping.
func (s *Service) recomputeActiveCount(ctx context.Context) int64 {
	leases, err := s.Leases.ListByStatus(ctx, nil, leasestore.StatusAcquired, leasestore.StatusExtended)
	if err != nil {
		return s.ActiveCount()
	}
	return int64(len(leases))
}
