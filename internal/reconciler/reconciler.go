// Package reconciler is the message-board reconciliation service (spec
// section 3's layer (b)): it connects to the ledger, turns
// AcquireLease/ExtendLease/TerminateLease events into daemon calls and
// durable lease rows, runs the startup catch-up and inconsistency-fix
// passes, and prunes orphaned instances/leases. It is the glue between
// internal/ledgerclient, internal/leasestore, internal/daemonclient,
// internal/txqueue, internal/expiry, and internal/haltdetector. The
// cooperative, timer-driven structure is grounded on the teacher's
// worker.Agent.Run select-loop (internal/worker/agent.go), generalized
// from one poll timer to the several independent timers spec section 5
// describes (scheduler tick, heartbeat, orphan prune).
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/expiry"
	"evernest.io/sashimono-agent/internal/haltdetector"
	"evernest.io/sashimono-agent/internal/leasestore"
	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/spinlock"
	"evernest.io/sashimono-agent/internal/txqueue"
	"evernest.io/sashimono-agent/internal/wire"
)

// DaemonClient is the narrow subset of daemonclient.Client the reconciler
// drives.
type DaemonClient interface {
	Create(ctx context.Context, req wire.CreateRequest) (wire.CreateResponse, error)
	Destroy(ctx context.Context, containerName string) (wire.DestroyResponse, error)
	Inspect(ctx context.Context, containerName string) (wire.InspectResponse, error)
	List(ctx context.Context) (wire.ListResponse, error)
}

// Config bundles the protocol parameters the reconciler needs beyond what
// ledgerclient.Config already carries.
type Config struct {
	HostAddress        string
	MomentSize         time.Duration
	AcquireWindow      time.Duration
	TotalInstanceCount int64
	LeaseAmount        int64
	OrphanPruneEvery   time.Duration
	OrphanThresholdPct int // default 80
}

// DefaultOrphanPruneInterval is orphan_prune_hours's default (spec section
// 4.12).
const DefaultOrphanPruneInterval = 2 * time.Hour

// Service is the reconciler's top-level state, shared by every handler in
// this package.
type Service struct {
	Cfg      Config
	Leases   *leasestore.Store
	Ledger   ledgerclient.Client
	Daemon   DaemonClient
	Queue    *txqueue.Queue
	Timeline *expiry.Timeline
	Halt     *haltdetector.Detector
	Logger   *slog.Logger

	// LeaseLock is the single, non-reentrant lock protecting the
	// lease-update critical section: acquire handler, expiry pass,
	// pruner, terminate (spec section 4.13). Callers must never hold
	// Queue's internal processing lock while acquiring this one in
	// reverse order.
	LeaseLock spinlock.Mutex

	activeMu    sync.Mutex
	activeCount int64

	orphanFirstSeen *firstSeen
}

// New constructs a Service. It does not start any timers; callers run
// expiry.Scheduler, the heartbeat scheduler, and RunOrphanPruner
// separately against the returned Service's Handler implementations.
func New(cfg Config, leases *leasestore.Store, ledger ledgerclient.Client, daemon DaemonClient, queue *txqueue.Queue, timeline *expiry.Timeline, halt *haltdetector.Detector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OrphanPruneEvery <= 0 {
		cfg.OrphanPruneEvery = DefaultOrphanPruneInterval
	}
	if cfg.OrphanThresholdPct <= 0 {
		cfg.OrphanThresholdPct = 80
	}
	return &Service{
		Cfg:      cfg,
		Leases:   leases,
		Ledger:   ledger,
		Daemon:   daemon,
		Queue:    queue,
		Timeline: timeline,
		Halt:     halt,
		Logger:   logger,
	}
}

// ActiveCount returns the reconciler's in-memory active-instance counter
// (spec section 4.7/4.4: incremented on successful acquire, decremented on
// expiration).
func (s *Service) ActiveCount() int64 {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.activeCount
}

func (s *Service) SetActiveCount(v int64) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.activeCount = v
}

func (s *Service) incrActiveCount() int64 {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.activeCount++
	return s.activeCount
}

func (s *Service) decrActiveCount() int64 {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.activeCount > 0 {
		s.activeCount--
	}
	return s.activeCount
}

// enqueueUpdateRegInfo and enqueueLedgerCall are small txqueue.Action
// constructors shared by every handler in this package, so the "decode
// refs, consult ValidatedTx before retry" idempotence rule (spec section
// 4.3) is implemented exactly once.
func (s *Service) enqueueLedgerCall(name string, maxAttempts int, delay time.Duration, primaryRef string, run txqueue.ActionFunc) {
	s.Queue.Enqueue(&txqueue.Action{
		Name:        name,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		PrimaryRef:  primaryRef,
		Run:         run,
		OnTerminal: func(refs map[string]string, err error) {
			if err != nil {
				s.Logger.Error("reconciler: queued ledger call failed permanently", "action", name, "err", err)
			}
		},
	})
}

func (s *Service) enqueueUpdateRegInfo(ctx context.Context) {
	s.enqueueLedgerCall("updateRegInfo", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		reg, err := s.Ledger.GetRegistration(ctx)
		if err != nil {
			return fmt.Errorf("updateRegInfo: read registration: %w", err)
		}
		res, err := s.Ledger.UpdateRegInfo(ctx, s.ActiveCount(), reg.Version+1, s.Cfg.TotalInstanceCount, s.Cfg.LeaseAmount)
		if err != nil {
			return fmt.Errorf("updateRegInfo: %w", err)
		}
		refs["primary"] = res.TxHash
		return nil
	})
}

// reoffer implements spec section 4.9's lease re-offer sequence. If the
// current row (identified by terminalTxHash) is Destroyed/Failed/
// SashiTimeout, or no row exists at all (terminalTxHash == ""), an
// expireLease action is queued ahead of the offer; once the ledger accepts
// the expire, that action marks the row Burned. Refreshing ledger config and
// offering the slot then proceed as before; on offer success the row (now
// Burned, or absent) is hard-deleted. containerName is the lease token ID
// ExpireLease needs, which for terminal rows is the same identifier as
// their container name.
func (s *Service) reoffer(ctx context.Context, containerName string, leaseIndex uint32, leaseAmount int64, terminalTxHash string) {
	if s.needsExpireBeforeReoffer(ctx, terminalTxHash) {
		s.enqueueLedgerCall("expireLease", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
			res, err := s.Ledger.ExpireLease(ctx, containerName)
			if err != nil {
				return fmt.Errorf("reoffer: expireLease: %w", err)
			}
			refs["primary"] = res.TxHash
			if terminalTxHash != "" {
				if err := s.Leases.UpdateStatus(ctx, nil, terminalTxHash, leasestore.StatusBurned); err != nil {
					s.Logger.Error("reconciler: failed to mark lease Burned before reoffer", "tx_hash", terminalTxHash, "err", err)
				}
			}
			return nil
		})
	}

	s.enqueueLedgerCall("offerLease", 5, 15*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
		reg, err := s.Ledger.GetRegistration(ctx)
		if err != nil {
			return fmt.Errorf("reoffer: refresh registration: %w", err)
		}
		amount := leaseAmount
		if reg.LeaseAmount != 0 {
			amount = reg.LeaseAmount
		}
		res, err := s.Ledger.OfferLease(ctx, leaseIndex, amount, "", "")
		if err != nil {
			return fmt.Errorf("reoffer: %w", err)
		}
		refs["primary"] = res.TxHash
		if terminalTxHash != "" {
			if delErr := s.Leases.Delete(ctx, nil, terminalTxHash); delErr != nil {
				s.Logger.Error("reconciler: failed to delete terminal lease row after reoffer", "tx_hash", terminalTxHash, "err", delErr)
			}
		}
		return nil
	})
}

// needsExpireBeforeReoffer reports whether reoffer's gated expireLease+Burned
// step (spec section 4.9 step 1) applies: no row exists, or the row is in a
// terminal-failure status.
func (s *Service) needsExpireBeforeReoffer(ctx context.Context, terminalTxHash string) bool {
	if terminalTxHash == "" {
		return true
	}
	row, err := s.Leases.GetByTxHash(ctx, nil, terminalTxHash)
	if err != nil {
		return true
	}
	switch row.Status {
	case leasestore.StatusDestroyed, leasestore.StatusFailed, leasestore.StatusSashiTimeout:
		return true
	default:
		return false
	}
}

// kindIsSashiTimeout reports whether err (or something it wraps) is the
// daemon's sashi_timeout error kind.
func kindIsSashiTimeout(err error) bool {
	return errs.KindOf(err) == errs.SashiTimeout
}
