package reconciler

import (
	"context"
	"fmt"

	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/leasestore"
)

// RunCatchUp implements spec section 4.10: replay every lease-relevant
// transaction for this host's account from the persisted last_watched_ledger
// forward, reconciling anything this process missed while it was down. It
// must run before the reconciler starts consuming live events.
//
// The persisted checkpoint names the last transaction this process is known
// to have finished acting on, but "finished acting on" and "advanced the
// checkpoint" are not atomic: a crash between enqueueing a response (refund,
// success, error) and persisting the new checkpoint replays that same
// boundary transaction on the next startup. respondedTxHashes scans the
// whole fetched window for this host's own past responses so that, for the
// single transaction sitting at the old checkpoint, catch-up can tell it was
// already handled and skip it instead of issuing a duplicate response.
// Anything past the checkpoint is by definition unseen and always runs.
func (s *Service) RunCatchUp(ctx context.Context) error {
	from, ok, err := s.Leases.GetLastWatchedLedger(ctx, nil)
	if err != nil {
		return fmt.Errorf("catchup: read checkpoint: %w", err)
	}
	checkpoint := int64(0)
	if ok {
		checkpoint = int64(from)
	}
	fromIndex := checkpoint

	events, err := s.Ledger.FullHistoryTransactions(ctx, fromIndex)
	if err != nil {
		return fmt.Errorf("catchup: fetch history: %w", err)
	}
	responded := respondedTxHashes(events)

	for _, ev := range events {
		idx := eventLedgerIndex(ev)
		if idx == checkpoint && responded[eventTxHash(ev)] {
			s.Logger.Info("reconciler: skipping checkpoint transaction already acted on before restart",
				"kind", ev.Kind, "tx_hash", eventTxHash(ev))
		} else if err := s.catchUpOne(ctx, ev); err != nil {
			s.Logger.Error("reconciler: catch-up step failed, continuing", "kind", ev.Kind, "err", err)
		}
		if idx > fromIndex {
			fromIndex = idx
			if err := s.Leases.SetLastWatchedLedger(ctx, nil, uint32(idx)); err != nil {
				s.Logger.Error("reconciler: failed to persist catch-up checkpoint", "ledger_index", idx, "err", err)
			}
		}
	}
	return nil
}

// eventTxHash returns the lease-relevant transaction hash ev carries, or ""
// for event kinds that don't have one (including EventResponse itself).
func eventTxHash(ev ledgerclient.Event) string {
	switch ev.Kind {
	case ledgerclient.EventAcquireLease:
		return ev.Acquire.AcquireTxHash
	case ledgerclient.EventExtendLease:
		return ev.Extend.ExtendTxHash
	case ledgerclient.EventTerminateLease:
		return ev.Terminate.TerminateTxHash
	default:
		return ""
	}
}

// respondedTxHashes collects the tx hash every EventResponse in events
// references, so the checkpoint-boundary transaction can be checked against
// it.
func respondedTxHashes(events []ledgerclient.Event) map[string]bool {
	out := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind == ledgerclient.EventResponse && ev.Response != nil && ev.Response.RespondsToTxHash != "" {
			out[ev.Response.RespondsToTxHash] = true
		}
	}
	return out
}

func eventLedgerIndex(ev ledgerclient.Event) int64 {
	switch ev.Kind {
	case ledgerclient.EventAcquireLease:
		return ev.Acquire.LedgerIndex
	case ledgerclient.EventExtendLease:
		return ev.Extend.LedgerIndex
	case ledgerclient.EventTerminateLease:
		return ev.Terminate.LedgerIndex
	case ledgerclient.EventHostRegistered:
		return ev.Registered.LedgerIndex
	case ledgerclient.EventLedger:
		return ev.LedgerTick.LedgerIndex
	case ledgerclient.EventResponse:
		return ev.Response.LedgerIndex
	default:
		return 0
	}
}

// catchUpOne reconciles a single historical transaction. Unlike the live
// handlers, catch-up is deliberately conservative: it never touches the
// in-memory expiry timeline (this process never observed the acquire that
// created it, so there is nothing to push forward), and for ACQUIRE it only
// steps in when no non-terminal local lease row exists for the token.
func (s *Service) catchUpOne(ctx context.Context, ev ledgerclient.Event) error {
	switch ev.Kind {
	case ledgerclient.EventAcquireLease:
		return s.catchUpAcquire(ctx, *ev.Acquire)
	case ledgerclient.EventExtendLease:
		return s.catchUpExtend(ctx, *ev.Extend)
	case ledgerclient.EventTerminateLease:
		return s.catchUpTerminate(ctx, *ev.Terminate)
	default:
		return nil
	}
}

func (s *Service) catchUpAcquire(ctx context.Context, ev ledgerclient.AcquireEvent) error {
	if _, err := s.Leases.GetNonTerminalByContainer(ctx, nil, ev.LeaseTokenID); err == nil {
		return nil // already have a local row, nothing missed
	}
	token, err := s.Ledger.GetLeaseByTokenID(ctx, ev.LeaseTokenID)
	if err != nil {
		return fmt.Errorf("catchup acquire: lookup token: %w", err)
	}
	if token.Owner == "" || token.Owner != ev.Tenant {
		return nil
	}
	uri, err := ledgerclient.DecodeLeaseURI(token.URI)
	if err != nil {
		return fmt.Errorf("catchup acquire: decode uri: %w", err)
	}
	s.reoffer(ctx, ev.LeaseTokenID, uri.LeaseIndex, uri.LeaseAmount, "")
	s.enqueueRefund(ev.Tenant, ev.LeaseAmount)
	return nil
}

func (s *Service) catchUpExtend(ctx context.Context, ev ledgerclient.ExtendEvent) error {
	lease, err := s.Leases.GetNonTerminalByContainer(ctx, nil, ev.LeaseTokenID)
	if err != nil {
		return nil
	}
	if lease.Status != leasestore.StatusAcquired && lease.Status != leasestore.StatusExtended {
		return nil
	}
	s.enqueueRefund(ev.Tenant, ev.PaymentAmount)
	return nil
}

func (s *Service) catchUpTerminate(ctx context.Context, ev ledgerclient.TerminateEvent) error {
	lease, err := s.Leases.GetNonTerminalByContainer(ctx, nil, ev.LeaseTokenID)
	if err == nil {
		if entry, hasEntry := s.Timeline.Get(lease.ContainerName); hasEntry {
			return s.ExpireOne(ctx, entry)
		}
		return nil
	}
	token, tokErr := s.Ledger.GetLeaseByTokenID(ctx, ev.LeaseTokenID)
	if tokErr != nil {
		return nil
	}
	if token.Owner != ev.Tenant {
		return nil
	}
	uri, err := ledgerclient.DecodeLeaseURI(token.URI)
	if err != nil {
		return fmt.Errorf("catchup terminate: decode uri: %w", err)
	}
	s.reoffer(ctx, ev.LeaseTokenID, uri.LeaseIndex, uri.LeaseAmount, "")
	return nil
}
