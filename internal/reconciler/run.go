package reconciler

import (
	"context"
	"fmt"

	"evernest.io/sashimono-agent/internal/ledgerclient"
)

// RebateRequester is satisfied by internal/heartbeat.Scheduler's
// RequestRebateOnRegistration helper; wired here so a HostRegistered event
// (spec GLOSSARY's "Rebate" entry) opportunistically tries a rebate without
// this package importing internal/heartbeat back (heartbeat already
// imports internal/ledgerclient, and reconciler must not create a cycle).
type RebateRequester interface {
	RequestRebateOnRegistration(ctx context.Context)
}

// Run connects to the ledger and dispatches every event to its handler
// until ctx is cancelled or the connection is permanently lost. It does not
// run catch-up, the inconsistency fix pass, the expiry scheduler, the
// heartbeat scheduler, or the orphan pruner - callers start those
// separately (spec section 5: several independent timers cooperating with
// this one event loop).
func (s *Service) Run(ctx context.Context, rebate RebateRequester) error {
	events, err := s.Ledger.Connect(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.dispatch(ctx, ev, rebate); err != nil {
				return err
			}
		}
	}
}

// dispatch handles one event. A Disconnected/ServerDesynced event is fatal
// (spec section 7): it returns an error so Run exits instead of continuing
// to loop against a connection the ledger client has already given up on,
// letting an external supervisor restart the process.
func (s *Service) dispatch(ctx context.Context, ev ledgerclient.Event, rebate RebateRequester) error {
	switch ev.Kind {
	case ledgerclient.EventAcquireLease:
		if err := s.HandleAcquire(ctx, *ev.Acquire); err != nil {
			s.Logger.Error("reconciler: acquire handler failed", "err", err)
		}
	case ledgerclient.EventExtendLease:
		if err := s.HandleExtend(ctx, *ev.Extend); err != nil {
			s.Logger.Error("reconciler: extend handler failed", "err", err)
		}
	case ledgerclient.EventTerminateLease:
		if err := s.HandleTerminate(ctx, *ev.Terminate); err != nil {
			s.Logger.Error("reconciler: terminate handler failed", "err", err)
		}
	case ledgerclient.EventHostRegistered:
		if rebate != nil {
			rebate.RequestRebateOnRegistration(ctx)
		}
	case ledgerclient.EventLedger:
		s.Halt.Tick(ev.LedgerTick.At)
	case ledgerclient.EventDisconnected, ledgerclient.EventServerDesynced:
		s.Logger.Error("reconciler: fatal ledger connection event, exiting", "kind", ev.Kind, "err", ev.Err)
		if ev.Err != nil {
			return fmt.Errorf("ledger connection event %s: %w", ev.Kind, ev.Err)
		}
		return fmt.Errorf("ledger connection event %s", ev.Kind)
	default:
		s.Logger.Debug("reconciler: unhandled event kind", "kind", ev.Kind)
	}
	return nil
}
