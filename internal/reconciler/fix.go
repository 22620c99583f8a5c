package reconciler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"evernest.io/sashimono-agent/internal/ledgerclient"
	"evernest.io/sashimono-agent/internal/leasestore"
)

// RunInconsistencyFix implements spec section 4.11: after catch-up,
// reconcile the lease amount and slot count against what is actually on
// ledger, then offer any host-owned token that is missing a sell offer.
func (s *Service) RunInconsistencyFix(ctx context.Context) error {
	if err := s.fixLeaseAmount(ctx); err != nil {
		return fmt.Errorf("fix: lease amount: %w", err)
	}
	if err := s.fixSlotCount(ctx); err != nil {
		return fmt.Errorf("fix: slot count: %w", err)
	}
	if err := s.offerUnoffered(ctx); err != nil {
		return fmt.Errorf("fix: unoffered leases: %w", err)
	}
	return nil
}

// fixLeaseAmount: if any existing offer carries a different amount than
// config, config yields to the on-ledger amount.
func (s *Service) fixLeaseAmount(ctx context.Context) error {
	offers, err := s.Ledger.GetLeaseOffers(ctx)
	if err != nil {
		return err
	}
	for _, offer := range offers {
		uri, decErr := ledgerclient.DecodeLeaseURI(offer.URI)
		if decErr != nil {
			continue
		}
		if uri.LeaseAmount != s.Cfg.LeaseAmount {
			s.Logger.Info("reconciler: on-ledger lease amount differs from config, config yields",
				"config_amount", s.Cfg.LeaseAmount, "ledger_amount", uri.LeaseAmount)
			s.Cfg.LeaseAmount = uri.LeaseAmount
			return nil
		}
	}
	return nil
}

// fixSlotCount computes sold+unsold against total_instance_count: if over,
// burns the highest-indexed unsold slots down to target; if under, offers
// the vacant indices.
func (s *Service) fixSlotCount(ctx context.Context) error {
	acquired, err := s.Leases.ListByStatus(ctx, nil, leasestore.StatusAcquired, leasestore.StatusExtended)
	if err != nil {
		return err
	}
	sold := int64(len(acquired))

	unsold, err := s.Ledger.GetLeaseOffers(ctx)
	if err != nil {
		return err
	}
	total := s.Cfg.TotalInstanceCount
	held := make(map[uint32]bool, sold+int64(len(unsold)))
	for _, offer := range unsold {
		if uri, decErr := ledgerclient.DecodeLeaseURI(offer.URI); decErr == nil {
			held[uri.LeaseIndex] = true
		}
	}

	if sold+int64(len(unsold)) > total {
		excess := sold + int64(len(unsold)) - total
		indices := make([]uint32, 0, len(unsold))
		for _, offer := range unsold {
			if uri, decErr := ledgerclient.DecodeLeaseURI(offer.URI); decErr == nil {
				indices = append(indices, uri.LeaseIndex)
			}
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })
		for i := int64(0); i < excess && i < int64(len(indices)); i++ {
			leaseIndex := indices[i]
			token, err := s.Ledger.GetLeaseByIndex(ctx, leaseIndex)
			if err != nil {
				continue
			}
			s.enqueueLedgerCall("expireLease", 5, 10*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
				res, err := s.Ledger.ExpireLease(ctx, token.TokenID)
				if err != nil {
					return err
				}
				refs["primary"] = res.TxHash
				return nil
			})
		}
		return nil
	}

	for idx := uint32(0); int64(idx) < total; idx++ {
		if held[idx] {
			continue
		}
		if _, err := s.Ledger.GetLeaseByIndex(ctx, idx); err == nil {
			continue // occupied by a sold lease, not vacant
		}
		leaseIndex := idx
		s.enqueueLedgerCall("offerLease", 5, 15*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
			res, err := s.Ledger.OfferLease(ctx, leaseIndex, s.Cfg.LeaseAmount, "", "")
			if err != nil {
				return err
			}
			refs["primary"] = res.TxHash
			return nil
		})
	}
	return nil
}

// offerUnoffered enqueues an offer for every host-owned lease token that
// lacks a sell offer and whose embedded amount already matches config.
func (s *Service) offerUnoffered(ctx context.Context) error {
	unoffered, err := s.Ledger.GetUnofferedLeases(ctx)
	if err != nil {
		return err
	}
	for _, t := range unoffered {
		uri, decErr := ledgerclient.DecodeLeaseURI(t.URI)
		if decErr != nil || uri.LeaseAmount != s.Cfg.LeaseAmount {
			continue
		}
		leaseIndex := uri.LeaseIndex
		s.enqueueLedgerCall("offerLease", 5, 15*time.Second, "primary", func(ctx context.Context, refs map[string]string, uplift int64) error {
			res, err := s.Ledger.OfferLease(ctx, leaseIndex, s.Cfg.LeaseAmount, "", "")
			if err != nil {
				return err
			}
			refs["primary"] = res.TxHash
			return nil
		})
	}
	return nil
}
