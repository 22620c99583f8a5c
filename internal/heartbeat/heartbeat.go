// Package heartbeat implements the moment-offset heartbeat scheduler from
// spec section 4.6: the ledger's time is discretized into fixed-length
// moments, and each host computes a deterministic, per-host send offset so
// that heartbeats from many hosts desynchronize rather than arrive in a
// thundering herd. The ticker/reset-on-event shape is grounded on the
// teacher's runHeartbeat goroutine (internal/worker/agent.go), generalized
// from a fixed visibility-extension interval to the spec's moment-relative
// schedule. Governance candidate iteration is grounded on the pack's
// db3.Election/Vote shape (PinkDiamond1-db3-near/pkg/db3/vote.go),
// simplified to the spec's flat candidate_id -> vote governance map.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"evernest.io/sashimono-agent/internal/ledgerclient"
)

// FirstHalfPad is added to a projected send time that would otherwise land
// in the first half of its containing moment, so the ledger clock that
// receives it is unambiguous about which moment the heartbeat belongs to
// (spec section 4.6).
const FirstHalfPad = 60 * time.Second

// MaxRetries and RetryDelay bound heartbeat submission retries (spec
// section 4.6: "Retries: up to 3 with a 5-minute delay").
const (
	MaxRetries = 3
	RetryDelay = 5 * time.Minute
)

// RebateDesyncJitterMax bounds the random de-synchronizing delay applied
// before an opportunistic rebate request, restoring a detail present in
// the original host-agent implementation but dropped by the distilled
// specification: a rebate request is attempted at startup and on every
// HostRegistered event, staggered so a fleet of hosts registering together
// doesn't all hit the ledger in the same instant.
const RebateDesyncJitterMax = 30 * time.Second

// AcceptanceLimit returns floor(momentSize * 0.75), the spec's
// acceptance_limit.
func AcceptanceLimit(momentSize time.Duration) time.Duration {
	return time.Duration(float64(momentSize) * 0.75)
}

// HostOffset derives the deterministic per-host offset from the low 16
// bits of the host's registration token id (spec section 4.6:
// "offset ≈ raw / 65535 × acceptance_limit").
func HostOffset(registrationTokenID uint64, acceptanceLimit time.Duration) time.Duration {
	raw := uint16(registrationTokenID & 0xFFFF)
	frac := float64(raw) / 65535.0
	return time.Duration(frac * float64(acceptanceLimit))
}

// Ledger is the subset of ledgerclient the scheduler needs: submitting a
// heartbeat (optionally carrying one governance vote) and requesting a
// rebate.
type Ledger interface {
	Heartbeat(ctx context.Context, vote *CandidateVote) error
	RequestRebate(ctx context.Context) error
}

// CandidateVote aliases ledgerclient.CandidateVote so this package's
// Ledger interface matches ledgerclient.Client's Heartbeat method exactly.
type CandidateVote = ledgerclient.CandidateVote

// Governance is the on-disk governance file: a flat set of candidates this
// host still intends to vote on, keyed by candidate id. A vote-validation
// rejection deletes the candidate from the file (spec section 4.6).
type Governance struct {
	path string
}

// OpenGovernance loads (or initializes) the governance file at path.
func OpenGovernance(path string) (*Governance, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := writeGovernanceFile(path, nil); err != nil {
			return nil, err
		}
	}
	return &Governance{path: path}, nil
}

func (g *Governance) load() ([]CandidateVote, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var votes []CandidateVote
	if err := json.Unmarshal(data, &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

func writeGovernanceFile(path string, votes []CandidateVote) error {
	data, err := json.MarshalIndent(votes, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PendingCandidates returns the governance file's candidates sorted by
// ascending on-ledger index (spec section 4.6: "iterate candidates sorted
// by their on-ledger index").
func (g *Governance) PendingCandidates() ([]CandidateVote, error) {
	votes, err := g.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].LedgerIndex < votes[j].LedgerIndex })
	return votes, nil
}

// RemoveCandidate deletes a candidate from the governance file, e.g. after
// the ledger rejects its vote as invalid.
func (g *Governance) RemoveCandidate(candidateID string) error {
	votes, err := g.load()
	if err != nil {
		return err
	}
	out := votes[:0]
	for _, v := range votes {
		if v.CandidateID != candidateID {
			out = append(out, v)
		}
	}
	return writeGovernanceFile(g.path, out)
}

// Scheduler drives the heartbeat cadence and governance vote submission.
type Scheduler struct {
	MomentSize           time.Duration
	RegistrationTokenID  uint64
	Ledger               Ledger
	Governance           *Governance
	Logger               *slog.Logger
	// VoteRejected classifies a Heartbeat error as a vote-validation
	// rejection versus a transient submission failure; nil treats every
	// error as transient (retry, no candidate removal).
	VoteRejected func(err error) bool
	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewScheduler constructs a Scheduler with sane defaults.
func NewScheduler(momentSize time.Duration, registrationTokenID uint64, ledger Ledger, gov *Governance, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		MomentSize:          momentSize,
		RegistrationTokenID: registrationTokenID,
		Ledger:              ledger,
		Governance:          gov,
		Logger:              logger,
		Now:                 time.Now,
	}
}

// NextSendDelay computes how long to wait before the next heartbeat, given
// the current moment's start time, the current moment index, and the
// moment this host last sent a heartbeat in (spec section 4.6).
//
// When lastHeartbeatMoment differs from the current moment, this host has
// not yet sent in this moment (e.g. on startup): if the time remaining in
// the current moment is within the acceptance window, the send is placed
// inside that remainder, offset past the moment boundary by the host's
// deterministic offset; otherwise there is ample time left, so the send is
// placed directly at the host's offset inside the current moment's
// acceptance window without waiting out the rest of it. When they match,
// this host already sent this moment, so the next send is simply deferred
// to the start of the next moment.
func (s *Scheduler) NextSendDelay(momentStart time.Time, currentMoment, lastHeartbeatMoment int64) time.Duration {
	now := s.now()
	acceptanceLimit := AcceptanceLimit(s.MomentSize)
	offset := HostOffset(s.RegistrationTokenID, acceptanceLimit)
	momentEnd := momentStart.Add(s.MomentSize)

	var delay time.Duration
	if lastHeartbeatMoment != currentMoment {
		remaining := momentEnd.Sub(now)
		if remaining <= acceptanceLimit {
			delay = remaining + offset
		} else {
			delay = offset
		}
	} else {
		delay = momentEnd.Sub(now)
	}

	if delay < 0 {
		delay = 0
	}

	send := now.Add(delay)
	if sendFallsInFirstHalfOfMoment(send, s.MomentSize) {
		delay += FirstHalfPad
	}
	return delay
}

func sendFallsInFirstHalfOfMoment(send time.Time, momentSize time.Duration) bool {
	if momentSize <= 0 {
		return false
	}
	unixMoment := send.Unix() % int64(momentSize/time.Second)
	return unixMoment < int64(momentSize/time.Second)/2
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SendHeartbeat submits one heartbeat with up to MaxRetries attempts,
// RetryDelay apart. Payload selection follows spec section 4.6: iterate
// pending governance candidates in ledger-index order and submit one
// heartbeat-with-vote per candidate; if none are pending, submit an empty
// heartbeat. A vote-validation rejection removes that candidate from the
// governance file so it is not retried.
func (s *Scheduler) SendHeartbeat(ctx context.Context) error {
	candidates, err := s.Governance.PendingCandidates()
	if err != nil {
		return err
	}

	if len(candidates) == 0 {
		return s.submitWithRetry(ctx, nil)
	}

	for _, c := range candidates {
		vote := c
		if err := s.submitWithRetry(ctx, &vote); err != nil {
			if s.VoteRejected != nil && s.VoteRejected(err) {
				if rmErr := s.Governance.RemoveCandidate(vote.CandidateID); rmErr != nil {
					s.Logger.Error("heartbeat: failed to remove rejected candidate", "candidate_id", vote.CandidateID, "err", rmErr)
				}
				continue
			}
			return err
		}
	}
	return nil
}

func (s *Scheduler) submitWithRetry(ctx context.Context, vote *CandidateVote) error {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = s.Ledger.Heartbeat(ctx, vote)
		if lastErr == nil {
			return nil
		}
		if s.VoteRejected != nil && s.VoteRejected(lastErr) {
			return lastErr
		}
		s.Logger.Warn("heartbeat: submission failed, will retry", "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

// RequestRebateOnRegistration opportunistically requests a rebate at
// startup and on every HostRegistered ledger event, after a random
// de-synchronizing delay bounded by RebateDesyncJitterMax. This restores a
// detail present in the original host-agent implementation
// (original_source/sashi-cli, original_source/src/hp_manager.cpp's
// registration flow) that the distilled specification dropped: without the
// jitter, a fleet of hosts all registering in the same ledger window would
// all submit the rebate request in lockstep.
func RequestRebateOnRegistration(ctx context.Context, ledger Ledger, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	jitter := time.Duration(rand.Int63n(int64(RebateDesyncJitterMax)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := ledger.RequestRebate(ctx); err != nil {
		logger.Warn("heartbeat: opportunistic rebate request failed", "err", err)
	}
}

// RequestRebateOnRegistration is the method form of the package-level
// function of the same name, bound to this Scheduler's Ledger and Logger so
// internal/reconciler can depend on a narrow interface instead of this
// whole package.
func (s *Scheduler) RequestRebateOnRegistration(ctx context.Context) {
	RequestRebateOnRegistration(ctx, s.Ledger, s.Logger)
}

// DefaultGovernancePath returns the conventional governance file location
// inside the given directory (cmd/msgboard passes the agent's data dir).
func DefaultGovernancePath(contractDir string) string {
	return filepath.Join(contractDir, "governance.json")
}
