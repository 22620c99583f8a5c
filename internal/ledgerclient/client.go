package ledgerclient

import (
	"context"
	"time"
)

// Config carries the protocol parameters the reconciler reads from the
// ledger hook (spec section 6: agent config's xrpl.* section) plus the
// retry/fee-uplift knobs the transaction queue consults.
type Config struct {
	Address               string
	Secret                string
	GovernorAddress       string
	Network               string
	RippledServer         string
	FallbackRippledServers []string
	LeaseAmount           int64
	AffordableExtraFee    int64
	ReputationAddress     string
	ReputationSecret      string

	MomentSize        time.Duration
	AcquireWindow     time.Duration
	HaltTimeout       time.Duration
	HaltThresholdPct  int
	TotalInstanceCount int64
}

// Client is the full set of ledger operations the reconciler drives (spec
// section 6's "Ledger-facing wire protocol" list). A real implementation
// wraps an XRPL hook-aware SDK; Mock (mock.go) is the in-memory stand-in
// used by tests and by any environment without network access to a live
// ledger.
type Client interface {
	// Connect establishes the subscription and begins delivering Events
	// on the returned channel until ctx is cancelled or the connection
	// is lost (in which case a Disconnected event is delivered).
	Connect(ctx context.Context) (<-chan Event, error)

	GetRegistration(ctx context.Context) (Registration, error)
	GetMoment(ctx context.Context, index *int64) (Moment, error)
	GetMomentStartIndex(ctx context.Context, index int64) (int64, error)
	GetLeaseByIndex(ctx context.Context, leaseIndex uint32) (LeaseToken, error)
	// GetLeaseByTokenID looks up a lease token by its ledger object id,
	// as carried on an AcquireEvent's LeaseTokenID (spec section 4.7's
	// "lookup lease token").
	GetLeaseByTokenID(ctx context.Context, tokenID string) (LeaseToken, error)
	GetLeaseOffers(ctx context.Context) ([]LeaseToken, error)
	GetUnofferedLeases(ctx context.Context) ([]LeaseToken, error)

	// UpdateRegInfo pushes this host's current counters to the ledger.
	UpdateRegInfo(ctx context.Context, activeCount, version, total int64, leaseAmount int64) (SubmissionResult, error)
	OfferLease(ctx context.Context, leaseIndex uint32, leaseAmount int64, tosHash, outboundIP string) (SubmissionResult, error)
	OfferMintedLease(ctx context.Context, leaseIndex uint32, leaseAmount int64, tosHash, outboundIP string) (SubmissionResult, error)
	ExpireLease(ctx context.Context, leaseTokenID string) (SubmissionResult, error)
	PrepareAccount(ctx context.Context) (SubmissionResult, error)
	RequestRebate(ctx context.Context) error

	AcquireSuccess(ctx context.Context, acquireTxHash, tenant string, instanceInfo map[string]string) (SubmissionResult, error)
	AcquireError(ctx context.Context, acquireTxHash, tenant string, leaseAmount int64, reason string) (SubmissionResult, error)
	ExtendSuccess(ctx context.Context, tenant string, newExpiryMoment int64) (SubmissionResult, error)
	ExtendError(ctx context.Context, tenant, reason string, amount int64) (SubmissionResult, error)
	RefundTenant(ctx context.Context, tenant string, amount int64) (SubmissionResult, error)

	Heartbeat(ctx context.Context, vote *CandidateVote) error

	// ValidatedTx reports whether a previously submitted transaction has
	// been validated on-ledger and, if so, whether it succeeded (spec
	// section 4.3's idempotence check).
	ValidatedTx(ctx context.Context, txHash string) (validated, successful bool, err error)

	// FullHistoryTransactions returns every lease-relevant transaction
	// for this host's account from fromLedgerIndex forward, in ledger
	// order (spec section 4.10's startup catch-up).
	FullHistoryTransactions(ctx context.Context, fromLedgerIndex int64) ([]Event, error)

	Close() error
}

// CandidateVote is one governance candidate's vote, submitted one per
// heartbeat (spec section 4.6). internal/heartbeat aliases this type
// rather than redefining it, since its Ledger interface must match
// Client's Heartbeat method exactly.
type CandidateVote struct {
	CandidateID string `json:"candidate_id"`
	LedgerIndex int64  `json:"ledger_index"`
	Vote        string `json:"vote"`
}
