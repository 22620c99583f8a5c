// Package ledgerclient abstracts the public ledger the reconciler watches
// for lease activity: subscribing to account transactions, submitting
// transactions with retry and fee-uplift, querying account/registration
// state, and decoding lease-token URIs (spec section 6's "Ledger-facing
// wire protocol" and section 3's Ledger Client module). The wire protocol
// itself is opaque to the specification; this package models only the
// operations and event shapes the reconciler depends on, behind a Client
// interface, with a Mock implementation standing in for a real ledger SDK
// (none of the example repos carry one). The rate-limited-fallback dial
// pattern is grounded on the teacher's rate.Limiter usage
// (internal/controller/middleware/ratelimit.go), generalized from a
// per-tenant HTTP limiter to a single limiter in front of Mock's
// submissions.
package ledgerclient

import "time"

// EventKind discriminates the events a Client delivers over its event
// channel (spec section 6).
type EventKind string

const (
	EventAcquireLease  EventKind = "AcquireLease"
	EventExtendLease   EventKind = "ExtendLease"
	EventTerminateLease EventKind = "TerminateLease"
	EventHostRegistered EventKind = "HostRegistered"
	EventLedger         EventKind = "Ledger"
	EventDisconnected   EventKind = "Disconnected"
	EventServerDesynced EventKind = "ServerDesynced"
	// EventResponse represents one of this host's own past submissions
	// (acquireSuccess/acquireError/extendSuccess/extendError/
	// refundTenant/expireLease) as it appears in the host account's
	// transaction history. FullHistoryTransactions surfaces these
	// alongside the lease events so catch-up can tell whether a
	// transaction at the checkpoint boundary was already acted on before
	// a restart.
	EventResponse EventKind = "Response"
)

// Event is the envelope delivered on a Client's event channel. Only the
// field(s) relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Acquire    *AcquireEvent
	Extend     *ExtendEvent
	Terminate  *TerminateEvent
	Registered *HostRegisteredEvent
	LedgerTick *LedgerTickEvent
	Response   *ResponseEvent

	// Err carries the failure detail for Disconnected/ServerDesynced.
	Err error
}

// AcquireEvent is the payload of an AcquireLease event (spec section 4.7).
type AcquireEvent struct {
	Tenant        string
	Host          string
	AcquireTxHash string
	LeaseTokenID  string
	LeaseAmount   int64
	LedgerIndex   int64
	// Payload carries the instance-requirement config the tenant
	// submitted alongside the acquire transaction (life_moments and any
	// contract-template overrides).
	Payload AcquirePayload
}

// AcquirePayload is the tenant-supplied instance-requirement config
// embedded in an acquire transaction's memo/payload.
type AcquirePayload struct {
	LifeMoments int64
	ContractID  string
	Config      []byte // opaque hp.cfg overrides, passed through to daemon.Create
}

// ExtendEvent is the payload of an ExtendLease event (spec section 4.8).
type ExtendEvent struct {
	Tenant          string
	ExtendTxHash    string
	LeaseTokenID    string
	PaymentAmount   int64
	ExtendingMoments int64
	LedgerIndex     int64
}

// TerminateEvent is the payload of a TerminateLease event (spec section
// 4.8).
type TerminateEvent struct {
	Tenant          string
	TerminateTxHash string
	LeaseTokenID    string
	LedgerIndex     int64
}

// ResponseEvent records that this host submitted a transaction (success,
// error, or refund) in answer to an earlier transaction RespondsToTxHash.
// Only FullHistoryTransactions produces these; the live event stream never
// does, since a host never needs to be told about its own submissions.
type ResponseEvent struct {
	RespondsToTxHash string
	LedgerIndex      int64
}

// HostRegisteredEvent fires whenever this host's registration object
// changes on-ledger, e.g. after prepareAccount or updateRegInfo (spec
// section 6, and the GLOSSARY's "Rebate" entry: a rebate request is
// attempted opportunistically on every HostRegistered event).
type HostRegisteredEvent struct {
	RegistrationTokenID uint64
	LedgerIndex         int64
}

// LedgerTickEvent carries one ledger-close tick, consumed by
// internal/haltdetector.
type LedgerTickEvent struct {
	LedgerIndex int64
	At          time.Time
}

// Registration is this host's on-ledger registration record.
type Registration struct {
	TokenID            uint64
	ActiveInstanceCount int64
	TotalInstanceCount  int64
	LeaseAmount         int64
	Version             int64
	LastHeartbeatMoment int64
}

// Moment describes the ledger's current discretized time epoch (spec
// section 4.6).
type Moment struct {
	Index      int64
	Size       time.Duration
	StartIndex int64
}

// LeaseToken is a lease-token's observable ledger state (spec GLOSSARY:
// "URI Token").
type LeaseToken struct {
	TokenID      string
	Owner        string // empty if unowned/burned
	URI          string
	HasSellOffer bool
	LedgerIndex  int64
}

// SubmissionResult is what a ledgerclient operation that submits a
// transaction returns: the tx hash, which the caller records in its queued
// action's SubmissionRefs map.
type SubmissionResult struct {
	TxHash string
}
