package ledgerclient

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Mock is an in-memory Client, standing in for a real ledger SDK (none of
// the example repos carry one). It is deterministic and side-effect-free
// beyond its own state, making it suitable both for unit tests and for a
// dry-run mode of the reconciler binary.
type Mock struct {
	mu sync.Mutex

	reg    Registration
	moment Moment

	events chan Event

	leases      map[uint32]LeaseToken
	leasesByTok map[string]LeaseToken
	txs         map[string]txRecord

	// FallbackLimiter throttles submissions the same way the teacher's
	// per-tenant rate.Limiter throttles HTTP requests
	// (internal/controller/middleware/ratelimit.go), here as one budget
	// (5 per second, burst 10) shared by every submission the mock accepts.
	FallbackLimiter *rate.Limiter

	closed bool
	nextTx int

	// ExpireLeaseCalls and OfferLeaseCalls record every call, in order,
	// for tests asserting the reoffer sequence (expire before offer).
	ExpireLeaseCalls []string
	OfferLeaseCalls  []uint32

	// OfferLeaseErr, when set, makes OfferLease fail without recording a
	// submission, letting a test freeze reoffer mid-sequence to inspect
	// state between the expire and offer steps.
	OfferLeaseErr error

	// HistoryEvents is returned verbatim by FullHistoryTransactions, for
	// tests exercising startup catch-up against a scripted account
	// history.
	HistoryEvents []Event

	// RefundTenantCalls records every refund submission, for tests
	// asserting catch-up doesn't double-refund a transaction it already
	// handled before a restart.
	RefundTenantCalls []RefundCall
}

// RefundCall records one RefundTenant invocation.
type RefundCall struct {
	Tenant string
	Amount int64
}

type txRecord struct {
	validated  bool
	successful bool
}

// NewMock constructs a Mock seeded with reg and moment.
func NewMock(reg Registration, moment Moment) *Mock {
	return &Mock{
		reg:             reg,
		moment:          moment,
		events:          make(chan Event, 64),
		leases:          make(map[uint32]LeaseToken),
		leasesByTok:     make(map[string]LeaseToken),
		txs:             make(map[string]txRecord),
		FallbackLimiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

func (m *Mock) nextTxHash() string {
	m.nextTx++
	return fmt.Sprintf("MOCKTX%06d", m.nextTx)
}

// Emit injects an event as if the ledger had delivered it, for tests that
// drive the reconciler against this mock.
func (m *Mock) Emit(e Event) {
	m.events <- e
}

// ConfirmTx marks a previously returned tx hash as validated, optionally
// successful, for ValidatedTx to report.
func (m *Mock) ConfirmTx(txHash string, successful bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[txHash] = txRecord{validated: true, successful: successful}
}

// SeedLease installs a lease token's ledger-side state directly, keyed by
// the lease index its URI decodes to.
func (m *Mock) SeedLease(t LeaseToken) {
	leaseIndex := uint32(0)
	if u, err := DecodeLeaseURI(t.URI); err == nil {
		leaseIndex = u.LeaseIndex
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases[leaseIndex] = t
	if t.TokenID != "" {
		m.leasesByTok[t.TokenID] = t
	}
}

func (m *Mock) Connect(ctx context.Context) (<-chan Event, error) {
	return m.events, nil
}

func (m *Mock) GetRegistration(ctx context.Context) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reg, nil
}

func (m *Mock) GetMoment(ctx context.Context, index *int64) (Moment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == nil {
		return m.moment, nil
	}
	mm := m.moment
	mm.Index = *index
	return mm, nil
}

func (m *Mock) GetMomentStartIndex(ctx context.Context, index int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moment.StartIndex + (index-m.moment.Index)*1000, nil
}

func (m *Mock) GetLeaseByIndex(ctx context.Context, leaseIndex uint32) (LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.leases[leaseIndex]
	if !ok {
		return LeaseToken{}, fmt.Errorf("lease index %d not found", leaseIndex)
	}
	return t, nil
}

func (m *Mock) GetLeaseByTokenID(ctx context.Context, tokenID string) (LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.leasesByTok[tokenID]
	if !ok {
		return LeaseToken{}, fmt.Errorf("lease token %s not found", tokenID)
	}
	return t, nil
}

func (m *Mock) GetLeaseOffers(ctx context.Context) ([]LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeaseToken
	for _, t := range m.leases {
		if t.HasSellOffer {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Mock) GetUnofferedLeases(ctx context.Context) ([]LeaseToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LeaseToken
	for _, t := range m.leases {
		if !t.HasSellOffer && t.Owner == "" {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Mock) submit(ctx context.Context) (SubmissionResult, error) {
	if err := m.FallbackLimiter.Wait(ctx); err != nil {
		return SubmissionResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return SubmissionResult{}, fmt.Errorf("ledgerclient: mock closed")
	}
	hash := m.nextTxHash()
	m.txs[hash] = txRecord{validated: true, successful: true}
	return SubmissionResult{TxHash: hash}, nil
}

func (m *Mock) UpdateRegInfo(ctx context.Context, activeCount, version, total int64, leaseAmount int64) (SubmissionResult, error) {
	res, err := m.submit(ctx)
	if err != nil {
		return res, err
	}
	m.mu.Lock()
	m.reg.ActiveInstanceCount = activeCount
	m.reg.Version = version
	m.reg.TotalInstanceCount = total
	m.reg.LeaseAmount = leaseAmount
	m.mu.Unlock()
	return res, nil
}

func (m *Mock) OfferLease(ctx context.Context, leaseIndex uint32, leaseAmount int64, tosHash, outboundIP string) (SubmissionResult, error) {
	m.mu.Lock()
	m.OfferLeaseCalls = append(m.OfferLeaseCalls, leaseIndex)
	err := m.OfferLeaseErr
	m.mu.Unlock()
	if err != nil {
		return SubmissionResult{}, err
	}
	return m.submit(ctx)
}

func (m *Mock) OfferMintedLease(ctx context.Context, leaseIndex uint32, leaseAmount int64, tosHash, outboundIP string) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) ExpireLease(ctx context.Context, leaseTokenID string) (SubmissionResult, error) {
	m.mu.Lock()
	m.ExpireLeaseCalls = append(m.ExpireLeaseCalls, leaseTokenID)
	m.mu.Unlock()
	return m.submit(ctx)
}

func (m *Mock) PrepareAccount(ctx context.Context) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) RequestRebate(ctx context.Context) error {
	_, err := m.submit(ctx)
	return err
}

func (m *Mock) AcquireSuccess(ctx context.Context, acquireTxHash, tenant string, instanceInfo map[string]string) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) AcquireError(ctx context.Context, acquireTxHash, tenant string, leaseAmount int64, reason string) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) ExtendSuccess(ctx context.Context, tenant string, newExpiryMoment int64) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) ExtendError(ctx context.Context, tenant, reason string, amount int64) (SubmissionResult, error) {
	return m.submit(ctx)
}

func (m *Mock) RefundTenant(ctx context.Context, tenant string, amount int64) (SubmissionResult, error) {
	m.mu.Lock()
	m.RefundTenantCalls = append(m.RefundTenantCalls, RefundCall{Tenant: tenant, Amount: amount})
	m.mu.Unlock()
	return m.submit(ctx)
}

func (m *Mock) Heartbeat(ctx context.Context, vote *CandidateVote) error {
	_, err := m.submit(ctx)
	return err
}

func (m *Mock) ValidatedTx(ctx context.Context, txHash string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.txs[txHash]
	if !ok {
		return false, false, nil
	}
	return rec.validated, rec.successful, nil
}

func (m *Mock) FullHistoryTransactions(ctx context.Context, fromLedgerIndex int64) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HistoryEvents, nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

var _ Client = (*Mock)(nil)
