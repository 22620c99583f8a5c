// Package leasestore is the reconciler's durable record of every lease
// (spec section 3), sqlite-backed in the same shape as instancestore - see
// DESIGN.md for the shared substitution rationale.
package leasestore

// Status is one of the seven lease lifecycle states (spec section 3).
type Status string

const (
	StatusAcquiring   Status = "Acquiring"
	StatusAcquired    Status = "Acquired"
	StatusFailed      Status = "Failed"
	StatusDestroyed   Status = "Destroyed"
	StatusBurned      Status = "Burned"
	StatusSashiTimeout Status = "SashiTimeout"
	StatusExtended    Status = "Extended"
)

// NonTerminal reports whether a lease still counts against the
// at-most-one-row-per-container_name invariant.
func (s Status) NonTerminal() bool {
	switch s {
	case StatusAcquiring, StatusAcquired, StatusExtended:
		return true
	default:
		return false
	}
}

// Lease is the row shape of spec section 3's Lease entity.
type Lease struct {
	TxHash          string
	TenantAddress   string
	ContainerName   string
	LifeMoments     int
	Timestamp       int64
	CreatedOnLedger uint32
	Status          Status
}
