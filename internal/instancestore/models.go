// Package instancestore is the lifecycle daemon's durable record of every
// container instance (spec section 3), sqlite-backed following the
// teacher's store/postgres shape (explicit DBTransaction threaded through
// every write) but swapped to an embedded, single-host database - see
// DESIGN.md for why the teacher's lib/pq dependency doesn't fit this
// topology.
package instancestore

import "fmt"

// Status is one of the five container lifecycle states (spec section 3).
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusDestroyed Status = "destroyed"
	StatusExited    Status = "exited"
)

// Ports is the four-slot port allocation every instance holds.
type Ports struct {
	Peer      int
	User      int
	GPTCPBase int
	GPUDPBase int
}

func (p Ports) String() string {
	return fmt.Sprintf("{peer:%d user:%d gp_tcp:%d gp_udp:%d}", p.Peer, p.User, p.GPTCPBase, p.GPUDPBase)
}

// Instance is the row shape of spec section 3's Instance entity.
type Instance struct {
	ContainerName string
	OwnerPubkey   string
	ContractID    string
	ContractDir   string
	ImageName     string
	Ports         Ports
	Status        Status
	Pubkey        string
	IP            string
	Username      string
}

// NonTerminal reports whether the instance still occupies a port tuple and
// counts toward the max-instance gate (i.e. it has not been hard-deleted;
// "destroyed" rows are removed entirely per the spec's invariant, so in
// practice every row returned by the store is non-terminal by construction,
// but callers that accumulate rows across a catch-up window use this to be
// explicit about intent).
func (i Instance) NonTerminal() bool { return i.Status != StatusDestroyed }
