// Package ports implements the lifecycle daemon's port allocator (spec
// section 4.1): a LIFO vacant-slot stack seeded from a startup scan of the
// instance store, with a monotonic "last assigned" cursor once the vacant
// stack runs dry.
package ports

import (
	"fmt"
	"sync"

	"evernest.io/sashimono-agent/internal/instancestore"
)

// Tuple is the four-port allocation handed to a new instance.
type Tuple struct {
	Peer      int
	User      int
	GPTCPBase int
	GPUDPBase int
}

func (t Tuple) instancePorts() instancestore.Ports {
	return instancestore.Ports{Peer: t.Peer, User: t.User, GPTCPBase: t.GPTCPBase, GPUDPBase: t.GPUDPBase}
}

func fromInstancePorts(p instancestore.Ports) Tuple {
	return Tuple{Peer: p.Peer, User: p.User, GPTCPBase: p.GPTCPBase, GPUDPBase: p.GPUDPBase}
}

// Allocator hands out port tuples per the spec's vacant-LIFO-then-advance
// policy. Every method takes the allocator's mutex, so it is safe for
// concurrent use; the lifecycle daemon also serializes all requests through
// its single connection handler (spec section 4.1).
type Allocator struct {
	mu sync.Mutex

	initialPeer int
	userOffset  int
	gpTCPOffset int
	gpUDPOffset int

	vacant []Tuple
	last   Tuple // last-assigned tuple; advances by +1 peer/user, +2 gp bases
	seeded bool
}

// Config carries the fixed offsets between an instance's four ports
// (spec section 4.1: "two general-purpose slots each represent a
// consecutive pair").
type Config struct {
	InitialPeerPort int
	UserOffset      int
	GPTCPOffset     int
	GPUDPOffset     int
}

// NewAllocator seeds the allocator from a startup scan of non-destroyed
// instances: any integer peer-port between the configured initial peer-port
// and the current maximum that isn't held becomes a vacant slot (spec
// section 4.1).
func NewAllocator(cfg Config, assignedPeerPorts []int, maxPorts instancestore.Ports, hasAny bool) *Allocator {
	a := &Allocator{
		initialPeer: cfg.InitialPeerPort,
		userOffset:  cfg.UserOffset,
		gpTCPOffset: cfg.GPTCPOffset,
		gpUDPOffset: cfg.GPUDPOffset,
	}

	held := make(map[int]bool, len(assignedPeerPorts))
	for _, p := range assignedPeerPorts {
		held[p] = true
	}

	maxPeer := cfg.InitialPeerPort
	if hasAny && maxPorts.Peer > maxPeer {
		maxPeer = maxPorts.Peer
	}

	for p := cfg.InitialPeerPort; p < maxPeer; p++ {
		if !held[p] {
			a.vacant = append(a.vacant, a.tupleForPeer(p))
		}
	}

	if hasAny {
		a.last = fromInstancePorts(maxPorts)
	} else {
		a.last = Tuple{} // next Acquire will produce the very first tuple
	}
	a.seeded = true
	return a
}

func (a *Allocator) tupleForPeer(peer int) Tuple {
	idx := peer - a.initialPeer
	return Tuple{
		Peer:      peer,
		User:      peer + a.userOffset,
		GPTCPBase: a.initialPeer + a.gpTCPOffset + idx*2,
		GPUDPBase: a.initialPeer + a.gpUDPOffset + idx*2,
	}
}

// Acquire pops a vacant slot (LIFO) if one exists, else advances the
// last-assigned cursor by +1 peer/user and +2 per general-purpose base
// (spec section 4.1).
func (a *Allocator) Acquire() Tuple {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.vacant); n > 0 {
		t := a.vacant[n-1]
		a.vacant = a.vacant[:n-1]
		return t
	}

	if a.last == (Tuple{}) {
		a.last = a.tupleForPeer(a.initialPeer)
		return a.last
	}

	a.last = Tuple{
		Peer:      a.last.Peer + 1,
		User:      a.last.User + 1,
		GPTCPBase: a.last.GPTCPBase + 2,
		GPUDPBase: a.last.GPUDPBase + 2,
	}
	return a.last
}

// Release pushes a freed tuple back onto the vacant stack (spec section
// 4.1: "on destroy, the freed tuple is pushed back onto vacant").
func (a *Allocator) Release(t Tuple) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vacant = append(a.vacant, t)
}

// VacantCount reports the number of immediately-reusable slots, exposed
// for the daemon's metrics gauge.
func (a *Allocator) VacantCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.vacant)
}

func (t Tuple) String() string {
	return fmt.Sprintf("{peer:%d user:%d gp_tcp:%d gp_udp:%d}", t.Peer, t.User, t.GPTCPBase, t.GPUDPBase)
}
