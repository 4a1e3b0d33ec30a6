// Package portalloc hands out datapath port numbers that are believed to
// be free, recycling numbers as ports are deleted.
//
// The allocator is a ring of candidate numbers plus a bitmap saying
// which numbers are currently in the ring. The bitmap only prevents
// duplicate ring entries; it does not track what the kernel has
// attached.
package portalloc

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
)

// NoPort is returned by Pop when no candidate is queued.
const NoPort = math.MaxUint32

// Allocator is a fixed-capacity FIFO of free port numbers. It is safe
// for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	n      uint32
	queued []uint64 // bit p set while p is in ring
	ring   []uint32
	head   uint32 // next push
	tail   uint32 // next pop
}

// New returns an allocator for ports [0, n). n must be a power of two.
// Port 0 is reserved and never handed out.
func New(n uint32) *Allocator {
	if n == 0 || bits.OnesCount32(n) != 1 {
		panic(fmt.Sprintf("portalloc: capacity %d is not a power of two", n))
	}
	a := &Allocator{
		n:      n,
		queued: make([]uint64, (n+63)/64),
		ring:   make([]uint32, n),
	}
	a.set(0)
	return a
}

func (a *Allocator) set(p uint32)        { a.queued[p/64] |= 1 << (p % 64) }
func (a *Allocator) clear(p uint32)      { a.queued[p/64] &^= 1 << (p % 64) }
func (a *Allocator) isSet(p uint32) bool { return a.queued[p/64]&(1<<(p%64)) != 0 }

// Cap returns the number of ports the allocator covers.
func (a *Allocator) Cap() uint32 { return a.n }

// Push offers p for reuse. Ports out of range, port 0 and ports already
// queued are ignored.
func (a *Allocator) Push(p uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.push(p)
}

func (a *Allocator) push(p uint32) {
	if p >= a.n || a.isSet(p) {
		return
	}
	a.set(p)
	a.ring[a.head&(a.n-1)] = p
	a.head++
}

// Pop returns the oldest queued port, or NoPort and false if none is
// queued.
func (a *Allocator) Pop() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.head == a.tail {
		return NoPort, false
	}
	p := a.ring[a.tail&(a.n-1)]
	a.tail++
	a.clear(p)
	return p, true
}

// Len returns the number of queued ports.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.head - a.tail)
}

// Queued reports whether p is waiting in the ring.
func (a *Allocator) Queued(p uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return p < a.n && p != 0 && a.isSet(p)
}

// Reconcile pushes every port in [0, n) that seen does not contain.
// Call it after a complete enumeration of the datapath's ports.
func (a *Allocator) Reconcile(seen *Seen) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := uint32(0); p < a.n; p++ {
		if !seen.Has(p) {
			a.push(p)
		}
	}
}

// Seen records the port numbers observed during an enumeration.
type Seen struct {
	bits []uint64
	n    uint32
}

// NewSeen returns an empty set covering [0, n).
func NewSeen(n uint32) *Seen {
	return &Seen{bits: make([]uint64, (n+63)/64), n: n}
}

// Add marks p as observed. Out-of-range ports are ignored.
func (s *Seen) Add(p uint32) {
	if p < s.n {
		s.bits[p/64] |= 1 << (p % 64)
	}
}

// Has reports whether p was observed.
func (s *Seen) Has(p uint32) bool {
	return p < s.n && s.bits[p/64]&(1<<(p%64)) != 0
}
