package server

import (
	"sync"

	"github.com/nattun/relay/internal/protocol"
)

// PortAllocator reserves remote ports in [lo, hi] for tunnels and releases
// them on teardown. It is concurrency-safe; all allocation decisions are
// serialized under one lock so concurrent CreateTunnel requests never race
// for the same port.
type PortAllocator struct {
	mu     sync.Mutex
	lo, hi int
	byPort map[int]protocol.TunnelID
	cursor int
}

// NewPortAllocator creates an allocator covering [lo, hi] inclusive.
func NewPortAllocator(lo, hi int) *PortAllocator {
	return &PortAllocator{
		lo:     lo,
		hi:     hi,
		byPort: make(map[int]protocol.TunnelID),
		cursor: lo,
	}
}

// Allocate reserves a port for tid. If preferred is non-nil and within
// [lo, hi] and free, it is used. Otherwise Allocate sweeps forward from the
// rotating cursor, wrapping hi+1 back to lo, returning the first free port.
// If the sweep completes a full cycle back to its starting point without
// finding one, it returns (0, false): the range is exhausted.
func (p *PortAllocator) Allocate(preferred *uint16, tid protocol.TunnelID) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferred != nil {
		port := int(*preferred)
		if port >= p.lo && port <= p.hi {
			if _, used := p.byPort[port]; !used {
				p.byPort[port] = tid
				return port, true
			}
		}
	}

	start := p.cursor
	port := start
	for {
		if _, used := p.byPort[port]; !used {
			p.byPort[port] = tid
			p.cursor = p.next(port)
			return port, true
		}
		port = p.next(port)
		if port == start {
			return 0, false
		}
	}
}

func (p *PortAllocator) next(port int) int {
	if port >= p.hi {
		return p.lo
	}
	return port + 1
}

// Release frees port, returning whether it had been allocated.
func (p *PortAllocator) Release(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byPort[port]; !ok {
		return false
	}
	delete(p.byPort, port)
	return true
}

// IsAllocated reports whether port is currently reserved, for tests and
// invariant checks.
func (p *PortAllocator) IsAllocated(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.byPort[port]
	return ok
}
