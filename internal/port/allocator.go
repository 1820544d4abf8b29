// Package port hands out TCP ports to worker sessions, for debug agents
// that need one listening port per worker.
package port

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// Allocator manages port allocation within a range.
type Allocator struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[string]int // session -> port
	usedPorts map[int]string // port -> session
}

// NewAllocator creates a port allocator for the given range [min, max].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[string]int),
		usedPorts: make(map[int]string),
	}
}

// Allocate picks an available port for the session.
// Idempotent: returns the same port if already allocated.
func (a *Allocator) Allocate(session string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[session]; ok {
		return port, nil
	}

	rangeSize := a.maxPort - a.minPort + 1
	if len(a.usedPorts) >= rangeSize {
		return 0, fmt.Errorf("port range exhausted (%d-%d)", a.minPort, a.maxPort)
	}

	// Random probes first, so consecutive sessions rarely reuse a port
	// that a dying worker may still hold.
	for attempts := 0; attempts < rangeSize*2; attempts++ {
		port := a.minPort + rand.Intn(rangeSize)
		if a.take(session, port) {
			return port, nil
		}
	}
	for port := a.minPort; port <= a.maxPort; port++ {
		if a.take(session, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available ports in range %d-%d", a.minPort, a.maxPort)
}

func (a *Allocator) take(session string, port int) bool {
	if _, taken := a.usedPorts[port]; taken {
		return false
	}
	if !isPortAvailable(port) {
		return false
	}
	a.allocated[session] = port
	a.usedPorts[port] = session
	return true
}

// Release frees the port allocated to a session.
func (a *Allocator) Release(session string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port, ok := a.allocated[session]; ok {
		delete(a.usedPorts, port)
		delete(a.allocated, session)
	}
}

// Port returns the currently allocated port for a session, or 0 if none.
func (a *Allocator) Port(session string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated[session]
}

// Len returns the number of sessions holding a port.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
