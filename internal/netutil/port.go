// Package netutil coordinates TCP port ownership across backend instances
// running in one process. Each instance exclusively owns its service port and
// its site-proxy port; the registry rejects a second instance configured with
// a port that is already reserved, and hands out kernel-allocated free ports
// for instances configured with port 0.
package netutil

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrPortReserved is returned by Reserve when the requested port is already
// owned by another instance in this process.
const ErrPortReserved = sentinel.Error("port already reserved by another instance")

// maxAllocateRetries is the maximum number of attempts to obtain a
// kernel-assigned port not already in the registry. Guards against
// pathological reuse of the same ephemeral port.
const maxAllocateRetries = 20

// PortRegistry tracks ports currently reserved by this process. It prevents
// two concurrently constructed instances from being handed the same kernel
// port (the first caller closes its probe listener before the second caller
// opens theirs) and rejects explicit port configurations that collide with a
// live instance.
type PortRegistry struct {
	mu    sync.Mutex
	ports map[int]struct{}
	log   *slog.Logger
}

// NewPortRegistry creates a PortRegistry ready for use.
// If logger is nil, slog.Default() is used as a fallback.
func NewPortRegistry(logger *slog.Logger) *PortRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortRegistry{
		ports: make(map[int]struct{}),
		log:   logger,
	}
}

// Reserve registers an explicitly configured port. Returns ErrPortReserved
// if another instance already holds it. Callers must Release the port when
// the owning instance stops.
func (r *PortRegistry) Reserve(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	if !r.reserve(port) {
		return fmt.Errorf("port %d: %w", port, ErrPortReserved)
	}
	return nil
}

// reserve attempts to register a port. Returns false if already taken.
func (r *PortRegistry) reserve(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ports[port]; ok {
		return false
	}
	r.ports[port] = struct{}{}
	return true
}

// Release removes a port from the registry, allowing it to be reused.
func (r *PortRegistry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, port)
}

// getFreePortFromKernel asks the kernel for a free port, skipping any ports
// already in the registry. On success it returns an open [net.TCPListener]
// that the caller must close when the port no longer needs to be held open.
// The port is also registered; the caller must call Release separately to
// free it from the registry.
func (r *PortRegistry) getFreePortFromKernel() (*net.TCPListener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("resolve tcp address: %w", err)
	}

	for range maxAllocateRetries {
		l, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, 0, fmt.Errorf("listen on tcp address: %w", err)
		}
		tcpAddr, ok := l.Addr().(*net.TCPAddr)
		if !ok {
			_ = l.Close()
			return nil, 0, fmt.Errorf("unexpected address type: %T", l.Addr())
		}
		if r.reserve(tcpAddr.Port) {
			return l, tcpAddr.Port, nil
		}
		// Port already in registry, close and retry to get a different one.
		r.log.Debug("port already in registry, retrying", "port", tcpAddr.Port)
		_ = l.Close()
	}
	return nil, 0, fmt.Errorf("allocate unique port: exhausted %d attempts", maxAllocateRetries)
}

// Allocate reserves one kernel-assigned free port. The probe listener is
// closed before returning; the port stays registered until Release.
func (r *PortRegistry) Allocate() (int, error) {
	l, port, err := r.getFreePortFromKernel()
	if err != nil {
		return 0, err
	}
	if closeErr := l.Close(); closeErr != nil {
		r.log.Warn("close listener after port allocation", "port", port, "error", closeErr)
	}
	return port, nil
}

// AllocatePair allocates two distinct free ports.
//
// Both listeners are held open simultaneously before either is closed,
// guaranteeing the kernel assigns different ports. Ports are registered in
// the registry to prevent duplicate allocation across concurrent callers.
// Callers must call Release for each port when no longer needed.
func (r *PortRegistry) AllocatePair() (port1, port2 int, err error) {
	l1, p1, err := r.getFreePortFromKernel()
	if err != nil {
		return 0, 0, fmt.Errorf("allocate first port: %w", err)
	}

	l2, p2, err := r.getFreePortFromKernel()
	if err != nil {
		// Close the listener BEFORE releasing the port from the registry,
		// so another goroutine cannot be handed the port while the listener
		// still holds it.
		if closeErr := l1.Close(); closeErr != nil {
			r.log.Warn("close listener after port allocation", "port", p1, "error", closeErr)
		}
		r.Release(p1)
		return 0, 0, fmt.Errorf("allocate second port: %w", err)
	}

	// Success path: close both listeners. Order does not matter, both ports
	// remain registered and protected from reallocation.
	if closeErr := l1.Close(); closeErr != nil {
		r.log.Warn("close listener after port allocation", "port", p1, "error", closeErr)
	}
	if closeErr := l2.Close(); closeErr != nil {
		r.log.Warn("close listener after port allocation", "port", p2, "error", closeErr)
	}

	return p1, p2, nil
}
