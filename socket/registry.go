package socket

import (
	"sync"

	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

// Registry is the process-wide socket table. It owns one endpoint per
// bound local address and, through the endpoints, maps
// (local address, session id) to the owning session. Bind inserts,
// close removes; the demultiplexer's lookups run concurrently with
// both.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

var singletonRegistry *Registry
var registryOnce sync.Once

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	registryOnce.Do(func() {
		singletonRegistry = NewRegistry()
	})
	return singletonRegistry
}

// NewRegistry builds a private registry, mainly for tests running
// many address spaces in one process.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*Endpoint),
	}
}

// reserve claims the local address. At most one session owns an
// address at any time.
func (r *Registry) reserve(local *snet.UDPAddr) error {
	key := local.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[key]; ok {
		return ErrAddressInUse
	}
	r.endpoints[key] = nil // placeholder until the underlay is up
	return nil
}

func (r *Registry) install(ep *Endpoint) {
	r.mu.Lock()
	r.endpoints[ep.local.String()] = ep
	r.mu.Unlock()
	logrus.Debug("[Registry] Bound ", ep.local.String())
}

func (r *Registry) unreserve(local *snet.UDPAddr) {
	r.mu.Lock()
	delete(r.endpoints, local.String())
	r.mu.Unlock()
}

func (r *Registry) remove(ep *Endpoint) {
	r.mu.Lock()
	delete(r.endpoints, ep.local.String())
	r.mu.Unlock()
	logrus.Debug("[Registry] Released ", ep.local.String())
}

// Endpoint returns the endpoint bound to local, if any.
func (r *Registry) Endpoint(local *snet.UDPAddr) *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[local.String()]
}

// Lookup resolves (local address, session id) to a session.
func (r *Registry) Lookup(local *snet.UDPAddr, id uint64) *Session {
	ep := r.Endpoint(local)
	if ep == nil {
		return nil
	}
	return ep.session(id)
}
