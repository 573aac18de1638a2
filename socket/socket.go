package socket

import (
	"math/rand"
	"sync"
	"time"

	"github.com/netsys-lab/scion-socket/config"
	"github.com/netsys-lab/scion-socket/packets"
	"github.com/netsys-lab/scion-socket/pathselection"
)

// Mode selects the transport semantics of a session.
type Mode int

const (
	// ModeDatagram is best-effort: no sequencing, no retry, at most
	// once. A lost datagram is simply lost.
	ModeDatagram Mode = iota
	// ModeStream guarantees ordered exactly-once delivery through the
	// reliability engine.
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "datagram"
}

// State is the session lifecycle state.
type State int

const (
	StateClosed State = iota
	StateBound
	StateListening
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	names := []string{"CLOSED", "BOUND", "LISTENING", "CONNECTING", "CONNECTED", "CLOSING"}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// Options configures a session. The zero value gives a datagram-mode
// session over the SCION underlay with default tuning.
type Options struct {
	Mode Mode
	// Underlay picks the datagram transport. Defaults to the SCION
	// underlay via pan.
	Underlay packets.UnderlayConstructor
	// Resolver is the external path-discovery collaborator. Sessions
	// refresh their path set through it on connect and accept.
	Resolver pathselection.PathResolver
	// Registry defaults to the process-wide table.
	Registry *Registry
	// Tuning defaults to config.Default().
	Tuning *config.Tuning
	// Multipath enables round-robin spreading over equally ranked
	// paths.
	Multipath bool
}

func (o *Options) tuning() config.Tuning {
	if o.Tuning != nil {
		return *o.Tuning
	}
	return config.Default()
}

func (o *Options) underlay() packets.UnderlayConstructor {
	if o.Underlay != nil {
		return o.Underlay
	}
	return packets.SCIONConnConstructor
}

func (o *Options) registry() *Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return GetRegistry()
}

var idMu sync.Mutex
var idSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// newSessionID returns a locally unique session id. Ids travel on the
// wire, so the initiator's id keys the session on both ends.
func newSessionID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	for {
		if id := idSource.Uint64(); id != 0 {
			return id
		}
	}
}
