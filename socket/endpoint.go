package socket

import (
	"sync"

	"github.com/netsys-lab/scion-socket/packets"
	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

// Endpoint owns the underlay conn for one bound local address and
// demultiplexes inbound packets to the sessions sharing that address.
// Unsolicited traffic is expected on an open network; anything that
// cannot be routed is dropped silently, never surfaced.
type Endpoint struct {
	registry *Registry
	local    *snet.UDPAddr
	conn     packets.UnderlayConn
	mtu      int

	mu       sync.RWMutex
	sessions map[uint64]*Session
	listener *Session
	// owner is the session whose Bind created this endpoint. In
	// datagram mode it receives unmatched plain DATA packets.
	owner *Session

	closeOnce sync.Once
}

func newEndpoint(r *Registry, local *snet.UDPAddr, conn packets.UnderlayConn, mtu int) *Endpoint {
	return &Endpoint{
		registry: r,
		local:    local,
		conn:     conn,
		mtu:      mtu,
		sessions: make(map[uint64]*Session),
	}
}

func (ep *Endpoint) session(id uint64) *Session {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.sessions[id]
}

// addSession enforces unique (local address, session id) ownership.
func (ep *Endpoint) addSession(s *Session) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, ok := ep.sessions[s.id]; ok {
		return false
	}
	ep.sessions[s.id] = s
	return true
}

func (ep *Endpoint) setListener(s *Session) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.listener != nil && ep.listener != s {
		return false
	}
	ep.listener = s
	return true
}

// release removes a session; the endpoint tears down with its last
// session, so accepted sessions survive their listener.
func (ep *Endpoint) release(s *Session) {
	ep.mu.Lock()
	delete(ep.sessions, s.id)
	if ep.listener == s {
		ep.listener = nil
	}
	if ep.owner == s {
		ep.owner = nil
	}
	empty := len(ep.sessions) == 0 && ep.listener == nil
	ep.mu.Unlock()

	if empty {
		ep.closeOnce.Do(func() {
			ep.conn.Close()
			ep.registry.remove(ep)
		})
	}
}

// readLoop is the demultiplexer: parse, look up, route. It exits when
// the underlay conn closes.
func (ep *Endpoint) readLoop() {
	buf := make([]byte, ep.mtu)
	for {
		n, from, err := ep.conn.ReadFrom(buf)
		if err != nil {
			logrus.Debug("[Endpoint] Read loop on ", ep.local.String(), " ends: ", err)
			return
		}

		pkt, err := packets.ParsePacket(buf[:n])
		if err != nil {
			// Malformed input is normal on an open network.
			logrus.Trace("[Endpoint] Dropping malformed packet from ", from)
			continue
		}

		ep.mu.RLock()
		sess := ep.sessions[pkt.SessionID]
		listener := ep.listener
		owner := ep.owner
		ep.mu.RUnlock()

		switch {
		case sess != nil:
			sess.handlePacket(pkt, from)
		case pkt.Is(packets.FlagSyn) && !pkt.Is(packets.FlagAck) && listener != nil:
			listener.handleSyn(pkt, from)
		case pkt.Is(packets.FlagData) && !pkt.Is(packets.FlagSyn) && owner != nil && owner.mode == ModeDatagram:
			owner.handleDatagram(pkt, from)
		default:
			// Unsolicited, drop silently.
		}
	}
}
