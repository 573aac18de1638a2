package packets

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/scionproto/scion/go/lib/snet"
)

var _ UnderlayConn = (*SimConn)(nil)

const simInboxCap = 1024

type simDatagram struct {
	from *snet.UDPAddr
	b    []byte
}

// SimNet is an in-memory underlay used by tests and examples. It
// delivers packets between SimConns registered on it and can drop,
// duplicate or delay individual packets through the fault hooks.
// Send is send-and-pray: a dropped packet still reports success,
// exactly like a real datagram underlay.
type SimNet struct {
	mu      sync.Mutex
	inboxes map[string]*SimConn

	// DropFn returns true to drop the packet. Nil means no loss.
	DropFn func(from, to string, b []byte) bool
	// DupFn returns true to deliver the packet twice.
	DupFn func(from, to string, b []byte) bool
	// DelayFn returns a delivery delay, used to force reordering.
	DelayFn func(from, to string, b []byte) time.Duration
}

func NewSimNet() *SimNet {
	return &SimNet{
		inboxes: make(map[string]*SimConn),
	}
}

// Conn returns an unbound conn attached to this net. Bind it with
// Listen before use.
func (n *SimNet) Conn() *SimConn {
	return &SimConn{net: n, closed: make(chan struct{})}
}

// Constructor adapts Conn to the UnderlayConstructor shape.
func (n *SimNet) Constructor() UnderlayConstructor {
	return func() UnderlayConn { return n.Conn() }
}

func (n *SimNet) deliver(from *snet.UDPAddr, to string, b []byte) {
	if n.DropFn != nil && n.DropFn(from.String(), to, b) {
		return
	}
	copies := 1
	if n.DupFn != nil && n.DupFn(from.String(), to, b) {
		copies = 2
	}
	var delay time.Duration
	if n.DelayFn != nil {
		delay = n.DelayFn(from.String(), to, b)
	}
	for i := 0; i < copies; i++ {
		d := simDatagram{from: from, b: append([]byte(nil), b...)}
		if delay > 0 {
			time.AfterFunc(delay, func() { n.enqueue(to, d) })
		} else {
			n.enqueue(to, d)
		}
	}
}

func (n *SimNet) enqueue(to string, d simDatagram) {
	n.mu.Lock()
	conn, ok := n.inboxes[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case conn.inbox <- d:
	default:
		// Inbox full, packet lost. Matches real underlay behavior.
	}
}

type SimConn struct {
	net    *SimNet
	local  *snet.UDPAddr
	inbox  chan simDatagram
	closed chan struct{}

	mu        sync.Mutex
	deadline  time.Time
	closeOnce sync.Once
}

func (c *SimConn) Listen(local snet.UDPAddr) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	key := local.String()
	if _, ok := c.net.inboxes[key]; ok {
		return errors.New("simnet: address already bound: " + key)
	}
	c.local = &local
	c.inbox = make(chan simDatagram, simInboxCap)
	c.net.inboxes[key] = c
	return nil
}

func (c *SimConn) WriteTo(remote *snet.UDPAddr, b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.local, remote.String(), b)
	return len(b), nil
}

// WriteToVia has no path control to offer; the sim net has exactly one
// route between any two conns.
func (c *SimConn) WriteToVia(remote *snet.UDPAddr, path *snet.Path, b []byte) (int, error) {
	return c.WriteTo(remote, b)
}

func (c *SimConn) ReadFrom(b []byte) (int, *snet.UDPAddr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-c.inbox:
		n := copy(b, d.b)
		return n, d.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *SimConn) LocalAddr() *snet.UDPAddr {
	return c.local
}

// SetReadDeadline applies to subsequent ReadFrom calls.
func (c *SimConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *SimConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.local != nil {
			c.net.mu.Lock()
			delete(c.net.inboxes, c.local.String())
			c.net.mu.Unlock()
		}
	})
	return nil
}
