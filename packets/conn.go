package packets

import (
	"time"

	"github.com/scionproto/scion/go/lib/snet"
)

// Connection States
var ConnectionStates = struct {
	Idle   int
	Open   int
	Closed int
}{
	Idle:   0,
	Open:   1,
	Closed: 2,
}

// UnderlayConn is the datagram transport collaborator the socket core
// runs over. It delivers opaque framed packets to a remote endpoint,
// unordered and without flow control; delivery may fail silently.
// One UnderlayConn is bound per local address and shared by all
// sessions on that address.
type UnderlayConn interface {
	Listen(local snet.UDPAddr) error
	// WriteTo sends one framed packet towards remote over whatever
	// route the underlay picks itself.
	WriteTo(remote *snet.UDPAddr, b []byte) (int, error)
	// WriteToVia pins the packet to the given resolved path. Underlays
	// without path control fall back to WriteTo semantics.
	WriteToVia(remote *snet.UDPAddr, path *snet.Path, b []byte) (int, error)
	// ReadFrom blocks until one whole packet arrives and returns it
	// together with the sender's address as path hint.
	ReadFrom(b []byte) (int, *snet.UDPAddr, error)
	LocalAddr() *snet.UDPAddr
	SetReadDeadline(t time.Time) error
	Close() error
}

// UnderlayConstructor lets callers pick the underlay implementation
// per socket, mirroring how transports are swapped in tests.
type UnderlayConstructor func() UnderlayConn
