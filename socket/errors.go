package socket

import (
	"errors"

	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/netsys-lab/scion-socket/reliability"
)

var (
	// ErrAddressInUse: another session already owns the local address.
	ErrAddressInUse = errors.New("address in use")
	// ErrHandshakeTimeout: the peer never answered the connect
	// handshake within the retry budget.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrConnectionLost is fatal; the session has transitioned to
	// closed and all pending sends have failed.
	ErrConnectionLost = reliability.ErrConnectionLost
	// ErrTimeout: a recv timed out. The caller may retry.
	ErrTimeout = errors.New("timeout")
	// ErrNoPathAvailable: the path set for the remote is empty. It
	// resolves once the path manager is refreshed with candidates.
	ErrNoPathAvailable = pathselection.ErrNoPathAvailable
	// ErrClosed is returned to operations invoked on, or pending
	// against, a closed session.
	ErrClosed = errors.New("session closed")
	// ErrPayloadTooLarge: the payload exceeds what one underlay
	// datagram can carry. No fragmentation at this layer; the caller
	// splits.
	ErrPayloadTooLarge = errors.New("payload exceeds underlay MTU, fragment before sending")

	errInvalidState = errors.New("operation invalid in current session state")
	errNoRemote     = errors.New("session has no remote address")
)
