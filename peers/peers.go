package peers

import (
	"time"

	"github.com/scionproto/scion/go/lib/snet"
)

// A peer is basically a string containing the SCION address. The
// library works on path level, not on peer level: applications get a
// session towards one particular peer and a ranked path set behind it,
// not a connection interface to all available peers.
type Peer string

// Pathlevel peers pair the peer address with one live path and the
// quality measured on it so far.
type PathlevelPeer struct {
	Peer        Peer
	PeerAddr    snet.UDPAddr
	Fingerprint string
	SRTT        time.Duration
	Penalty     int
}
