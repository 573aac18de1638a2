package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/netsys-lab/scion-socket/config"
	"github.com/netsys-lab/scion-socket/packets"
	lookup "github.com/netsys-lab/scion-socket/pathlookup"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/netsys-lab/scion-socket/peers"
	"github.com/netsys-lab/scion-socket/socket"
	"github.com/netsys-lab/scion-socket/sutils"
	"github.com/scionproto/scion/go/lib/snet"
	log "github.com/sirupsen/logrus"
)

const defaultRefreshInterval = 10 * time.Second

var errNotConnected = errors.New("pathsock: not connected")

// Options tunes a PathSock beyond the defaults. The zero value runs a
// reliable multipath socket over the SCION underlay with latency-ranked
// paths.
type Options struct {
	Underlay packets.UnderlayConstructor
	Resolver pathselection.PathResolver
	Registry *socket.Registry
	Tuning   *config.Tuning
	// RefreshInterval paces the background path refresh.
	RefreshInterval time.Duration
}

// PathSock is the high-level socket bound to one particular peer. It
// performs path querying automatically, keeps the path set fresh in
// the background and emits an event whenever the set of usable paths
// changes, so the application can react without re-implementing
// packet scheduling.
type PathSock struct {
	Peer  *snet.UDPAddr
	Local *snet.UDPAddr
	// OnPathsetChange carries the new ranked path set after a refresh
	// changed it. Emission never blocks; a slow consumer misses
	// intermediate sets, not the latest.
	OnPathsetChange chan []pathselection.PathDescriptor

	opts Options

	mu       sync.Mutex
	listener *socket.Session
	sess     *socket.Session
	lastSet  string

	done      chan struct{}
	closeOnce sync.Once
}

// NewPathSock builds a socket on local towards peer. A nil peer is
// allowed for the listening side; WaitForPeerConnect fills it in.
func NewPathSock(local string, peer *snet.UDPAddr, options *Options) (*PathSock, error) {
	laddr, err := sutils.ResolveUDPAddr(local)
	if err != nil {
		return nil, err
	}
	opts := Options{}
	if options != nil {
		opts = *options
	}
	if opts.Resolver == nil {
		opts.Resolver = &lookup.Resolver{Rank: lookup.ByLatency}
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	return &PathSock{
		Peer:            peer,
		Local:           laddr,
		OnPathsetChange: make(chan []pathselection.PathDescriptor, 1),
		opts:            opts,
		done:            make(chan struct{}),
	}, nil
}

func (ps *PathSock) sessionOptions() socket.Options {
	return socket.Options{
		Mode:      socket.ModeStream,
		Underlay:  ps.opts.Underlay,
		Resolver:  ps.opts.Resolver,
		Registry:  ps.opts.Registry,
		Tuning:    ps.opts.Tuning,
		Multipath: true,
	}
}

func (ps *PathSock) SetPeer(peer *snet.UDPAddr) {
	ps.mu.Lock()
	ps.Peer = peer
	ps.mu.Unlock()
}

// Listen binds the local address and starts accepting handshakes.
func (ps *PathSock) Listen() error {
	l := socket.NewSession(ps.sessionOptions())
	if err := l.Bind(ps.Local); err != nil {
		return err
	}
	if err := l.Listen(); err != nil {
		l.Close()
		return err
	}
	ps.mu.Lock()
	ps.listener = l
	ps.mu.Unlock()
	log.Debugf("Listening on %s", ps.Local)
	return nil
}

// WaitForPeerConnect blocks until a peer completes a handshake, binds
// this socket to it and starts the path monitoring routine.
func (ps *PathSock) WaitForPeerConnect() (*snet.UDPAddr, error) {
	ps.mu.Lock()
	l := ps.listener
	ps.mu.Unlock()
	if l == nil {
		return nil, errors.New("pathsock: not listening")
	}
	log.Debugf("Waiting for incoming connection")
	sess, err := l.Accept()
	if err != nil {
		return nil, err
	}
	remote := sess.RemoteAddr()
	ps.mu.Lock()
	ps.sess = sess
	ps.Peer = remote
	ps.mu.Unlock()
	go ps.monitorPaths(sess)
	log.Debugf("Accepted connection from %s", remote.String())
	return remote, nil
}

// Connect runs the handshake towards the configured peer and starts
// the path monitoring routine.
func (ps *PathSock) Connect() error {
	ps.mu.Lock()
	peer := ps.Peer
	ps.mu.Unlock()
	if peer == nil {
		return errors.New("pathsock: no peer configured")
	}

	sess := socket.NewSession(ps.sessionOptions())
	if err := sess.Bind(ps.Local); err != nil {
		return err
	}
	if err := sess.Connect(peer); err != nil {
		sess.Close()
		return err
	}
	ps.mu.Lock()
	ps.sess = sess
	ps.mu.Unlock()
	go ps.monitorPaths(sess)
	log.Debugf("Connected to %s", peer.String())
	return nil
}

func (ps *PathSock) session() *socket.Session {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sess
}

// Read reads the next in-order payload from the peer.
func (ps *PathSock) Read(b []byte) (int, error) {
	sess := ps.session()
	if sess == nil {
		return 0, errNotConnected
	}
	return sess.Read(b)
}

// Write sends payload to the peer; the session decides over which
// path the data leaves.
func (ps *PathSock) Write(b []byte) (int, error) {
	sess := ps.session()
	if sess == nil {
		return 0, errNotConnected
	}
	return sess.Write(b)
}

// PathlevelPeers renders the live path set as peer/path pairs with
// their measured qualities.
func (ps *PathSock) PathlevelPeers() []peers.PathlevelPeer {
	sess := ps.session()
	if sess == nil {
		return nil
	}
	remote := sess.RemoteAddr()
	if remote == nil {
		return nil
	}
	active := sess.PathManager().ActivePaths(remote)
	out := make([]peers.PathlevelPeer, 0, len(active))
	for _, pd := range active {
		out = append(out, peers.PathlevelPeer{
			Peer:        peers.Peer(remote.String()),
			PeerAddr:    *remote,
			Fingerprint: pd.Fingerprint,
			SRTT:        pd.SRTT,
			Penalty:     pd.Penalty,
		})
	}
	return out
}

// monitorPaths refreshes the path set periodically and emits
// OnPathsetChange when the set of usable paths differs from the last
// emission.
func (ps *PathSock) monitorPaths(sess *socket.Session) {
	ticker := time.NewTicker(ps.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.RefreshPaths(); err != nil {
				log.Debugf("Path refresh failed: %s", err.Error())
				continue
			}
			ps.emitIfChanged(sess)
		case <-ps.done:
			return
		}
	}
}

func (ps *PathSock) emitIfChanged(sess *socket.Session) {
	remote := sess.RemoteAddr()
	if remote == nil {
		return
	}
	active := sess.PathManager().ActivePaths(remote)
	prints := make([]string, 0, len(active))
	set := make([]pathselection.PathDescriptor, 0, len(active))
	for _, pd := range active {
		prints = append(prints, pd.Fingerprint)
		set = append(set, *pd)
	}
	key := strings.Join(prints, "|")

	ps.mu.Lock()
	changed := key != ps.lastSet
	ps.lastSet = key
	ps.mu.Unlock()
	if !changed {
		return
	}

	select {
	case ps.OnPathsetChange <- set:
	default:
	}
}

// Disconnect closes the connected session and the listener.
func (ps *PathSock) Disconnect() error {
	ps.closeOnce.Do(func() { close(ps.done) })
	ps.mu.Lock()
	sess := ps.sess
	l := ps.listener
	ps.sess = nil
	ps.listener = nil
	ps.mu.Unlock()

	var err error
	if sess != nil {
		err = sess.Close()
	}
	if l != nil {
		if cerr := l.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
