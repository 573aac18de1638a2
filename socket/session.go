package socket

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netsys-lab/scion-socket/config"
	"github.com/netsys-lab/scion-socket/congestion"
	"github.com/netsys-lab/scion-socket/packets"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/netsys-lab/scion-socket/reliability"
	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

type recvItem struct {
	payload []byte
	from    *snet.UDPAddr
}

// Session is the socket unit exposed to applications. It binds the
// path manager, reliability engine and congestion controller together
// behind bind/listen/accept/connect/send/recv/close.
//
// Sessions are independently schedulable: operations on different
// sessions never block each other. Within one session, send and recv
// synchronize over the session mutex plus channel-based condition
// waits; nothing busy-polls.
type Session struct {
	id   uint64
	mode Mode
	opts Options
	tune config.Tuning

	registry *Registry
	ep       *Endpoint
	local    *snet.UDPAddr
	remote   *snet.UDPAddr

	pathMgr *pathselection.Manager
	cc      *congestion.Controller

	mu       sync.Mutex
	state    State
	engine   *reliability.Engine
	notify   chan struct{}
	closed   chan struct{}
	fatalErr error
	peerFin  bool
	recvQ    []recvItem
	acceptQ  []*Session
	hsDone   chan struct{}

	closeOnce sync.Once
}

func NewSession(opts Options) *Session {
	s := &Session{
		id:       newSessionID(),
		mode:     opts.Mode,
		opts:     opts,
		tune:     opts.tuning(),
		registry: opts.registry(),
		pathMgr:  pathselection.NewManager(opts.Resolver),
		state:    StateClosed,
		notify:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.pathMgr.Multipath = opts.Multipath
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Mode() Mode { return s.mode }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LocalAddr() *snet.UDPAddr { return s.local }

func (s *Session) RemoteAddr() *snet.UDPAddr { return s.remote }

// PathManager exposes the session's path set for refreshes from the
// external path-discovery subsystem.
func (s *Session) PathManager() *pathselection.Manager { return s.pathMgr }

// SetResolver swaps the path-discovery collaborator at runtime.
func (s *Session) SetResolver(r pathselection.PathResolver) {
	s.mu.Lock()
	s.opts.Resolver = r
	s.mu.Unlock()
	s.pathMgr.SetResolver(r)
}

// RefreshPaths pulls fresh candidates from the configured resolver.
func (s *Session) RefreshPaths() error {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return errNoRemote
	}
	return s.pathMgr.Refresh(remote)
}

// Bind claims the local address and starts the demultiplexer for it.
// Valid only on a fresh session.
func (s *Session) Bind(local *snet.UDPAddr) error {
	s.mu.Lock()
	if s.state != StateClosed || s.ep != nil {
		s.mu.Unlock()
		return errInvalidState
	}
	s.mu.Unlock()

	if err := s.registry.reserve(local); err != nil {
		return err
	}

	conn := s.opts.underlay()()
	if err := conn.Listen(*local); err != nil {
		s.registry.unreserve(local)
		return err
	}

	ep := newEndpoint(s.registry, local, conn, s.tune.MTU)
	ep.owner = s
	ep.sessions[s.id] = s
	s.registry.install(ep)

	s.mu.Lock()
	s.ep = ep
	s.local = local
	s.state = StateBound
	s.mu.Unlock()

	go ep.readLoop()
	logrus.Debug("[Session] Bound ", s.mode, " session ", s.id, " to ", local.String())
	return nil
}

// Connect attaches the session to a remote. In stream mode this runs
// the handshake with bounded retries; in datagram mode it only pins
// the remote address, UDP style.
func (s *Session) Connect(remote *snet.UDPAddr) error {
	s.mu.Lock()
	if s.state != StateBound {
		s.mu.Unlock()
		return errInvalidState
	}
	s.remote = remote
	if s.mode == ModeDatagram {
		s.state = StateConnected
		s.mu.Unlock()
		s.refreshBestEffort(remote)
		return nil
	}
	s.state = StateConnecting
	hsDone := make(chan struct{})
	s.hsDone = hsDone
	s.mu.Unlock()

	s.refreshBestEffort(remote)
	if _, err := s.pathMgr.SelectPath(remote); err != nil {
		s.abortConnect()
		return err
	}
	s.setupEngine()

	for i := 0; i < s.tune.HandshakeRetries; i++ {
		s.sendControl(packets.FlagSyn)
		t := time.NewTimer(s.tune.HandshakeTimeout())
		select {
		case <-hsDone:
			t.Stop()
			s.mu.Lock()
			s.state = StateConnected
			s.mu.Unlock()
			s.sendControl(packets.FlagAck)
			logrus.Debug("[Session] Session ", s.id, " connected to ", remote.String())
			return nil
		case <-t.C:
			logrus.Debug("[Session] Handshake attempt ", i+1, " to ", remote.String(), " timed out")
		case <-s.closed:
			t.Stop()
			return ErrClosed
		}
	}
	s.abortConnect()
	return ErrHandshakeTimeout
}

func (s *Session) refreshBestEffort(remote *snet.UDPAddr) {
	if s.opts.Resolver == nil {
		return
	}
	if err := s.pathMgr.Refresh(remote); err != nil {
		logrus.Warn("[Session] Path refresh for ", remote.String(), " failed: ", err)
	}
}

func (s *Session) abortConnect() {
	s.mu.Lock()
	eng := s.engine
	s.engine = nil
	s.state = StateBound
	s.hsDone = nil
	s.mu.Unlock()
	if eng != nil {
		eng.Abort()
	}
}

// Listen marks the session as the handshake target for its local
// address. One listener per address.
func (s *Session) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBound || s.mode != ModeStream {
		return errInvalidState
	}
	if !s.ep.setListener(s) {
		return ErrAddressInUse
	}
	s.state = StateListening
	return nil
}

// Accept blocks until an inbound handshake for an unclaimed peer
// arrives, then yields the new connected session sharing the local
// address.
func (s *Session) Accept() (*Session, error) {
	for {
		s.mu.Lock()
		if len(s.acceptQ) > 0 {
			accepted := s.acceptQ[0]
			s.acceptQ = s.acceptQ[1:]
			s.mu.Unlock()
			return accepted, nil
		}
		if s.state != StateListening {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-s.closed:
			return nil, ErrClosed
		}
	}
}

// Send transmits payload to the connected remote. Stream mode admits
// through the congestion credit and the send window and may block;
// datagram mode sends immediately with no delivery guarantee.
func (s *Session) Send(b []byte) (int, error) {
	s.mu.Lock()
	state := s.state
	fatal := s.fatalErr
	remote := s.remote
	eng := s.engine
	s.mu.Unlock()

	if fatal != nil {
		return 0, fatal
	}

	if s.mode == ModeDatagram {
		if state != StateBound && state != StateConnected {
			return 0, s.opError(state)
		}
		if remote == nil {
			return 0, errNoRemote
		}
		return s.sendDatagram(b)
	}

	if state != StateConnected || eng == nil {
		return 0, s.opError(state)
	}
	if len(b) > s.maxStreamPayload() {
		return 0, ErrPayloadTooLarge
	}
	// Peek path availability so a pathless send fails loudly instead
	// of parking a hole in the sequence space.
	if _, err := s.pathMgr.SelectPath(remote); err != nil {
		return 0, err
	}
	err := s.engineSendErr(eng.Send(packets.FlagData, b, s.closed))
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *Session) engineSendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, reliability.ErrEngineClosed) {
		s.mu.Lock()
		fatal := s.fatalErr
		s.mu.Unlock()
		if fatal != nil {
			return fatal
		}
		return ErrClosed
	}
	if errors.Is(err, pathselection.ErrNoPathAvailable) {
		// The packet sits in the window; the retransmission timer
		// recovers it once paths return.
		return nil
	}
	return err
}

func (s *Session) opError(state State) error {
	if state == StateClosing || state == StateClosed {
		return ErrClosed
	}
	return errInvalidState
}

// maxStreamPayload leaves room for the header plus the largest
// piggybacked SACK block a stream segment can carry.
func (s *Session) maxStreamPayload() int {
	return s.tune.MTU - packets.HeaderLen - 1 - packets.MaxSackRanges*packets.SackRangeLen
}

func (s *Session) sendDatagram(b []byte) (int, error) {
	if len(b) > s.tune.MTU-packets.HeaderLen {
		return 0, ErrPayloadTooLarge
	}
	pkt := &packets.Packet{
		Header:  packets.Header{SessionID: s.id, Flags: packets.FlagData},
		Payload: b,
	}
	if _, err := s.writePacket(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Recv blocks until data is available or timeout elapses. A timeout
// of zero blocks indefinitely. In datagram mode the sender's address
// is returned alongside the payload.
func (s *Session) Recv(b []byte, timeout time.Duration) (int, *snet.UDPAddr, error) {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.Lock()
		if len(s.recvQ) > 0 {
			item := s.recvQ[0]
			n := copy(b, item.payload)
			if s.mode == ModeStream && n < len(item.payload) {
				// Keep the remainder for the next read.
				s.recvQ[0].payload = item.payload[n:]
			} else {
				s.recvQ = s.recvQ[1:]
			}
			s.mu.Unlock()
			return n, item.from, nil
		}
		if s.fatalErr != nil {
			err := s.fatalErr
			s.mu.Unlock()
			return 0, nil, err
		}
		if s.state == StateClosing || s.state == StateClosed || s.peerFin {
			s.mu.Unlock()
			return 0, nil, ErrClosed
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return 0, nil, ErrTimeout
		case <-s.closed:
			return 0, nil, ErrClosed
		}
	}
}

// Read implements io.Reader over Recv with no timeout.
func (s *Session) Read(b []byte) (int, error) {
	n, _, err := s.Recv(b, 0)
	return n, err
}

// Write implements io.Writer over Send.
func (s *Session) Write(b []byte) (int, error) {
	return s.Send(b)
}

// Close shuts the session down. Stream mode flushes pending sends,
// exchanges FINs within a bounded wait, then releases the registry
// entry; datagram mode releases immediately. Any operation blocked on
// this session wakes with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	graceful := s.state == StateConnected && s.mode == ModeStream && s.engine != nil && s.fatalErr == nil
	eng := s.engine
	s.state = StateClosing
	s.wakeLocked()
	s.mu.Unlock()

	if graceful {
		flushed := eng.Flush(s.tune.CloseTimeout())
		if flushed {
			eng.Send(packets.FlagFin, nil, s.closed)
			eng.Flush(s.tune.CloseTimeout())
			s.waitPeerFin(s.tune.CloseTimeout())
		}
	}
	s.teardown()
	return nil
}

func (s *Session) waitPeerFin(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		s.mu.Lock()
		fin := s.peerFin
		ch := s.notify
		s.mu.Unlock()
		if fin {
			return
		}
		select {
		case <-ch:
		case <-t.C:
			return
		case <-s.closed:
			return
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.state = StateClosed
	eng := s.engine
	s.wakeLocked()
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	if eng != nil {
		eng.Abort()
	}
	if s.ep != nil {
		s.ep.release(s)
	}
	logrus.Debug("[Session] Session ", s.id, " closed")
}

// failSession handles fatal reliability errors: the session closes,
// pending operations fail with the fatal error.
func (s *Session) failSession(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.fatalErr = err
	eng := s.engine
	s.wakeLocked()
	s.mu.Unlock()

	logrus.Debug("[Session] Session ", s.id, " failed: ", err)
	s.closeOnce.Do(func() { close(s.closed) })
	if eng != nil {
		eng.Abort()
	}
	if s.ep != nil {
		s.ep.release(s)
	}
}

func (s *Session) wakeLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

//
// Wiring towards reliability, congestion and the endpoint demux.
//

func (s *Session) setupEngine() {
	cfg := reliability.Config{
		WindowSize:   s.tune.WindowSize,
		RTOMin:       s.tune.RTOMin(),
		RTOMax:       s.tune.RTOMax(),
		InitialRTO:   s.tune.InitialRTO(),
		MaxRetries:   s.tune.MaxRetries,
		ReorderLimit: s.tune.ReorderLimit,
	}
	s.cc = congestion.NewController(s.tune.InitialCongestionWindow, s.tune.MaxCongestionWindow)
	eng := reliability.NewEngine(cfg, s.cc, reliability.Callbacks{
		Transmit:  s.transmitSegment,
		Deliver:   s.deliverSegment,
		OnTimeout: s.pathTimeout,
		OnAck:     s.pathAck,
		OnFatal:   s.failSession,
	})
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
}

func (s *Session) getEngine() *reliability.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// transmitSegment frames one stream segment, piggybacks the current
// ack state and sends it over the best-ranked live path. Called by
// the reliability engine for first sends and retransmits alike, so
// retransmissions migrate to whatever path ranks best now.
func (s *Session) transmitSegment(seq uint64, flags uint16, payload []byte) (uint32, error) {
	var ack reliability.AckInfo
	if eng := s.getEngine(); eng != nil {
		ack = eng.AckRecord()
	}
	pkt := &packets.Packet{
		Header: packets.Header{
			SessionID: s.id,
			Seq:       seq,
			Ack:       ack.Cumulative,
			Flags:     flags | packets.FlagAck,
			Window:    ack.Window,
		},
		Sacks:   ack.Ranges,
		Payload: payload,
	}
	return s.writePacket(pkt)
}

func (s *Session) pathTimeout(pathID uint32) {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return
	}
	s.pathMgr.ReportTimeout(remote, pathID)
	if pd := s.pathMgr.PathByID(remote, pathID); pd != nil {
		m := packets.GetMetricsDB().GetOrCreate(s.local, pd.Fingerprint)
		atomic.AddInt64(&m.RetransmitCount, 1)
		atomic.AddInt64(&m.LostPackets, 1)
	}
}

func (s *Session) pathAck(pathID uint32, rtt time.Duration) {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return
	}
	s.pathMgr.ReportAck(remote, pathID, rtt)
	if pd := s.pathMgr.PathByID(remote, pathID); pd != nil {
		m := packets.GetMetricsDB().GetOrCreate(s.local, pd.Fingerprint)
		m.SRTT = pd.SRTT
	}
}

// deliverSegment receives in-order segments from the reliability
// engine, outside the engine lock.
func (s *Session) deliverSegment(flags uint16, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flags&packets.FlagFin != 0 {
		s.peerFin = true
		s.wakeLocked()
		return
	}
	if len(payload) == 0 {
		return
	}
	s.recvQ = append(s.recvQ, recvItem{payload: payload, from: s.remote})
	s.wakeLocked()
}

// writePacket runs path selection, frames and writes. All outbound
// traffic of the session funnels through here.
func (s *Session) writePacket(pkt *packets.Packet) (uint32, error) {
	s.mu.Lock()
	remote := s.remote
	s.mu.Unlock()
	if remote == nil {
		return 0, errNoRemote
	}

	pd, err := s.pathMgr.SelectPath(remote)
	if err != nil {
		return 0, err
	}
	pkt.PathID = pd.ID

	buf, err := pkt.Serialize(make([]byte, 0, packets.HeaderLen+len(pkt.Payload)+1+packets.MaxSackRanges*packets.SackRangeLen))
	if err != nil {
		return 0, err
	}

	n, err := s.ep.conn.WriteToVia(remote, pd.SnetPath, buf)
	if err != nil {
		return pd.ID, err
	}
	m := packets.GetMetricsDB().GetOrCreate(s.local, pd.Fingerprint)
	atomic.AddInt64(&m.WrittenBytes, int64(n))
	atomic.AddInt64(&m.WrittenPackets, 1)
	return pd.ID, nil
}

func (s *Session) sendControl(flags uint16) {
	pkt := &packets.Packet{
		Header: packets.Header{SessionID: s.id, Flags: flags},
	}
	if _, err := s.writePacket(pkt); err != nil {
		logrus.Trace("[Session] Control packet (flags ", flags, ") not sent: ", err)
	}
}

func (s *Session) sendAckPacket(info reliability.AckInfo) {
	pkt := &packets.Packet{
		Header: packets.Header{
			SessionID: s.id,
			Ack:       info.Cumulative,
			Flags:     packets.FlagAck,
			Window:    info.Window,
		},
		Sacks: info.Ranges,
	}
	if _, err := s.writePacket(pkt); err != nil {
		logrus.Trace("[Session] Ack not sent: ", err)
	}
}

// handlePacket is called by the endpoint demux for packets addressed
// to this session. Runs on the demux goroutine, never under the
// session mutex.
func (s *Session) handlePacket(pkt *packets.Packet, from *snet.UDPAddr) {
	if pkt.Is(packets.FlagSyn) && pkt.Is(packets.FlagAck) {
		s.completeHandshake()
		return
	}
	if pkt.Is(packets.FlagSyn) {
		// Duplicate SYN: our SYN|ACK was lost, answer it again.
		s.sendControl(packets.FlagSyn | packets.FlagAck)
		return
	}

	if s.mode == ModeDatagram {
		if pkt.Is(packets.FlagData) {
			s.handleDatagram(pkt, from)
		}
		return
	}

	eng := s.getEngine()
	if eng == nil {
		return
	}
	if pkt.Is(packets.FlagAck) || pkt.Is(packets.FlagSack) {
		eng.HandleAck(pkt.Ack, pkt.Sacks, pkt.Window)
	}
	if pkt.Is(packets.FlagData) || pkt.Is(packets.FlagFin) {
		info := eng.HandleData(pkt.Seq, pkt.Flags, pkt.Payload)
		s.sendAckPacket(info)
		m := packets.GetMetricsDB().GetOrCreate(s.local, "inbound")
		atomic.AddInt64(&m.ReadBytes, int64(len(pkt.Payload)))
		atomic.AddInt64(&m.ReadPackets, 1)
	}
}

func (s *Session) completeHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting || s.hsDone == nil {
		return
	}
	close(s.hsDone)
	s.hsDone = nil
}

// handleSyn runs on the listening session when a fresh handshake for
// an unclaimed peer arrives. It spawns the accepted session, answers
// SYN|ACK and queues it for Accept.
func (s *Session) handleSyn(pkt *packets.Packet, from *snet.UDPAddr) {
	s.mu.Lock()
	if s.state != StateListening || len(s.acceptQ) >= s.tune.RecvQueueLen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	accepted := &Session{
		id:       pkt.SessionID,
		mode:     ModeStream,
		opts:     s.opts,
		tune:     s.tune,
		registry: s.registry,
		ep:       s.ep,
		local:    s.local,
		remote:   from,
		pathMgr:  pathselection.NewManager(s.opts.Resolver),
		state:    StateConnected,
		notify:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	accepted.pathMgr.Multipath = s.opts.Multipath

	if !s.ep.addSession(accepted) {
		// Lost the race against a duplicate SYN; the winner answers.
		return
	}
	accepted.refreshBestEffort(from)
	accepted.setupEngine()
	accepted.sendControl(packets.FlagSyn | packets.FlagAck)
	logrus.Debug("[Session] Accepted session ", accepted.id, " from ", from.String())

	s.mu.Lock()
	s.acceptQ = append(s.acceptQ, accepted)
	s.wakeLocked()
	s.mu.Unlock()
}

// handleDatagram enqueues one best-effort datagram for the bound
// datagram-mode session. The queue is bounded; overflow drops, as any
// datagram transport does.
func (s *Session) handleDatagram(pkt *packets.Packet, from *snet.UDPAddr) {
	if len(pkt.Payload) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	if len(s.recvQ) >= s.tune.RecvQueueLen {
		logrus.Trace("[Session] Datagram queue full, dropping packet from ", from)
		return
	}
	s.recvQ = append(s.recvQ, recvItem{payload: pkt.Payload, from: from})
	s.wakeLocked()
}
