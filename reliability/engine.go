// Package reliability implements the per-session sliding window:
// sequencing, retransmission with backoff, selective acknowledgments
// and in-order delivery. Datagram-mode sessions bypass it entirely.
package reliability

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/netsys-lab/scion-socket/congestion"
	"github.com/netsys-lab/scion-socket/packets"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/sirupsen/logrus"
)

// ErrConnectionLost is fatal: the retry budget for one packet is
// exhausted and the session must transition to closed.
var ErrConnectionLost = errors.New("connection lost")

// ErrEngineClosed is returned on operations against a closed engine.
var ErrEngineClosed = errors.New("reliability engine closed")

type Config struct {
	WindowSize   int
	RTOMin       time.Duration
	RTOMax       time.Duration
	InitialRTO   time.Duration
	MaxRetries   int
	ReorderLimit int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:   64,
		RTOMin:       100 * time.Millisecond,
		RTOMax:       10 * time.Second,
		InitialRTO:   200 * time.Millisecond,
		MaxRetries:   8,
		ReorderLimit: 256,
	}
}

// TransmitFunc frames and sends one packet; the session behind it
// performs path selection and reports the path id the packet left on.
// Retransmissions call it again, so a retransmit naturally moves to
// the currently best-ranked path.
type TransmitFunc func(seq uint64, flags uint16, payload []byte) (pathID uint32, err error)

// DeliverFunc hands one in-order payload up to the session's receive
// queue. Called without the engine lock held.
type DeliverFunc func(flags uint16, payload []byte)

type pending struct {
	seq      uint64
	flags    uint16
	payload  []byte
	sentAt   time.Time
	deadline time.Time
	backoff  time.Duration
	retries  int
	pathID   uint32
	retrans  bool
}

type recvEntry struct {
	flags   uint16
	payload []byte
}

// AckInfo is the transient acknowledgment record produced for every
// received data packet; the session echoes it to the peer at once.
type AckInfo struct {
	Cumulative uint64
	Ranges     []packets.SackRange
	// Window advertises the remaining reorder buffer capacity.
	Window uint16
}

type Engine struct {
	mu  sync.Mutex
	cfg Config

	transmit  TransmitFunc
	deliver   DeliverFunc
	onTimeout func(pathID uint32)
	onAck     func(pathID uint32, rtt time.Duration)
	onFatal   func(err error)
	cc        *congestion.Controller

	nextSeq uint64
	window  map[uint64]*pending
	// peerWindow is the peer's last advertised receive capacity.
	peerWindow int

	srtt   time.Duration
	rttvar time.Duration

	watermark uint64
	reorder   map[uint64]recvEntry

	closed    bool
	notify    chan struct{}
	timerWake chan struct{}
	done      chan struct{}
}

type Callbacks struct {
	Transmit  TransmitFunc
	Deliver   DeliverFunc
	OnTimeout func(pathID uint32)
	OnAck     func(pathID uint32, rtt time.Duration)
	OnFatal   func(err error)
}

func NewEngine(cfg Config, cc *congestion.Controller, cb Callbacks) *Engine {
	e := &Engine{
		cfg:        cfg,
		transmit:   cb.Transmit,
		deliver:    cb.Deliver,
		onTimeout:  cb.OnTimeout,
		onAck:      cb.OnAck,
		onFatal:    cb.OnFatal,
		cc:         cc,
		nextSeq:    1, // seq 0 belongs to the handshake
		window:     make(map[uint64]*pending),
		peerWindow: cfg.WindowSize,
		reorder:    make(map[uint64]recvEntry),
		notify:     make(chan struct{}),
		timerWake:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go e.retransmitLoop()
	return e
}

// Send assigns the next sequence number, stores the payload in the
// window and transmits. It blocks while the window or the congestion
// credit is exhausted; abort (the session's closed channel) wakes it
// with ErrEngineClosed.
func (e *Engine) Send(flags uint16, payload []byte, abort <-chan struct{}) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrEngineClosed
		}
		if len(e.window) < e.cfg.WindowSize && len(e.window) < e.peerWindow && e.cc.TrySend() {
			seq := e.nextSeq
			e.nextSeq++
			p := &pending{
				seq:     seq,
				flags:   flags,
				payload: append([]byte(nil), payload...),
				backoff: 1,
			}
			e.window[seq] = p
			e.mu.Unlock()

			pathID, err := e.transmit(seq, flags, payload)
			now := time.Now()

			e.mu.Lock()
			if stored, ok := e.window[seq]; ok {
				stored.pathID = pathID
				stored.sentAt = now
				stored.deadline = now.Add(e.rtoLocked())
			}
			e.mu.Unlock()
			e.kickTimer()

			if err != nil {
				logrus.Trace("[Reliability] Initial transmit of seq ", seq, " failed: ", err)
			}
			// A failed first transmit is recovered by the
			// retransmission timer, except that the caller of a
			// pathless send wants to hear about it.
			return err
		}
		ch := e.notify
		e.mu.Unlock()

		select {
		case <-ch:
		case <-abort:
			return ErrEngineClosed
		}
	}
}

// InFlight reports the number of unacknowledged packets.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}

// Flush blocks until every pending packet is acknowledged or the
// timeout elapses.
func (e *Engine) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		empty := len(e.window) == 0
		closed := e.closed
		ch := e.notify
		e.mu.Unlock()
		if empty || closed {
			return empty
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
		}
	}
}

// HandleAck consumes an acknowledgment record: cumulative removal,
// RTT sampling, SACK removal, gap loss signaling and the peer's
// receive-window advertisement. A zero advertisement comes from
// control frames carrying no ack state and is ignored.
func (e *Engine) HandleAck(cumulative uint64, sacks []packets.SackRange, window uint16) {
	e.mu.Lock()
	if window > 0 {
		e.peerWindow = int(window)
	}
	newlyAcked := 0
	var ackedPath uint32
	var rttSample time.Duration

	gap := false
	for _, r := range sacks {
		if r.From > cumulative+1 {
			gap = true
		}
	}

	// Ranges come off the wire unvalidated beyond From < To, so walk
	// the bounded window and test membership, never the ranges.
	for seq, p := range e.window {
		sacked := false
		for _, r := range sacks {
			if seq >= r.From && seq < r.To {
				sacked = true
				break
			}
		}
		if seq > cumulative && !sacked {
			continue
		}
		// Karn's rule: never sample RTT from retransmits.
		if !p.retrans && rttSample == 0 {
			rttSample = time.Since(p.sentAt)
			ackedPath = p.pathID
		}
		delete(e.window, seq)
		newlyAcked++
	}

	if rttSample > 0 {
		e.updateRTTLocked(rttSample)
	}

	// Packets between the cumulative ack and a SACKed range are
	// presumed lost: pull their deadline in for a fast retransmit.
	if gap {
		now := time.Now()
		for seq, p := range e.window {
			if seq < sacks[len(sacks)-1].From && p.deadline.After(now) {
				p.deadline = now
			}
		}
	}
	e.wakeLocked()
	e.mu.Unlock()

	if newlyAcked > 0 {
		e.cc.AckReceived(newlyAcked)
	}
	if gap {
		e.cc.LossDetected()
	}
	if rttSample > 0 && e.onAck != nil {
		e.onAck(ackedPath, rttSample)
	}
	if gap {
		e.kickTimer()
	}
}

// HandleData processes one inbound data packet and returns the ack
// record to echo. Duplicates below the watermark are dropped
// idempotently; out-of-order packets are buffered up to the reorder
// limit; contiguous runs are delivered in order.
func (e *Engine) HandleData(seq uint64, flags uint16, payload []byte) AckInfo {
	var ready []recvEntry

	e.mu.Lock()
	switch {
	case seq <= e.watermark:
		// Duplicate, ack again so the peer stops retransmitting.
	case seq == e.watermark+1:
		ready = append(ready, recvEntry{flags: flags, payload: payload})
		e.watermark++
		for {
			next, ok := e.reorder[e.watermark+1]
			if !ok {
				break
			}
			delete(e.reorder, e.watermark+1)
			e.watermark++
			ready = append(ready, next)
		}
	default:
		if _, dup := e.reorder[seq]; !dup {
			if len(e.reorder) >= e.cfg.ReorderLimit {
				// Bounded buffering: drop, the peer retransmits.
				logrus.Trace("[Reliability] Reorder buffer full, dropping seq ", seq)
			} else {
				e.reorder[seq] = recvEntry{flags: flags, payload: payload}
			}
		}
	}
	info := e.ackInfoLocked()
	e.mu.Unlock()

	for _, entry := range ready {
		e.deliver(entry.flags, entry.payload)
	}
	return info
}

// AckRecord returns the current cumulative/SACK state without
// consuming input, for standalone ack frames.
func (e *Engine) AckRecord() AckInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ackInfoLocked()
}

func (e *Engine) ackInfoLocked() AckInfo {
	info := AckInfo{Cumulative: e.watermark}
	if rem := e.cfg.ReorderLimit - len(e.reorder); rem > 0 {
		if rem > 0xffff {
			rem = 0xffff
		}
		info.Window = uint16(rem)
	}
	if len(e.reorder) == 0 {
		return info
	}
	seqs := make([]uint64, 0, len(e.reorder))
	for seq := range e.reorder {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var cur *packets.SackRange
	for _, seq := range seqs {
		if cur != nil && seq == cur.To {
			cur.To = seq + 1
			continue
		}
		if len(info.Ranges) == packets.MaxSackRanges {
			break
		}
		info.Ranges = append(info.Ranges, packets.SackRange{From: seq, To: seq + 1})
		cur = &info.Ranges[len(info.Ranges)-1]
	}
	return info
}

func (e *Engine) updateRTTLocked(sample time.Duration) {
	if e.srtt == 0 {
		e.srtt = sample
		e.rttvar = sample / 2
		return
	}
	diff := e.srtt - sample
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = (3*e.rttvar + diff) / 4
	e.srtt = (7*e.srtt + sample) / 8
}

// SRTT exposes the smoothed RTT estimate.
func (e *Engine) SRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

func (e *Engine) rtoLocked() time.Duration {
	rto := e.cfg.InitialRTO
	if e.srtt > 0 {
		rto = e.srtt + 4*e.rttvar
	}
	if rto < e.cfg.RTOMin {
		rto = e.cfg.RTOMin
	}
	if rto > e.cfg.RTOMax {
		rto = e.cfg.RTOMax
	}
	return rto
}

// retransmitLoop is the per-session background timer. It never fires
// into state it already holds: due packets are collected under the
// lock, transmitted outside it.
func (e *Engine) retransmitLoop() {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		var next time.Time
		for _, p := range e.window {
			if p.deadline.IsZero() {
				continue
			}
			if next.IsZero() || p.deadline.Before(next) {
				next = p.deadline
			}
		}
		e.mu.Unlock()

		var timer <-chan time.Time
		var t *time.Timer
		if !next.IsZero() {
			t = time.NewTimer(time.Until(next))
			timer = t.C
		}
		select {
		case <-timer:
		case <-e.timerWake:
			if t != nil {
				t.Stop()
			}
		case <-e.done:
			if t != nil {
				t.Stop()
			}
			return
		}
		e.processExpiries()
	}
}

func (e *Engine) processExpiries() {
	now := time.Now()
	var due []*pending
	var fatal bool

	e.mu.Lock()
	rto := e.rtoLocked()
	for _, p := range e.window {
		if p.deadline.IsZero() || p.deadline.After(now) {
			continue
		}
		p.retries++
		if p.retries > e.cfg.MaxRetries {
			fatal = true
			break
		}
		p.retrans = true
		d := rto * p.backoff
		if d > e.cfg.RTOMax {
			d = e.cfg.RTOMax
		}
		p.deadline = now.Add(d)
		if p.backoff < 64 {
			p.backoff *= 2
		}
		due = append(due, p)
	}
	e.mu.Unlock()

	if fatal {
		logrus.Debug("[Reliability] Retry budget exhausted")
		e.Abort()
		if e.onFatal != nil {
			e.onFatal(ErrConnectionLost)
		}
		return
	}

	for _, p := range due {
		if e.onTimeout != nil {
			e.onTimeout(p.pathID)
		}
		e.cc.LossDetected()
		pathID, err := e.transmit(p.seq, p.flags, p.payload)
		e.mu.Lock()
		if stored, ok := e.window[p.seq]; ok {
			if err == nil {
				stored.pathID = pathID
			} else if errors.Is(err, pathselection.ErrNoPathAvailable) {
				// A pathless session cannot send but may still
				// receive; do not burn the retry budget on it.
				stored.retries--
			}
		}
		e.mu.Unlock()
		if err != nil {
			logrus.Trace("[Reliability] Retransmit of seq ", p.seq, " failed: ", err)
		}
	}
}

func (e *Engine) kickTimer() {
	select {
	case e.timerWake <- struct{}{}:
	default:
	}
}

func (e *Engine) wakeLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// Abort drops all pending state and stops the timer loop. Blocked
// senders wake with ErrEngineClosed.
func (e *Engine) Abort() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for seq := range e.window {
		delete(e.window, seq)
		e.cc.PacketForgotten()
	}
	e.wakeLocked()
	e.mu.Unlock()
	close(e.done)
}
