package packets

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lucas-clemente/quic-go"
	"github.com/netsec-ethz/scion-apps/pkg/appquic"
	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

var _ UnderlayConn = (*QUICConn)(nil)

const quicNextProto = "scion-socket"

func QUICConnConstructor() UnderlayConn {
	return &QUICConn{}
}

// QUICConn is an underlay over the QUIC DATAGRAM extension. Each
// remote gets one QUIC session; packets travel as unreliable QUIC
// datagrams, so the socket core keeps full control over
// retransmission and ordering. QUIC carries no SCION headers here, so
// sender addresses are reported with the local IA.
type QUICConn struct {
	listener quic.Listener
	local    *snet.UDPAddr
	inbox    chan simDatagram
	closed   chan struct{}
	state    int // See Connection States

	mu        sync.Mutex
	deadline  time.Time
	dialConns map[string]quic.Session
	closeOnce sync.Once
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		KeepAlive:       true,
	}
}

func (qc *QUICConn) Listen(addr snet.UDPAddr) error {
	listener, err := quic.ListenAddr(
		fmt.Sprintf("%s:%d", addr.Host.IP, addr.Host.Port),
		&tls.Config{
			Certificates: appquic.GetDummyTLSCerts(),
			NextProtos:   []string{quicNextProto},
		},
		quicConfig(),
	)
	if err != nil {
		return err
	}

	qc.listener = listener
	qc.local = &addr
	qc.inbox = make(chan simDatagram, simInboxCap)
	qc.closed = make(chan struct{})
	qc.dialConns = make(map[string]quic.Session)
	qc.state = ConnectionStates.Open

	go qc.acceptLoop()
	logrus.Debug("[QUICConn] Listening on ", addr.String())
	return nil
}

func (qc *QUICConn) acceptLoop() {
	for {
		sess, err := qc.listener.Accept(context.Background())
		if err != nil {
			select {
			case <-qc.closed:
			default:
				logrus.Error("[QUICConn] Accept failed: ", err)
			}
			return
		}
		go qc.receiveLoop(sess)
	}
}

func (qc *QUICConn) receiveLoop(sess quic.Session) {
	remote := qc.senderAddr(sess.RemoteAddr())
	for {
		b, err := sess.ReceiveMessage()
		if err != nil {
			return
		}
		select {
		case qc.inbox <- simDatagram{from: remote, b: b}:
		case <-qc.closed:
			return
		}
	}
}

func (qc *QUICConn) senderAddr(a net.Addr) *snet.UDPAddr {
	udp, ok := a.(*net.UDPAddr)
	if !ok {
		udp = &net.UDPAddr{}
	}
	return &snet.UDPAddr{IA: qc.local.IA, Host: udp}
}

func (qc *QUICConn) WriteTo(remote *snet.UDPAddr, b []byte) (int, error) {
	sess, err := qc.dialSession(remote)
	if err != nil {
		return 0, err
	}
	if err := sess.SendMessage(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// WriteToVia falls back to WriteTo; QUIC over plain UDP offers no
// source-routing control.
func (qc *QUICConn) WriteToVia(remote *snet.UDPAddr, path *snet.Path, b []byte) (int, error) {
	return qc.WriteTo(remote, b)
}

func (qc *QUICConn) dialSession(remote *snet.UDPAddr) (quic.Session, error) {
	key := remote.Host.String()

	qc.mu.Lock()
	defer qc.mu.Unlock()
	if sess, ok := qc.dialConns[key]; ok {
		return sess, nil
	}

	sess, err := quic.DialAddr(
		key,
		&tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicNextProto},
		},
		quicConfig(),
	)
	if err != nil {
		return nil, err
	}
	logrus.Debug("[QUICConn] Dialed ", key)
	qc.dialConns[key] = sess
	go qc.receiveLoop(sess)
	return sess, nil
}

func (qc *QUICConn) ReadFrom(b []byte) (int, *snet.UDPAddr, error) {
	qc.mu.Lock()
	deadline := qc.deadline
	qc.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case d := <-qc.inbox:
		n := copy(b, d.b)
		return n, d.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-qc.closed:
		return 0, nil, net.ErrClosed
	}
}

func (qc *QUICConn) LocalAddr() *snet.UDPAddr {
	return qc.local
}

// SetReadDeadline applies to subsequent ReadFrom calls.
func (qc *QUICConn) SetReadDeadline(t time.Time) error {
	qc.mu.Lock()
	qc.deadline = t
	qc.mu.Unlock()
	return nil
}

func (qc *QUICConn) Close() error {
	var err error
	qc.closeOnce.Do(func() {
		qc.state = ConnectionStates.Closed
		close(qc.closed)
		qc.mu.Lock()
		for _, sess := range qc.dialConns {
			sess.CloseWithError(0, "closed")
		}
		qc.mu.Unlock()
		if qc.listener != nil {
			err = qc.listener.Close()
		}
	})
	return err
}
