package packets

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/netsec-ethz/scion-apps/pkg/pan"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/netsys-lab/scion-socket/sutils"
	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
	"inet.af/netaddr"
)

var _ UnderlayConn = (*SCIONConn)(nil)

func SCIONConnConstructor() UnderlayConn {
	return &SCIONConn{}
}

// SCIONConn is the production underlay over the SCION dataplane via
// pan. Reads come from a single listening conn; writes go over dialed
// conns kept per (remote, path fingerprint) so that a packet pinned to
// a path actually leaves on that path.
type SCIONConn struct {
	listenConn net.PacketConn
	local      *snet.UDPAddr
	state      int // See Connection States

	mu        sync.Mutex
	dialConns map[string]net.Conn
}

func (sc *SCIONConn) Listen(addr snet.UDPAddr) error {
	ipP := pan.IPPortValue{}
	s := fmt.Sprintf("%s:%d", addr.Host.IP, addr.Host.Port)
	if err := ipP.Set(s); err != nil {
		return err
	}

	conn, err := pan.ListenUDP(context.Background(), ipP.Get(), nil)
	if err != nil {
		return err
	}

	sc.listenConn = conn
	sc.local = &addr
	sc.dialConns = make(map[string]net.Conn)
	sc.state = ConnectionStates.Open
	logrus.Debug("[SCIONConn] Listening on ", addr.String())
	return nil
}

func (sc *SCIONConn) WriteTo(remote *snet.UDPAddr, b []byte) (int, error) {
	return sc.write(remote, nil, b)
}

func (sc *SCIONConn) WriteToVia(remote *snet.UDPAddr, path *snet.Path, b []byte) (int, error) {
	return sc.write(remote, path, b)
}

func (sc *SCIONConn) write(remote *snet.UDPAddr, path *snet.Path, b []byte) (int, error) {
	conn, err := sc.dialConn(remote, path)
	if err != nil {
		return 0, err
	}
	return conn.Write(b)
}

func (sc *SCIONConn) dialConn(remote *snet.UDPAddr, path *snet.Path) (net.Conn, error) {
	key := remote.String()
	if path != nil {
		key = key + "-" + pathselection.Fingerprint(*path)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if conn, ok := sc.dialConns[key]; ok {
		return conn, nil
	}

	pAddr, err := pan.ResolveUDPAddr(remote.String())
	if err != nil {
		return nil, err
	}

	selector := pathselection.NewDefaultSelector()
	if path != nil {
		selector.SetPathFromSnet(*path)
	}
	conn, err := pan.DialUDP(context.Background(), netaddr.IPPort{}, pAddr, nil, selector)
	if err != nil {
		return nil, err
	}
	logrus.Debug("[SCIONConn] Dialed ", key)
	sc.dialConns[key] = conn
	return conn, nil
}

func (sc *SCIONConn) ReadFrom(b []byte) (int, *snet.UDPAddr, error) {
	n, from, err := sc.listenConn.ReadFrom(b)
	if err != nil {
		return n, nil, err
	}
	pAddr, ok := from.(pan.UDPAddr)
	if !ok {
		return n, nil, fmt.Errorf("unexpected sender address type %T", from)
	}
	return n, sutils.PanToSnetUDPAddr(pAddr), nil
}

func (sc *SCIONConn) LocalAddr() *snet.UDPAddr {
	return sc.local
}

func (sc *SCIONConn) SetReadDeadline(t time.Time) error {
	return sc.listenConn.SetReadDeadline(t)
}

func (sc *SCIONConn) Close() error {
	sc.state = ConnectionStates.Closed
	sc.mu.Lock()
	for _, conn := range sc.dialConns {
		conn.Close()
	}
	sc.mu.Unlock()
	if sc.listenConn == nil {
		return nil
	}
	return sc.listenConn.Close()
}
