package socket

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/netsys-lab/scion-socket/config"
	"github.com/netsys-lab/scion-socket/packets"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/scionproto/scion/go/lib/snet"
)

type simResolver struct{}

func (simResolver) Paths(remote *snet.UDPAddr) ([]pathselection.PathDescriptor, error) {
	return []pathselection.PathDescriptor{
		{Fingerprint: "sim", Expiry: time.Now().Add(time.Hour)},
	}, nil
}

func testAddr(t *testing.T, str string) *snet.UDPAddr {
	t.Helper()
	a, err := snet.ParseUDPAddr(str)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testTuning() *config.Tuning {
	tuning := config.Default()
	tuning.RTOMinMS = 40
	tuning.InitialRTOMS = 60
	tuning.RTOMaxMS = 500
	tuning.HandshakeTimeoutMS = 200
	tuning.CloseTimeoutMS = 500
	return &tuning
}

func testOptions(net *packets.SimNet, mode Mode) Options {
	return Options{
		Mode:     mode,
		Underlay: net.Constructor(),
		Resolver: simResolver{},
		Registry: NewRegistry(),
		Tuning:   testTuning(),
	}
}

// parseSeq extracts the seq of a framed data packet, for fault hooks.
func parseSeq(b []byte) (uint64, bool) {
	pkt, err := packets.ParsePacket(b)
	if err != nil || !pkt.Is(packets.FlagData) {
		return 0, false
	}
	return pkt.Seq, true
}

func Test_Session_Bind(t *testing.T) {
	t.Run("Second bind on same address fails with ErrAddressInUse", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		local := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4001")

		first := NewSession(opts)
		if err := first.Bind(local); err != nil {
			t.Fatal(err)
		}
		defer first.Close()

		second := NewSession(opts)
		if err := second.Bind(local); err != ErrAddressInUse {
			t.Errorf("expected ErrAddressInUse, got %v", err)
		}
	})

	t.Run("Address is reusable after close", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		local := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4002")

		first := NewSession(opts)
		if err := first.Bind(local); err != nil {
			t.Fatal(err)
		}
		first.Close()

		second := NewSession(opts)
		if err := second.Bind(local); err != nil {
			t.Errorf("rebind after close must succeed, got %v", err)
		}
		second.Close()
	})
}

func Test_Session_Datagram(t *testing.T) {
	t.Run("Single delivery yields the payload once", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		aAddr := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4101")
		bAddr := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4102")

		a := NewSession(opts)
		if err := a.Bind(aAddr); err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		b := NewSession(opts)
		if err := b.Bind(bAddr); err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		if err := b.Connect(aAddr); err != nil {
			t.Fatal(err)
		}

		if _, err := b.Send([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, from, err := a.Recv(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "ping" {
			t.Errorf("expected ping, got %q", buf[:n])
		}
		if from == nil || from.String() != bAddr.String() {
			t.Errorf("expected sender address %s, got %v", bAddr, from)
		}

		// At most once: nothing else arrives.
		if _, _, err := a.Recv(buf, 100*time.Millisecond); err != ErrTimeout {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("Dropped datagram is simply lost", func(t *testing.T) {
		net := packets.NewSimNet()
		net.DropFn = func(from, to string, b []byte) bool { return true }
		opts := testOptions(net, ModeDatagram)
		aAddr := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4103")
		bAddr := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4104")

		a := NewSession(opts)
		if err := a.Bind(aAddr); err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		b := NewSession(opts)
		if err := b.Bind(bAddr); err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		if err := b.Connect(aAddr); err != nil {
			t.Fatal(err)
		}

		if _, err := b.Send([]byte("void")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		if _, _, err := a.Recv(buf, 150*time.Millisecond); err != ErrTimeout {
			t.Errorf("expected ErrTimeout for dropped datagram, got %v", err)
		}
	})
}

func connectPair(t *testing.T, net *packets.SimNet, serverAddr, clientAddr *snet.UDPAddr) (server, client *Session) {
	t.Helper()
	listener := NewSession(testOptions(net, ModeStream))
	if err := listener.Bind(serverAddr); err != nil {
		t.Fatal(err)
	}
	if err := listener.Listen(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { listener.Close() })

	client = NewSession(testOptions(net, ModeStream))
	if err := client.Bind(clientAddr); err != nil {
		t.Fatal(err)
	}

	acceptDone := make(chan *Session, 1)
	go func() {
		accepted, err := listener.Accept()
		if err != nil {
			t.Error(err)
		}
		acceptDone <- accepted
	}()

	if err := client.Connect(serverAddr); err != nil {
		t.Fatal(err)
	}
	select {
	case server = <-acceptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never returned")
	}
	return server, client
}

func Test_Session_Stream(t *testing.T) {
	t.Run("Ten packets in order with packet five dropped once", func(t *testing.T) {
		net := packets.NewSimNet()
		var dropMu sync.Mutex
		dropped := false
		net.DropFn = func(from, to string, b []byte) bool {
			seq, ok := parseSeq(b)
			if !ok || seq != 5 {
				return false
			}
			dropMu.Lock()
			defer dropMu.Unlock()
			if dropped {
				return false
			}
			dropped = true
			return true
		}

		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4201"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4202"))
		defer server.Close()
		defer client.Close()

		for i := 1; i <= 10; i++ {
			if _, err := client.Send([]byte(fmt.Sprintf("packet-%02d", i))); err != nil {
				t.Fatal(err)
			}
		}

		buf := make([]byte, 64)
		for i := 1; i <= 10; i++ {
			n, _, err := server.Recv(buf, 3*time.Second)
			if err != nil {
				t.Fatalf("recv %d: %v", i, err)
			}
			want := fmt.Sprintf("packet-%02d", i)
			if string(buf[:n]) != want {
				t.Fatalf("expected %q at position %d, got %q", want, i, buf[:n])
			}
		}
	})

	t.Run("Exactly-once in-order delivery under duplication and reordering", func(t *testing.T) {
		net := packets.NewSimNet()
		net.DupFn = func(from, to string, b []byte) bool {
			_, ok := parseSeq(b)
			return ok
		}
		rng := rand.New(rand.NewSource(7))
		var rngMu sync.Mutex
		net.DelayFn = func(from, to string, b []byte) time.Duration {
			if _, ok := parseSeq(b); !ok {
				return 0
			}
			rngMu.Lock()
			defer rngMu.Unlock()
			return time.Duration(rng.Intn(30)) * time.Millisecond
		}

		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4203"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4204"))
		defer server.Close()
		defer client.Close()

		const count = 20
		var sent bytes.Buffer
		go func() {
			for i := 0; i < count; i++ {
				payload := []byte(fmt.Sprintf("chunk-%03d;", i))
				if _, err := client.Send(payload); err != nil {
					t.Error(err)
					return
				}
			}
		}()
		for i := 0; i < count; i++ {
			sent.WriteString(fmt.Sprintf("chunk-%03d;", i))
		}

		var got bytes.Buffer
		buf := make([]byte, 64)
		for got.Len() < sent.Len() {
			n, _, err := server.Recv(buf, 3*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			got.Write(buf[:n])
		}
		if got.String() != sent.String() {
			t.Errorf("stream corrupted:\nwant %q\ngot  %q", sent.String(), got.String())
		}
	})

	t.Run("Bidirectional traffic on an accepted session", func(t *testing.T) {
		net := packets.NewSimNet()
		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4205"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4206"))
		defer server.Close()
		defer client.Close()

		if _, err := client.Send([]byte("question")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, _, err := server.Recv(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "question" {
			t.Fatalf("got %q", buf[:n])
		}
		if _, err := server.Send([]byte("answer")); err != nil {
			t.Fatal(err)
		}
		n, _, err = client.Recv(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "answer" {
			t.Errorf("got %q", buf[:n])
		}
	})

	t.Run("Oversize payload is rejected before entering the window", func(t *testing.T) {
		net := packets.NewSimNet()
		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4213"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4214"))
		defer server.Close()
		defer client.Close()

		if n, err := client.Send(make([]byte, 70000)); err != ErrPayloadTooLarge {
			t.Fatalf("expected ErrPayloadTooLarge, got n=%d err=%v", n, err)
		}
		// The rejection must leave the session usable.
		if _, err := client.Send([]byte("still fine")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 64)
		n, _, err := server.Recv(buf, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != "still fine" {
			t.Errorf("got %q", buf[:n])
		}
	})

	t.Run("Graceful close delivers data before ErrClosed", func(t *testing.T) {
		net := packets.NewSimNet()
		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4207"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4208"))
		defer server.Close()

		if _, err := client.Send([]byte("last words")); err != nil {
			t.Fatal(err)
		}
		client.Close()

		buf := make([]byte, 64)
		n, _, err := server.Recv(buf, 2*time.Second)
		if err != nil {
			t.Fatalf("data sent before close must arrive, got %v", err)
		}
		if string(buf[:n]) != "last words" {
			t.Errorf("got %q", buf[:n])
		}
		if _, _, err := server.Recv(buf, 2*time.Second); err != ErrClosed {
			t.Errorf("expected ErrClosed after peer FIN, got %v", err)
		}
	})
}

func Test_Session_Lifecycle(t *testing.T) {
	t.Run("Close wakes a pending recv promptly", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		a := NewSession(opts)
		if err := a.Bind(testAddr(t, "1-ff00:0:110,[127.0.0.1]:4301")); err != nil {
			t.Fatal(err)
		}

		result := make(chan error, 1)
		go func() {
			buf := make([]byte, 16)
			_, _, err := a.Recv(buf, 0)
			result <- err
		}()
		time.Sleep(50 * time.Millisecond)

		start := time.Now()
		a.Close()
		select {
		case err := <-result:
			if err != ErrClosed {
				t.Errorf("expected ErrClosed, got %v", err)
			}
			if time.Since(start) > 500*time.Millisecond {
				t.Error("recv did not wake promptly")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("recv still blocked after close")
		}
	})

	t.Run("Close wakes a pending accept", func(t *testing.T) {
		net := packets.NewSimNet()
		listener := NewSession(testOptions(net, ModeStream))
		if err := listener.Bind(testAddr(t, "1-ff00:0:110,[127.0.0.1]:4302")); err != nil {
			t.Fatal(err)
		}
		if err := listener.Listen(); err != nil {
			t.Fatal(err)
		}

		result := make(chan error, 1)
		go func() {
			_, err := listener.Accept()
			result <- err
		}()
		time.Sleep(50 * time.Millisecond)
		listener.Close()
		select {
		case err := <-result:
			if err != ErrClosed {
				t.Errorf("expected ErrClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("accept still blocked after close")
		}
	})

	t.Run("Recv times out with ErrTimeout", func(t *testing.T) {
		net := packets.NewSimNet()
		a := NewSession(testOptions(net, ModeDatagram))
		if err := a.Bind(testAddr(t, "1-ff00:0:110,[127.0.0.1]:4303")); err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		buf := make([]byte, 16)
		if _, _, err := a.Recv(buf, 80*time.Millisecond); err != ErrTimeout {
			t.Errorf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("Connect without listener fails with ErrHandshakeTimeout", func(t *testing.T) {
		net := packets.NewSimNet()
		client := NewSession(testOptions(net, ModeStream))
		if err := client.Bind(testAddr(t, "1-ff00:0:110,[127.0.0.1]:4304")); err != nil {
			t.Fatal(err)
		}
		defer client.Close()
		err := client.Connect(testAddr(t, "1-ff00:0:110,[127.0.0.1]:4399"))
		if err != ErrHandshakeTimeout {
			t.Errorf("expected ErrHandshakeTimeout, got %v", err)
		}
		if client.State() != StateBound {
			t.Errorf("failed connect must fall back to BOUND, got %s", client.State())
		}
	})
}

func Test_Session_Paths(t *testing.T) {
	t.Run("Empty path set fails sends until refreshed", func(t *testing.T) {
		net := packets.NewSimNet()
		server, client := connectPair(t,
			net,
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4401"),
			testAddr(t, "1-ff00:0:110,[127.0.0.1]:4402"))
		defer server.Close()
		defer client.Close()

		remote := client.RemoteAddr()
		client.PathManager().SetPaths(remote, nil)
		if _, err := client.Send([]byte("x")); err != ErrNoPathAvailable {
			t.Errorf("expected ErrNoPathAvailable, got %v", err)
		}

		client.PathManager().SetPaths(remote, []pathselection.PathDescriptor{
			{Fingerprint: "sim", Expiry: time.Now().Add(time.Hour)},
		})
		if _, err := client.Send([]byte("x")); err != nil {
			t.Errorf("send after refresh must succeed, got %v", err)
		}
		buf := make([]byte, 16)
		if _, _, err := server.Recv(buf, 2*time.Second); err != nil {
			t.Errorf("payload must arrive after refresh, got %v", err)
		}
	})
}
