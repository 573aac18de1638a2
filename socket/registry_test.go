package socket

import (
	"testing"
	"time"

	"github.com/netsys-lab/scion-socket/packets"
)

func Test_Registry(t *testing.T) {
	t.Run("Lookup resolves a bound session by address and id", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		local := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4501")

		s := NewSession(opts)
		if err := s.Bind(local); err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		if got := opts.Registry.Lookup(local, s.ID()); got != s {
			t.Errorf("expected the bound session, got %v", got)
		}
		if got := opts.Registry.Lookup(local, s.ID()+1); got != nil {
			t.Errorf("expected nil for unknown id, got %v", got)
		}
	})

	t.Run("Endpoint entry disappears after close", func(t *testing.T) {
		net := packets.NewSimNet()
		opts := testOptions(net, ModeDatagram)
		local := testAddr(t, "1-ff00:0:110,[127.0.0.1]:4502")

		s := NewSession(opts)
		if err := s.Bind(local); err != nil {
			t.Fatal(err)
		}
		if opts.Registry.Endpoint(local) == nil {
			t.Fatal("endpoint must be installed after bind")
		}
		s.Close()
		time.Sleep(20 * time.Millisecond)
		if opts.Registry.Endpoint(local) != nil {
			t.Error("endpoint must be removed after close")
		}
	})

	t.Run("Process-wide registry is a singleton", func(t *testing.T) {
		if GetRegistry() != GetRegistry() {
			t.Error("GetRegistry must return the same instance")
		}
	})
}
