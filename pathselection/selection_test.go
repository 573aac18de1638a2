package pathselection

import (
	"testing"
	"time"

	"github.com/scionproto/scion/go/lib/snet"
)

func testRemote(t *testing.T) *snet.UDPAddr {
	t.Helper()
	remote, err := snet.ParseUDPAddr("1-ff00:0:110,[127.0.0.1]:8080")
	if err != nil {
		t.Fatal(err)
	}
	return remote
}

type staticResolver struct {
	descriptors []PathDescriptor
}

func (r *staticResolver) Paths(remote *snet.UDPAddr) ([]PathDescriptor, error) {
	return r.descriptors, nil
}

func Test_Manager_Selection(t *testing.T) {
	t.Run("No paths yields ErrNoPathAvailable", func(t *testing.T) {
		m := NewManager(nil)
		_, err := m.SelectPath(testRemote(t))
		if err != ErrNoPathAvailable {
			t.Errorf("expected ErrNoPathAvailable, got %v", err)
		}
	})

	t.Run("Lowest RTT wins", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{
			{Fingerprint: "1 2 3", SRTT: 80 * time.Millisecond},
			{Fingerprint: "1 4 3", SRTT: 20 * time.Millisecond},
		})
		pd, err := m.SelectPath(remote)
		if err != nil {
			t.Fatal(err)
		}
		if pd.Fingerprint != "1 4 3" {
			t.Errorf("expected fastest path, got %s", pd.Fingerprint)
		}
	})

	t.Run("Round robin across equally ranked paths", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{
			{Fingerprint: "a", SRTT: 20 * time.Millisecond},
			{Fingerprint: "b", SRTT: 20 * time.Millisecond},
		})
		seen := map[string]int{}
		for i := 0; i < 4; i++ {
			pd, err := m.SelectPath(remote)
			if err != nil {
				t.Fatal(err)
			}
			seen[pd.Fingerprint]++
		}
		if seen["a"] != 2 || seen["b"] != 2 {
			t.Errorf("expected even spread, got %v", seen)
		}
	})

	t.Run("Lossy path ranked behind clean path", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{
			{Fingerprint: "fast", SRTT: 10 * time.Millisecond},
			{Fingerprint: "slow", SRTT: 90 * time.Millisecond},
		})
		fast := m.ActivePaths(remote)[0]
		for i := 0; i < lossyPenalty; i++ {
			m.ReportTimeout(remote, fast.ID)
		}
		pd, err := m.SelectPath(remote)
		if err != nil {
			t.Fatal(err)
		}
		if pd.Fingerprint != "slow" {
			t.Errorf("expected lossy path to be avoided, got %s", pd.Fingerprint)
		}
	})

	t.Run("Ack decays penalty and updates SRTT", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{{Fingerprint: "p"}})
		pd := m.ActivePaths(remote)[0]
		m.ReportTimeout(remote, pd.ID)
		m.ReportAck(remote, pd.ID, 40*time.Millisecond)
		if pd.Penalty != 0 {
			t.Errorf("expected penalty decay, got %d", pd.Penalty)
		}
		if pd.SRTT != 40*time.Millisecond {
			t.Errorf("expected SRTT seed, got %v", pd.SRTT)
		}
	})
}

func Test_Manager_Eviction(t *testing.T) {
	t.Run("Expired paths are evicted", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{
			{Fingerprint: "old", Expiry: time.Now().Add(-time.Second)},
		})
		if _, err := m.SelectPath(remote); err != ErrNoPathAvailable {
			t.Errorf("expected ErrNoPathAvailable, got %v", err)
		}
	})

	t.Run("Repeated timeouts kill the path, refresh revives the set", func(t *testing.T) {
		m := NewManager(&staticResolver{descriptors: []PathDescriptor{
			{Fingerprint: "fresh"},
		}})
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{{Fingerprint: "dying"}})
		pd := m.ActivePaths(remote)[0]
		for i := 0; i < deadPenalty; i++ {
			m.ReportTimeout(remote, pd.ID)
		}
		if _, err := m.SelectPath(remote); err != ErrNoPathAvailable {
			t.Errorf("expected ErrNoPathAvailable after death, got %v", err)
		}

		if err := m.Refresh(remote); err != nil {
			t.Fatal(err)
		}
		got, err := m.SelectPath(remote)
		if err != nil {
			t.Fatal(err)
		}
		if got.Fingerprint != "fresh" {
			t.Errorf("expected refreshed path, got %s", got.Fingerprint)
		}
	})

	t.Run("Refresh keeps measured state by fingerprint", func(t *testing.T) {
		m := NewManager(nil)
		remote := testRemote(t)
		m.SetPaths(remote, []PathDescriptor{{Fingerprint: "keep"}})
		pd := m.ActivePaths(remote)[0]
		m.ReportAck(remote, pd.ID, 30*time.Millisecond)

		m.SetPaths(remote, []PathDescriptor{
			{Fingerprint: "keep", Expiry: time.Now().Add(time.Hour)},
		})
		got := m.ActivePaths(remote)[0]
		if got.SRTT != 30*time.Millisecond {
			t.Errorf("expected SRTT to survive refresh, got %v", got.SRTT)
		}
		if got.ID != pd.ID {
			t.Errorf("expected stable descriptor id, got %d vs %d", got.ID, pd.ID)
		}
	})
}
