package pathselection

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

// ErrNoPathAvailable is returned when a remote has no live path left.
// It resolves once Refresh installs fresh candidates.
var ErrNoPathAvailable = errors.New("no path available")

const (
	// Penalty added per reported timeout, decayed per clean ack.
	penaltyStep = 50 * time.Millisecond
	// Paths at or above this penalty count as recently lossy and are
	// ranked behind every clean path.
	lossyPenalty = 3
	// Repeated timeouts beyond this declare the path dead.
	deadPenalty = 6

	defaultSRTT = 200 * time.Millisecond
)

// PathDescriptor is one opaque, ranked route to a remote endpoint.
// Descriptors live in the Manager's arena; sessions reference them by
// ID, so scoring and eviction stay independently testable.
type PathDescriptor struct {
	ID          uint32
	Fingerprint string
	Expiry      time.Time
	SRTT        time.Duration
	Penalty     int
	Acked       int64
	Lost        int64
	// SnetPath carries the resolved dataplane path for underlays with
	// source-routing control. Nil on simulated underlays.
	SnetPath *snet.Path
}

func (pd *PathDescriptor) score() time.Duration {
	srtt := pd.SRTT
	if srtt == 0 {
		srtt = defaultSRTT
	}
	return srtt + time.Duration(pd.Penalty)*penaltyStep
}

func (pd *PathDescriptor) lossy() bool {
	return pd.Penalty >= lossyPenalty
}

// PathResolver is the collaborator interface towards the external
// path-discovery subsystem. The core never computes paths itself.
type PathResolver interface {
	Paths(remote *snet.UDPAddr) ([]PathDescriptor, error)
}

type byScore []*PathDescriptor

func (ps byScore) Len() int      { return len(ps) }
func (ps byScore) Swap(i, j int) { ps[i], ps[j] = ps[j], ps[i] }
func (ps byScore) Less(i, j int) bool {
	if ps[i].lossy() != ps[j].lossy() {
		return !ps[i].lossy()
	}
	return ps[i].score() < ps[j].score()
}

type pathSet struct {
	remote *snet.UDPAddr
	paths  []*PathDescriptor
	rr     int
}

// Manager holds the ranked path set per remote endpoint and picks a
// path per outgoing packet. Selection prefers the lowest smoothed RTT
// among paths not recently marked lossy and round-robins across
// equally ranked alternatives to spread load.
type Manager struct {
	mu       sync.Mutex
	sets     map[string]*pathSet
	resolver PathResolver
	nextID   uint32
	// Multipath enables round-robin across equally ranked paths.
	Multipath bool
}

func NewManager(resolver PathResolver) *Manager {
	return &Manager{
		sets:      make(map[string]*pathSet),
		resolver:  resolver,
		Multipath: true,
	}
}

// SetResolver swaps the external path-discovery collaborator.
func (m *Manager) SetResolver(r PathResolver) {
	m.mu.Lock()
	m.resolver = r
	m.mu.Unlock()
}

// Refresh asks the external resolver for current candidates. Known
// fingerprints keep their measured state and only renew expiry.
func (m *Manager) Refresh(remote *snet.UDPAddr) error {
	m.mu.Lock()
	resolver := m.resolver
	m.mu.Unlock()
	if resolver == nil {
		return fmt.Errorf("no path resolver configured")
	}
	descriptors, err := resolver.Paths(remote)
	if err != nil {
		return err
	}
	m.SetPaths(remote, descriptors)
	return nil
}

// SetPaths installs candidates for remote, merging measured state of
// descriptors already known by fingerprint.
func (m *Manager) SetPaths(remote *snet.UDPAddr, descriptors []PathDescriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.set(remote)
	old := make(map[string]*PathDescriptor, len(set.paths))
	for _, pd := range set.paths {
		old[pd.Fingerprint] = pd
	}

	paths := make([]*PathDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		pd := d
		if prev, ok := old[d.Fingerprint]; ok {
			prev.Expiry = d.Expiry
			prev.SnetPath = d.SnetPath
			paths = append(paths, prev)
			continue
		}
		m.nextID++
		pd.ID = m.nextID
		paths = append(paths, &pd)
	}
	set.paths = paths
	set.rr = 0
	logrus.Debug("[PathManager] Installed ", len(paths), " paths for ", remote.String())
}

func (m *Manager) set(remote *snet.UDPAddr) *pathSet {
	key := remote.String()
	set, ok := m.sets[key]
	if !ok {
		set = &pathSet{remote: remote}
		m.sets[key] = set
	}
	return set
}

// SelectPath picks the path for the next outgoing packet. Expired and
// dead descriptors are evicted first; an emptied set yields
// ErrNoPathAvailable until refreshed.
func (m *Manager) SelectPath(remote *snet.UDPAddr) (*PathDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.set(remote)
	m.evictLocked(set)
	if len(set.paths) == 0 {
		return nil, ErrNoPathAvailable
	}

	sort.Stable(byScore(set.paths))
	if !m.Multipath {
		return set.paths[0], nil
	}

	// Round-robin over the leading paths whose score matches the best.
	best := set.paths[0].score()
	n := 1
	for n < len(set.paths) && set.paths[n].score() == best && !set.paths[n].lossy() {
		n++
	}
	pd := set.paths[set.rr%n]
	set.rr++
	return pd, nil
}

func (m *Manager) evictLocked(set *pathSet) {
	now := time.Now()
	kept := set.paths[:0]
	for _, pd := range set.paths {
		if !pd.Expiry.IsZero() && now.After(pd.Expiry) {
			logrus.Debug("[PathManager] Evicting expired path ", pd.Fingerprint)
			continue
		}
		if pd.Penalty >= deadPenalty {
			logrus.Debug("[PathManager] Evicting dead path ", pd.Fingerprint)
			continue
		}
		kept = append(kept, pd)
	}
	set.paths = kept
}

// PathByID resolves a descriptor from the wire path id.
func (m *Manager) PathByID(remote *snet.UDPAddr, id uint32) *PathDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pd := range m.set(remote).paths {
		if pd.ID == id {
			return pd
		}
	}
	return nil
}

// ActivePaths returns the live descriptors for remote.
func (m *Manager) ActivePaths(remote *snet.UDPAddr) []*PathDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.set(remote)
	m.evictLocked(set)
	out := make([]*PathDescriptor, len(set.paths))
	copy(out, set.paths)
	return out
}

// ReportTimeout raises the penalty of the path a retransmission timer
// fired on. Enough consecutive timeouts get the path evicted.
func (m *Manager) ReportTimeout(remote *snet.UDPAddr, id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pd := range m.set(remote).paths {
		if pd.ID == id {
			pd.Penalty++
			pd.Lost++
			logrus.Trace("[PathManager] Timeout on path ", pd.Fingerprint, ", penalty now ", pd.Penalty)
			return
		}
	}
}

// ReportAck feeds a measured round trip back into the ranking. Clean
// acks decay the penalty.
func (m *Manager) ReportAck(remote *snet.UDPAddr, id uint32, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pd := range m.set(remote).paths {
		if pd.ID == id {
			if pd.SRTT == 0 {
				pd.SRTT = rtt
			} else {
				pd.SRTT = (7*pd.SRTT + rtt) / 8
			}
			if pd.Penalty > 0 {
				pd.Penalty--
			}
			pd.Acked++
			return
		}
	}
}

// Fingerprint renders a path's hop interface sequence the way pan
// fingerprints look, so metrics and selector state key consistently.
func Fingerprint(p snet.Path) string {
	meta := p.Metadata()
	if meta == nil || len(meta.Interfaces) == 0 {
		return ""
	}
	b := &strings.Builder{}
	fmt.Fprintf(b, "%d", meta.Interfaces[0].ID)
	for _, iface := range meta.Interfaces[1:] {
		fmt.Fprintf(b, " %d", iface.ID)
	}
	return b.String()
}
