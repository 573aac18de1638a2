package pathselection

import (
	"sync"

	"github.com/netsec-ethz/scion-apps/pkg/pan"
	"github.com/scionproto/scion/go/lib/snet"
	"github.com/sirupsen/logrus"
)

// FixedSelector is a pan.Selector for a single dialed conn pinned to
// one path. The SCION underlay dials one conn per (remote, path), so
// path failover happens in the Manager, not down here.
type FixedSelector struct {
	mutex     sync.Mutex
	paths     []*pan.Path
	current   int
	FixedPath *pan.Path
}

func NewDefaultSelector() *FixedSelector {
	return &FixedSelector{}
}

func (s *FixedSelector) Path() *pan.Path {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.paths) == 0 {
		return nil
	}
	return s.paths[s.current]
}

func (s *FixedSelector) Initialize(local, remote pan.UDPAddr, paths []*pan.Path) {
	logrus.Debug("[FixedSelector] Initialize to remote ", remote.String())
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.paths = paths
	s.current = 0
	s.pinLocked()
}

func (s *FixedSelector) Refresh(paths []*pan.Path) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	newcurrent := 0
	if len(s.paths) > 0 {
		currentFingerprint := s.paths[s.current].Fingerprint
		for i, p := range paths {
			if p.Fingerprint == currentFingerprint {
				newcurrent = i
				break
			}
		}
	}
	s.paths = paths
	s.current = newcurrent
}

func (s *FixedSelector) PathDown(pf pan.PathFingerprint, pi pan.PathInterface) {
	// Failover is driven by the Manager's penalty scoring, which sees
	// the retransmission timeouts. Nothing to do here.
}

// SetPathFromSnet pins the selector to the pan path matching the hop
// sequence of the given snet path.
func (s *FixedSelector) SetPathFromSnet(p snet.Path) {
	fp := Fingerprint(p)
	if fp == "" {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.FixedPath = &pan.Path{Fingerprint: pan.PathFingerprint(fp)}
	s.pinLocked()
}

func (s *FixedSelector) pinLocked() {
	if s.FixedPath == nil {
		return
	}
	for i, p := range s.paths {
		if p.Fingerprint == s.FixedPath.Fingerprint {
			s.current = i
			break
		}
	}
}

func (s *FixedSelector) Close() error {
	return nil
}
