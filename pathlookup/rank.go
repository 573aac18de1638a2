package lookup

import (
	"sort"
	"time"

	"github.com/scionproto/scion/go/lib/snet"
)

// A Ranking reorders path candidates in place, best first. The
// resolver applies it before the path manager installs the set, so the
// ranking decides which paths get tried first while measured RTT takes
// over once traffic flows.
type Ranking func([]snet.Path)

type byLatency []snet.Path

func (paths byLatency) Len() int {
	return len(paths)
}

func (paths byLatency) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byLatency) Less(i, j int) bool {
	return sumupLatencies(paths[i].Metadata().Latency) < sumupLatencies(paths[j].Metadata().Latency)
}

func sumupLatencies(latencies []time.Duration) (totalLatency time.Duration) {
	totalLatency = 0
	for _, latency := range latencies {
		totalLatency += latency
	}
	return totalLatency
}

// ByLatency ranks by the total advertised latency over all hops.
func ByLatency(paths []snet.Path) {
	sort.Stable(byLatency(paths))
}

type byHopCount []snet.Path

func (paths byHopCount) Len() int {
	return len(paths)
}

func (paths byHopCount) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byHopCount) Less(i, j int) bool {
	return len(paths[i].Metadata().Interfaces) < len(paths[j].Metadata().Interfaces)
}

// ByHopCount ranks shortest paths first.
func ByHopCount(paths []snet.Path) {
	sort.Stable(byHopCount(paths))
}

type byMTU []snet.Path

func (paths byMTU) Len() int {
	return len(paths)
}

func (paths byMTU) Swap(i, j int) {
	paths[i], paths[j] = paths[j], paths[i]
}

func (paths byMTU) Less(i, j int) bool {
	return paths[i].Metadata().MTU > paths[j].Metadata().MTU
}

// ByMTU ranks largest path MTU first.
func ByMTU(paths []snet.Path) {
	sort.Stable(byMTU(paths))
}

// ByDisjointness ranks paths sharing the fewest interfaces with the
// rest of the set first, so a multipath session spreads over links
// that do not fail together. Endpoints of the first and last hop are
// shared by construction and do not count as conflicts.
func ByDisjointness(paths []snet.Path) {
	conflicts := make([]int, len(paths))
	for i := range paths {
		for j := range paths {
			if i == j {
				continue
			}
			conflicts[i] += numPathsConflict(paths[i], paths[j])
		}
	}
	type ranked struct {
		path      snet.Path
		conflicts int
	}
	all := make([]ranked, len(paths))
	for i := range paths {
		all[i] = ranked{path: paths[i], conflicts: conflicts[i]}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].conflicts < all[j].conflicts
	})
	for i := range all {
		paths[i] = all[i].path
	}
}

func numPathsConflict(path1, path2 snet.Path) int {
	path1Interfaces := path1.Metadata().Interfaces
	path2Interfaces := path2.Metadata().Interfaces
	conflicts := 0
	for i, intP1 := range path1Interfaces {
		for j, intP2 := range path2Interfaces {
			if i == 0 && j == 0 {
				continue
			}
			if i == (len(path1Interfaces)-1) && j == (len(path2Interfaces)-1) {
				continue
			}
			if intP1.IA.Equal(intP2.IA) && intP1.ID == intP2.ID {
				conflicts++
			}
		}
	}
	return conflicts
}
