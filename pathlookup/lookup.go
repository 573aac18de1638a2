package lookup

import (
	"context"

	"github.com/netsec-ethz/scion-apps/pkg/appnet"
	"github.com/netsys-lab/scion-socket/pathselection"
	"github.com/netsys-lab/scion-socket/sutils"
	"github.com/scionproto/scion/go/lib/snet"
)

// Resolver answers path queries through appnet, so it needs a running
// SCION daemon. It is the production resolver for sessions on the
// SCION underlay.
type Resolver struct {
	// Rank orders candidates before they are installed. Nil keeps the
	// daemon's order.
	Rank Ranking
	// MaxPaths caps the candidate set after ranking. Zero means all.
	MaxPaths int
}

func (r *Resolver) Paths(remote *snet.UDPAddr) ([]pathselection.PathDescriptor, error) {
	paths, err := appnet.DefNetwork().PathQuerier.Query(context.Background(), remote.IA)
	if err != nil {
		return nil, err
	}
	return r.describe(paths), nil
}

func (r *Resolver) describe(paths []snet.Path) []pathselection.PathDescriptor {
	if r.Rank != nil {
		r.Rank(paths)
	}
	if r.MaxPaths > 0 && len(paths) > r.MaxPaths {
		paths = paths[:r.MaxPaths]
	}
	descriptors := make([]pathselection.PathDescriptor, 0, len(paths))
	for i := range paths {
		p := paths[i]
		descriptors = append(descriptors, pathselection.PathDescriptor{
			Fingerprint: pathselection.Fingerprint(p),
			Expiry:      p.Metadata().Expiry,
			SnetPath:    &p,
		})
	}
	return descriptors
}

// DaemonResolver queries the SCION daemon directly, without the appnet
// bootstrap. Useful when the daemon address comes from the environment
// rather than appnet's configuration.
type DaemonResolver struct {
	Rank     Ranking
	MaxPaths int
}

func (r *DaemonResolver) Paths(remote *snet.UDPAddr) ([]pathselection.PathDescriptor, error) {
	paths, err := sutils.QueryPaths(remote)
	if err != nil {
		return nil, err
	}
	inner := Resolver{Rank: r.Rank, MaxPaths: r.MaxPaths}
	return inner.describe(paths), nil
}
