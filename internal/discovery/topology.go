package discovery

import (
	"context"
	"fablab/internal/hypermedia"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Fetcher reads hypermedia resources. *hypermedia.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*hypermedia.Entity, error)
	Follow(ctx context.Context, base string, link hypermedia.Link) (*hypermedia.Entity, error)
}

// Topology is one observation of the machines reported by the gateway.
type Topology struct {
	Machines []MachineRecord
	// Links is the number of machine links advertised by the root.
	Links int
	// FollowFailures counts machine links that could not be followed.
	FollowFailures int
}

// Complete reports whether every advertised link was followed.
func (t *Topology) Complete() bool { return t.FollowFailures == 0 }

// IDs returns the set of observed machine ids.
func (t *Topology) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(t.Machines))
	for _, m := range t.Machines {
		ids[m.ID] = struct{}{}
	}
	return ids
}

// FetchTopology reads the gateway root and follows every machine link
// concurrently. A root failure is returned; a follow failure is logged and
// counted, and the remaining links are still used.
func (l *Loop) FetchTopology(ctx context.Context) (*Topology, error) {
	root, err := l.fetcher.Fetch(ctx, l.cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("fetch gateway root: %w", err)
	}

	links := root.MachineLinks()
	results := make([][]MachineRecord, len(links))
	failed := make([]bool, len(links))

	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for i, link := range links {
		g.Go(func() error {
			server, err := l.fetcher.Follow(ctx, l.cfg.GatewayURL, link)
			if err != nil {
				l.logger.Warn("Skipping machine link", "href", link.Href, "error", err)
				failed[i] = true
				return nil
			}
			for _, sub := range server.Entities {
				rec, ok := RecordFromEntity(&sub)
				if !ok {
					l.logger.Warn("Ignoring machine entity without id", "href", link.Href)
					continue
				}
				results[i] = append(results[i], rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	topo := &Topology{Links: len(links)}
	seen := make(map[string]struct{})
	for i := range links {
		if failed[i] {
			topo.FollowFailures++
		}
		for _, rec := range results[i] {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			topo.Machines = append(topo.Machines, rec)
		}
	}
	return topo, nil
}
