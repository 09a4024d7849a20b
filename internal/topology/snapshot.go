package topology

import (
	"fmt"
	"sort"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

// TableTablets pairs a table with its tablet map
type TableTablets struct {
	Table   model.TableID
	Tablets *model.TabletMap
}

// Snapshot is an immutable, versioned view of cluster topology and tablet
// placement. A snapshot is built once and never mutated; planning calls that
// span a topology change must be restarted with a fresh snapshot.
type Snapshot struct {
	version   int64
	nodes     map[model.HostID]model.Node
	dcs       []string
	tables    []TableTablets
	keyspaces []model.Keyspace
}

// Version returns the topology version the snapshot was built from
func (s *Snapshot) Version() int64 {
	return s.version
}

// Datacenters returns the names of all datacenters, sorted
func (s *Snapshot) Datacenters() []string {
	return s.dcs
}

// Node looks up a node by host. Missing hosts indicate a programmer error
// in snapshot construction.
func (s *Snapshot) Node(host model.HostID) (model.Node, bool) {
	n, ok := s.nodes[host]
	return n, ok
}

// NodeCount returns the number of nodes in the snapshot
func (s *Snapshot) NodeCount() int {
	return len(s.nodes)
}

// ForEachNormalNodeIn invokes f for every node in NORMAL state whose DC
// matches dc, in ascending host order.
func (s *Snapshot) ForEachNormalNodeIn(dc string, f func(model.Node)) {
	hosts := make([]model.HostID, 0, len(s.nodes))
	for host := range s.nodes {
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hostLess(hosts[i], hosts[j])
	})
	for _, host := range hosts {
		n := s.nodes[host]
		if n.IsNormal() && n.DC == dc {
			f(n)
		}
	}
}

// Tables returns all tables with their tablet maps, in insertion order
func (s *Snapshot) Tables() []TableTablets {
	return s.tables
}

// Keyspaces returns all keyspaces known to the snapshot
func (s *Snapshot) Keyspaces() []model.Keyspace {
	return s.keyspaces
}

func hostLess(a, b model.HostID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Builder assembles an immutable Snapshot
type Builder struct {
	version   int64
	nodes     map[model.HostID]model.Node
	tables    []TableTablets
	keyspaces []model.Keyspace
}

// NewBuilder creates a builder for the given topology version
func NewBuilder(version int64) *Builder {
	return &Builder{
		version: version,
		nodes:   make(map[model.HostID]model.Node),
	}
}

// AddNode registers a node. Adding the same host twice overwrites the
// previous entry.
func (b *Builder) AddNode(n model.Node) *Builder {
	b.nodes[n.Host] = n
	return b
}

// AddTable registers a table with its tablet map
func (b *Builder) AddTable(table model.TableID, tablets *model.TabletMap) *Builder {
	b.tables = append(b.tables, TableTablets{Table: table, Tablets: tablets})
	return b
}

// AddKeyspace registers a keyspace
func (b *Builder) AddKeyspace(ks model.Keyspace) *Builder {
	b.keyspaces = append(b.keyspaces, ks)
	return b
}

// Build validates replica references and returns the snapshot. A replica
// placed on an unknown host is rejected here; shard-range violations on
// known hosts are left to the planner, which treats them as fatal to the
// planning round.
func (b *Builder) Build() (*Snapshot, error) {
	for _, tt := range b.tables {
		err := tt.Tablets.ForEachTablet(func(tid model.TabletID, ti model.TabletInfo) error {
			for _, r := range ti.Replicas {
				if _, ok := b.nodes[r.Host]; !ok {
					return fmt.Errorf("tablet %d replica %s references unknown host", tid, r)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", tt.Table, err)
		}
	}

	dcSet := make(map[string]struct{})
	for _, n := range b.nodes {
		dcSet[n.DC] = struct{}{}
	}
	dcs := make([]string, 0, len(dcSet))
	for dc := range dcSet {
		dcs = append(dcs, dc)
	}
	sort.Strings(dcs)

	return &Snapshot{
		version:   b.version,
		nodes:     b.nodes,
		dcs:       dcs,
		tables:    b.tables,
		keyspaces: b.keyspaces,
	}, nil
}
