package model

import (
	"fmt"

	"github.com/google/uuid"
)

// HostID uniquely identifies a node in the cluster
type HostID = uuid.UUID

// TableID uniquely identifies a table across all keyspaces
type TableID = uuid.UUID

// ShardID identifies an execution shard within a node.
// Valid values are 0 <= shard < node.ShardCount.
type ShardID uint32

// TabletID identifies a tablet within one table's tablet map
type TabletID uint64

// TabletReplica is the placement of one tablet replica at a (node, shard) pair
type TabletReplica struct {
	Host  HostID  `json:"host"`
	Shard ShardID `json:"shard"`
}

func (r TabletReplica) String() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Shard)
}

// GlobalTabletID identifies a tablet across the cluster
type GlobalTabletID struct {
	Table  TableID  `json:"table"`
	Tablet TabletID `json:"tablet"`
}

func (id GlobalTabletID) String() string {
	return fmt.Sprintf("%s/%d", id.Table, id.Tablet)
}

// Less orders tablets by (table, tablet). Used to keep candidate
// iteration deterministic.
func (id GlobalTabletID) Less(other GlobalTabletID) bool {
	for i := range id.Table {
		if id.Table[i] != other.Table[i] {
			return id.Table[i] < other.Table[i]
		}
	}
	return id.Tablet < other.Tablet
}

// TabletInfo describes the replica set of a single tablet.
// The list has replication-factor length and all hosts are distinct.
type TabletInfo struct {
	Replicas []TabletReplica `json:"replicas"`
}

// HasReplicaOn reports whether any replica of the tablet lives on the given host
func (ti TabletInfo) HasReplicaOn(host HostID) bool {
	for _, r := range ti.Replicas {
		if r.Host == host {
			return true
		}
	}
	return false
}

// TabletTransition records an in-flight tablet move
type TabletTransition struct {
	Tablet TabletID      `json:"tablet"`
	Next   TabletReplica `json:"next"`
}

// TabletMap holds the tablet placement of one table: the replica set of every
// tablet plus any pending transitions. A map with pending transitions must not
// be planned over.
type TabletMap struct {
	tablets     map[TabletID]TabletInfo
	order       []TabletID
	transitions map[TabletID]TabletTransition
}

// NewTabletMap creates a tablet map from a placement. Iteration order over
// tablets follows ascending TabletID.
func NewTabletMap(tablets map[TabletID]TabletInfo) *TabletMap {
	order := make([]TabletID, 0, len(tablets))
	for tid := range tablets {
		order = append(order, tid)
	}
	sortTabletIDs(order)
	return &TabletMap{
		tablets:     tablets,
		order:       order,
		transitions: make(map[TabletID]TabletTransition),
	}
}

func sortTabletIDs(ids []TabletID) {
	// Insertion sort; tablet maps are built once and the id space is dense.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// TabletCount returns the number of tablets in the map
func (m *TabletMap) TabletCount() int {
	return len(m.order)
}

// TabletInfo returns the replica set of the given tablet
func (m *TabletMap) TabletInfo(id TabletID) (TabletInfo, bool) {
	ti, ok := m.tablets[id]
	return ti, ok
}

// ForEachTablet yields every (TabletID, TabletInfo) pair in ascending tablet
// order. Iteration stops early if f returns an error.
func (m *TabletMap) ForEachTablet(f func(TabletID, TabletInfo) error) error {
	for _, tid := range m.order {
		if err := f(tid, m.tablets[tid]); err != nil {
			return err
		}
	}
	return nil
}

// HasPendingTransitions reports whether any tablet move is in flight
func (m *TabletMap) HasPendingTransitions() bool {
	return len(m.transitions) > 0
}

// AddTransition records an in-flight move for a tablet
func (m *TabletMap) AddTransition(t TabletTransition) {
	m.transitions[t.Tablet] = t
}
