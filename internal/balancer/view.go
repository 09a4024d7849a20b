package balancer

import (
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/topology"
)

// View is the read-only topology port consumed by the planner. A View must be
// a stable snapshot for the duration of one planning call; topology.Snapshot
// is the canonical implementation.
type View interface {
	// Version returns the topology version of the snapshot
	Version() int64
	// Datacenters returns the datacenters to plan over
	Datacenters() []string
	// ForEachNormalNodeIn invokes f for every NORMAL node in the datacenter
	ForEachNormalNodeIn(dc string, f func(model.Node))
	// Node performs a constant-time node lookup
	Node(host model.HostID) (model.Node, bool)
	// Tables returns every table with its tablet map
	Tables() []topology.TableTablets
}
