package model

// NodeState represents the lifecycle state of a cluster node
type NodeState string

const (
	// NodeStateNormal indicates a fully operational node
	NodeStateNormal NodeState = "NORMAL"
	// NodeStateBootstrapping indicates a node receiving historical data
	NodeStateBootstrapping NodeState = "BOOTSTRAPPING"
	// NodeStateLeaving indicates a node transferring data before removal
	NodeStateLeaving NodeState = "LEAVING"
	// NodeStateDown indicates a failed or unreachable node
	NodeStateDown NodeState = "DOWN"
)

// Node is the topology view of a single cluster node
type Node struct {
	Host       HostID    `json:"host"`
	DC         string    `json:"dc"`
	Rack       string    `json:"rack"`
	State      NodeState `json:"state"`
	ShardCount uint32    `json:"shard_count"`
}

// IsNormal reports whether the node participates in balancing
func (n Node) IsNormal() bool {
	return n.State == NodeStateNormal
}

// Keyspace describes a keyspace and whether its replication strategy
// allocates tablets
type Keyspace struct {
	Name              string   `json:"name"`
	ReplicationFactor int      `json:"replication_factor"`
	TabletAware       bool     `json:"tablet_aware"`
	Tables            []string `json:"tables"`
}
