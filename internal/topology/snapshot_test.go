package topology

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

func host(b byte) model.HostID {
	var u uuid.UUID
	u[15] = b
	return u
}

func table(b byte) model.TableID {
	var u uuid.UUID
	u[0] = 0xAB
	u[15] = b
	return u
}

func TestBuilderBuildsSnapshot(t *testing.T) {
	hostA := host(1)
	hostB := host(2)

	snap, err := NewBuilder(7).
		AddNode(model.Node{Host: hostA, DC: "dc1", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 2}).
		AddNode(model.Node{Host: hostB, DC: "dc2", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 4}).
		AddTable(table(1), model.NewTabletMap(map[model.TabletID]model.TabletInfo{
			0: {Replicas: []model.TabletReplica{{Host: hostA, Shard: 0}}},
		})).
		AddKeyspace(model.Keyspace{Name: "ks1", ReplicationFactor: 1, TabletAware: true}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, int64(7), snap.Version())
	assert.Equal(t, []string{"dc1", "dc2"}, snap.Datacenters())
	assert.Equal(t, 2, snap.NodeCount())
	assert.Len(t, snap.Tables(), 1)
	assert.Len(t, snap.Keyspaces(), 1)

	n, ok := snap.Node(hostA)
	require.True(t, ok)
	assert.Equal(t, uint32(2), n.ShardCount)

	_, ok = snap.Node(host(9))
	assert.False(t, ok)
}

func TestBuilderRejectsUnknownReplicaHost(t *testing.T) {
	hostA := host(1)

	_, err := NewBuilder(1).
		AddNode(model.Node{Host: hostA, DC: "dc1", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 2}).
		AddTable(table(1), model.NewTabletMap(map[model.TabletID]model.TabletInfo{
			0: {Replicas: []model.TabletReplica{{Host: host(9), Shard: 0}}},
		})).
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown host")
}

func TestForEachNormalNodeInFiltersStateAndDC(t *testing.T) {
	hostA := host(1)
	hostB := host(2)
	hostC := host(3)
	hostD := host(4)

	snap, err := NewBuilder(1).
		AddNode(model.Node{Host: hostA, DC: "dc1", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 1}).
		AddNode(model.Node{Host: hostB, DC: "dc1", Rack: "rack1", State: model.NodeStateLeaving, ShardCount: 1}).
		AddNode(model.Node{Host: hostC, DC: "dc2", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 1}).
		AddNode(model.Node{Host: hostD, DC: "dc1", Rack: "rack2", State: model.NodeStateNormal, ShardCount: 1}).
		Build()
	require.NoError(t, err)

	var visited []model.HostID
	snap.ForEachNormalNodeIn("dc1", func(n model.Node) {
		visited = append(visited, n.Host)
	})

	// Ascending host order, normal nodes of dc1 only
	assert.Equal(t, []model.HostID{hostA, hostD}, visited)
}

func TestTabletMapIterationOrder(t *testing.T) {
	hostA := host(1)

	tm := model.NewTabletMap(map[model.TabletID]model.TabletInfo{
		2: {Replicas: []model.TabletReplica{{Host: hostA, Shard: 0}}},
		0: {Replicas: []model.TabletReplica{{Host: hostA, Shard: 0}}},
		1: {Replicas: []model.TabletReplica{{Host: hostA, Shard: 0}}},
	})

	var order []model.TabletID
	err := tm.ForEachTablet(func(tid model.TabletID, _ model.TabletInfo) error {
		order = append(order, tid)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.TabletID{0, 1, 2}, order)
	assert.Equal(t, 3, tm.TabletCount())
	assert.False(t, tm.HasPendingTransitions())

	tm.AddTransition(model.TabletTransition{Tablet: 1, Next: model.TabletReplica{Host: hostA, Shard: 0}})
	assert.True(t, tm.HasPendingTransitions())
}
