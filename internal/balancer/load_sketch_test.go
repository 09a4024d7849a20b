package balancer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

func TestLoadSketchSpreadsOverLeastLoadedShards(t *testing.T) {
	host := testHost(1)
	table := testTable(1)

	nodes := []model.Node{testNode(host, "dc1", "rack1", 3)}
	tables := map[model.TableID]map[model.TabletID]model.TabletInfo{
		table: {
			0: {Replicas: []model.TabletReplica{{Host: host, Shard: 0}}},
			1: {Replicas: []model.TabletReplica{{Host: host, Shard: 0}}},
			2: {Replicas: []model.TabletReplica{{Host: host, Shard: 1}}},
		},
	}
	snap := buildSnapshot(t, nodes, tables)

	sketch := NewLoadSketch(snap)
	require.NoError(t, sketch.Populate(context.Background(), host))

	// Shard loads are {0: 2, 1: 1, 2: 0}; assignments fill the gaps first
	assert.Equal(t, model.ShardID(2), sketch.NextShard(host))
	assert.Equal(t, model.ShardID(1), sketch.NextShard(host))
	assert.Equal(t, model.ShardID(2), sketch.NextShard(host))

	// All shards are now at two tablets; ties break toward the lowest id
	assert.Equal(t, model.ShardID(0), sketch.NextShard(host))
}

func TestLoadSketchEmptyNode(t *testing.T) {
	host := testHost(1)
	nodes := []model.Node{testNode(host, "dc1", "rack1", 2)}
	snap := buildSnapshot(t, nodes, nil)

	sketch := NewLoadSketch(snap)
	require.NoError(t, sketch.Populate(context.Background(), host))

	assert.Equal(t, model.ShardID(0), sketch.NextShard(host))
	assert.Equal(t, model.ShardID(1), sketch.NextShard(host))
	assert.Equal(t, model.ShardID(0), sketch.NextShard(host))
}

func TestLoadSketchUnknownHost(t *testing.T) {
	host := testHost(1)
	nodes := []model.Node{testNode(host, "dc1", "rack1", 2)}
	snap := buildSnapshot(t, nodes, nil)

	sketch := NewLoadSketch(snap)
	err := sketch.Populate(context.Background(), testHost(9))
	require.ErrorIs(t, err, ErrInvalidTopology)
}

func TestLoadSketchShardOutOfRange(t *testing.T) {
	host := testHost(1)
	table := testTable(1)

	nodes := []model.Node{testNode(host, "dc1", "rack1", 2)}
	tables := map[model.TableID]map[model.TabletID]model.TabletInfo{
		table: {
			0: {Replicas: []model.TabletReplica{{Host: host, Shard: 5}}},
		},
	}
	snap := buildSnapshot(t, nodes, tables)

	sketch := NewLoadSketch(snap)
	err := sketch.Populate(context.Background(), host)
	require.ErrorIs(t, err, ErrInvalidTopology)
}
