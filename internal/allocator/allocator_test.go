package allocator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/balancer"
	"github.com/devrev/tabletdb/balancer/internal/metrics"
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/topology"
)

// promauto registers against the default registry, so all tests share one
// metrics instance
var testMetrics = metrics.NewMetrics()

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

type staticSource struct {
	snap *topology.Snapshot
}

func (s *staticSource) Current(ctx context.Context) (balancer.View, error) {
	return s.snap, nil
}

func emptyCluster(t *testing.T, shardCounts map[byte]uint32, racks map[byte]string) *topology.Snapshot {
	t.Helper()
	b := topology.NewBuilder(1)
	for id, shards := range shardCounts {
		b.AddNode(model.Node{
			Host:       host(id),
			DC:         "dc1",
			Rack:       racks[id],
			State:      model.NodeStateNormal,
			ShardCount: shards,
		})
	}
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

func TestOnBeforeCreateTableAllocatesTabletMap(t *testing.T) {
	snap := emptyCluster(t,
		map[byte]uint32{1: 2, 2: 2, 3: 2, 4: 2},
		map[byte]string{1: "rack1", 2: "rack1", 3: "rack2", 4: "rack2"},
	)
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 2, TabletAware: true}
	tbl := table(1)

	muts, err := notifier.NotifyBeforeCreateTable(context.Background(), ks, tbl, 42)
	require.NoError(t, err)
	require.Len(t, muts, 1)

	mut := muts[0]
	assert.Equal(t, MutationSetTabletMap, mut.Kind)
	assert.Equal(t, "ks1", mut.Keyspace)
	assert.Equal(t, tbl, mut.Table)
	assert.Equal(t, int64(42), mut.Timestamp)

	// 8 shards at RF 2 target 4 tablets (already a power of two)
	require.Len(t, mut.Tablets, 4)

	for tid, info := range mut.Tablets {
		require.Len(t, info.Replicas, 2, "tablet %d", tid)

		// Replicas land on distinct hosts in distinct racks
		hosts := make(map[model.HostID]bool)
		rackSet := make(map[string]bool)
		for _, r := range info.Replicas {
			assert.False(t, hosts[r.Host], "tablet %d reuses host %s", tid, r.Host)
			hosts[r.Host] = true

			n, ok := snap.Node(r.Host)
			require.True(t, ok)
			rackSet[n.Rack] = true
			assert.Less(t, uint32(r.Shard), n.ShardCount)
		}
		assert.Len(t, rackSet, 2, "tablet %d is not rack diverse", tid)
	}

	// The sketch spreads replicas evenly: 8 replicas over 8 shards
	shardUse := make(map[model.TabletReplica]int)
	for _, info := range mut.Tablets {
		for _, r := range info.Replicas {
			shardUse[r]++
		}
	}
	for replica, count := range shardUse {
		assert.Equal(t, 1, count, "replica slot %s over-assigned", replica)
	}
}

func TestOnBeforeCreateTableRoundsTabletCountUp(t *testing.T) {
	snap := emptyCluster(t,
		map[byte]uint32{1: 3, 2: 3, 3: 3},
		map[byte]string{1: "rack1", 2: "rack2", 3: "rack3"},
	)
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 3, TabletAware: true}

	muts, err := notifier.NotifyBeforeCreateTable(context.Background(), ks, table(1), 1)
	require.NoError(t, err)
	require.Len(t, muts, 1)

	// ceil(9 shards / RF 3) = 3, rounded up to 4
	assert.Len(t, muts[0].Tablets, 4)
}

func TestOnBeforeCreateTableSkipsNonTabletKeyspace(t *testing.T) {
	snap := emptyCluster(t, map[byte]uint32{1: 2}, map[byte]string{1: "rack1"})
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 3, TabletAware: false}

	muts, err := notifier.NotifyBeforeCreateTable(context.Background(), ks, table(1), 1)
	require.NoError(t, err)
	assert.Empty(t, muts)
}

func TestOnBeforeCreateTableNotEnoughNodes(t *testing.T) {
	snap := emptyCluster(t,
		map[byte]uint32{1: 2, 2: 2},
		map[byte]string{1: "rack1", 2: "rack2"},
	)
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 3, TabletAware: true}

	_, err := notifier.NotifyBeforeCreateTable(context.Background(), ks, table(1), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough nodes")
}

func TestOnBeforeDropTable(t *testing.T) {
	snap := emptyCluster(t, map[byte]uint32{1: 2}, map[byte]string{1: "rack1"})
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 1, TabletAware: true}
	tbl := table(1)

	muts, err := notifier.NotifyBeforeDropTable(context.Background(), ks, tbl, 7)
	require.NoError(t, err)
	require.Len(t, muts, 1)
	assert.Equal(t, MutationDropTabletMap, muts[0].Kind)
	assert.Equal(t, tbl, muts[0].Table)
	assert.Equal(t, int64(7), muts[0].Timestamp)
	assert.Nil(t, muts[0].Tablets)
}

func TestOnBeforeDropKeyspace(t *testing.T) {
	snap := emptyCluster(t, map[byte]uint32{1: 2}, map[byte]string{1: "rack1"})
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	defer alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 1, TabletAware: true}
	tables := []model.TableID{table(1), table(2), table(3)}

	muts, err := notifier.NotifyBeforeDropKeyspace(context.Background(), ks, tables, 9)
	require.NoError(t, err)
	require.Len(t, muts, 3)
	for i, mut := range muts {
		assert.Equal(t, MutationDropTabletMap, mut.Kind)
		assert.Equal(t, tables[i], mut.Table)
	}
}

func TestUnregisteredListenerReceivesNoEvents(t *testing.T) {
	snap := emptyCluster(t, map[byte]uint32{1: 2}, map[byte]string{1: "rack1"})
	notifier := NewSchemaNotifier()
	alloc := New(notifier, &staticSource{snap: snap}, testMetrics, zap.NewNop())
	alloc.Stop()

	ks := model.Keyspace{Name: "ks1", ReplicationFactor: 1, TabletAware: true}

	muts, err := notifier.NotifyBeforeCreateTable(context.Background(), ks, table(1), 1)
	require.NoError(t, err)
	assert.Empty(t, muts)
}

func TestNextPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint64(1), nextPowerOfTwo(0))
	assert.Equal(t, uint64(1), nextPowerOfTwo(1))
	assert.Equal(t, uint64(2), nextPowerOfTwo(2))
	assert.Equal(t, uint64(4), nextPowerOfTwo(3))
	assert.Equal(t, uint64(8), nextPowerOfTwo(5))
	assert.Equal(t, uint64(16), nextPowerOfTwo(16))
}
