package allocator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/balancer"
	"github.com/devrev/tabletdb/balancer/internal/metrics"
	"github.com/devrev/tabletdb/balancer/internal/model"
)

// SnapshotSource supplies the current topology snapshot to the schema path
type SnapshotSource interface {
	Current(ctx context.Context) (balancer.View, error)
}

// Allocator participates in schema DDL: it allocates tablet maps for new
// tables in tablet-aware keyspaces and emits cleanup mutations when tables or
// keyspaces are dropped. It registers itself with the schema notifier on
// construction and must be stopped to unregister.
type Allocator struct {
	notifier  *SchemaNotifier
	snapshots SnapshotSource
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates an allocator and registers it with the notifier
func New(notifier *SchemaNotifier, snapshots SnapshotSource, m *metrics.Metrics, logger *zap.Logger) *Allocator {
	a := &Allocator{
		notifier:  notifier,
		snapshots: snapshots,
		metrics:   m,
		logger:    logger,
	}
	notifier.RegisterListener(a)
	return a
}

// Stop unregisters the allocator from the schema notifier
func (a *Allocator) Stop() {
	a.notifier.UnregisterListener(a)
}

// OnBeforeCreateTable allocates a fresh tablet map for the new table when the
// keyspace's replication strategy is tablet-aware.
func (a *Allocator) OnBeforeCreateTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error) {
	if !ks.TabletAware {
		return nil, nil
	}

	started := time.Now()

	snap, err := a.snapshots.Current(ctx)
	if err != nil {
		a.metrics.RecordAllocation("error", time.Since(started).Seconds())
		return nil, fmt.Errorf("failed to load topology snapshot: %w", err)
	}

	tablets, err := a.allocateTablets(ctx, snap, ks.ReplicationFactor)
	if err != nil {
		a.metrics.RecordAllocation("error", time.Since(started).Seconds())
		return nil, fmt.Errorf("failed to allocate tablets for table %s: %w", table, err)
	}
	a.metrics.RecordAllocation("ok", time.Since(started).Seconds())

	a.logger.Info("Allocated tablet map for new table",
		zap.String("keyspace", ks.Name),
		zap.String("table", table.String()),
		zap.Int("tablets", len(tablets)),
		zap.Int("replication_factor", ks.ReplicationFactor))

	return []Mutation{{
		Kind:      MutationSetTabletMap,
		Keyspace:  ks.Name,
		Table:     table,
		Tablets:   tablets,
		Timestamp: ts,
	}}, nil
}

// OnBeforeDropTable emits a mutation removing the table's tablet map
func (a *Allocator) OnBeforeDropTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error) {
	if !ks.TabletAware {
		return nil, nil
	}

	a.logger.Info("Dropping tablet map",
		zap.String("keyspace", ks.Name),
		zap.String("table", table.String()))

	return []Mutation{{
		Kind:      MutationDropTabletMap,
		Keyspace:  ks.Name,
		Table:     table,
		Timestamp: ts,
	}}, nil
}

// OnBeforeDropKeyspace emits a drop-tablet-map mutation for every table in
// the keyspace
func (a *Allocator) OnBeforeDropKeyspace(ctx context.Context, ks model.Keyspace, tables []model.TableID, ts int64) ([]Mutation, error) {
	if !ks.TabletAware {
		return nil, nil
	}

	muts := make([]Mutation, 0, len(tables))
	for _, table := range tables {
		muts = append(muts, Mutation{
			Kind:      MutationDropTabletMap,
			Keyspace:  ks.Name,
			Table:     table,
			Timestamp: ts,
		})
	}

	a.logger.Info("Dropping tablet maps for keyspace",
		zap.String("keyspace", ks.Name),
		zap.Int("tables", len(tables)))

	return muts, nil
}

// allocateTablets computes the initial tablet placement for a new table. The
// tablet count targets roughly one replica per shard in the cluster, rounded
// up to a power of two. Replicas are spread over distinct hosts interleaved
// across racks, and within each host the load sketch picks the least-loaded
// shard.
func (a *Allocator) allocateTablets(ctx context.Context, snap balancer.View, rf int) (map[model.TabletID]model.TabletInfo, error) {
	if rf <= 0 {
		return nil, fmt.Errorf("replication factor must be positive, got %d", rf)
	}

	var hosts []model.Node
	for _, dc := range snap.Datacenters() {
		snap.ForEachNormalNodeIn(dc, func(n model.Node) {
			hosts = append(hosts, n)
		})
	}
	if len(hosts) < rf {
		return nil, fmt.Errorf("not enough nodes for replication factor: have %d, need %d", len(hosts), rf)
	}

	var totalShards uint64
	for _, n := range hosts {
		totalShards += uint64(n.ShardCount)
	}

	tabletCount := nextPowerOfTwo(divCeil(totalShards, uint64(rf)))

	sketch := balancer.NewLoadSketch(snap)
	for _, n := range hosts {
		if err := sketch.Populate(ctx, n.Host); err != nil {
			return nil, err
		}
	}

	sequence := rackInterleaved(hosts)

	tablets := make(map[model.TabletID]model.TabletInfo, tabletCount)
	for t := uint64(0); t < tabletCount; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		replicas := make([]model.TabletReplica, 0, rf)
		for i := 0; i < rf; i++ {
			host := sequence[(int(t)*rf+i)%len(sequence)].Host
			replicas = append(replicas, model.TabletReplica{
				Host:  host,
				Shard: sketch.NextShard(host),
			})
		}
		tablets[model.TabletID(t)] = model.TabletInfo{Replicas: replicas}
	}
	return tablets, nil
}

// rackInterleaved orders hosts so that consecutive entries come from
// different racks wherever possible. Taking RF consecutive entries then
// yields a rack-diverse replica set.
func rackInterleaved(hosts []model.Node) []model.Node {
	byRack := make(map[string][]model.Node)
	for _, h := range hosts {
		byRack[h.Rack] = append(byRack[h.Rack], h)
	}

	racks := make([]string, 0, len(byRack))
	for rack := range byRack {
		racks = append(racks, rack)
	}
	sort.Strings(racks)
	for _, rack := range racks {
		rackHosts := byRack[rack]
		sort.Slice(rackHosts, func(i, j int) bool {
			return rackHosts[i].Host.String() < rackHosts[j].Host.String()
		})
	}

	out := make([]model.Node, 0, len(hosts))
	for len(out) < len(hosts) {
		for _, rack := range racks {
			if len(byRack[rack]) == 0 {
				continue
			}
			out = append(out, byRack[rack][0])
			byRack[rack] = byRack[rack][1:]
		}
	}
	return out
}

func divCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
