package balancer

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

// shardLoad tracks one shard of a source node: its live tablet count and the
// tablets still replicated there that may be migrated away.
type shardLoad struct {
	tabletCount uint64

	// Sorted ascending by GlobalTabletID; consumed from the end so that
	// candidate selection is deterministic for a given snapshot.
	candidates []model.GlobalTabletID
}

// nodeLoad tracks the balancing state of one node for the duration of a
// per-DC planning call.
type nodeLoad struct {
	node        model.Node
	tabletCount uint64

	// Average per-shard tablet count; the metric being equalized.
	avgLoad float64

	shards       []shardLoad
	shardsByLoad shardLoadHeap
}

func (n *nodeLoad) update() {
	n.avgLoad = n.avgLoadIf(n.tabletCount)
}

func (n *nodeLoad) avgLoadIf(tablets uint64) float64 {
	return float64(tablets) / float64(n.node.ShardCount)
}

// shardLoadHeap is a max-heap of shard ids keyed by the owning node's
// per-shard tablet count.
type shardLoadHeap struct {
	ids   []model.ShardID
	loads []shardLoad
}

func (h *shardLoadHeap) Len() int { return len(h.ids) }

func (h *shardLoadHeap) Less(i, j int) bool {
	return h.loads[h.ids[i]].tabletCount > h.loads[h.ids[j]].tabletCount
}

func (h *shardLoadHeap) Swap(i, j int) { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }

func (h *shardLoadHeap) Push(x any) { h.ids = append(h.ids, x.(model.ShardID)) }

func (h *shardLoadHeap) Pop() any {
	old := h.ids
	n := len(old)
	x := old[n-1]
	h.ids = old[:n-1]
	return x
}

// nodeLoadHeap is a max-heap of hosts keyed by avg_load.
type nodeLoadHeap struct {
	hosts []model.HostID
	nodes map[model.HostID]*nodeLoad
}

func (h *nodeLoadHeap) Len() int { return len(h.hosts) }

func (h *nodeLoadHeap) Less(i, j int) bool {
	return h.nodes[h.hosts[i]].avgLoad > h.nodes[h.hosts[j]].avgLoad
}

func (h *nodeLoadHeap) Swap(i, j int) { h.hosts[i], h.hosts[j] = h.hosts[j], h.hosts[i] }

func (h *nodeLoadHeap) Push(x any) { h.hosts = append(h.hosts, x.(model.HostID)) }

func (h *nodeLoadHeap) Pop() any {
	old := h.hosts
	n := len(old)
	x := old[n-1]
	h.hosts = old[:n-1]
	return x
}

// planDC produces a migration plan for a single datacenter. The plan is a
// bounded increment: at most one migration per target shard. Balance is
// reached by invoking the planner iteratively until it returns an empty plan.
func (b *Balancer) planDC(ctx context.Context, view View, dc string) (model.MigrationPlan, error) {
	b.logger.Info("Examining DC", zap.String("dc", dc))

	// Select the subset of nodes to balance.

	nodes := make(map[model.HostID]*nodeLoad)
	var hostOrder []model.HostID
	var badNode *model.Node
	view.ForEachNormalNodeIn(dc, func(n model.Node) {
		if n.ShardCount == 0 && badNode == nil {
			bad := n
			badNode = &bad
			return
		}
		nodes[n.Host] = &nodeLoad{
			node:   n,
			shards: make([]shardLoad, n.ShardCount),
		}
		hostOrder = append(hostOrder, n.Host)
	})
	if badNode != nil {
		return nil, fmt.Errorf("%w: host %s has zero shards", ErrInvalidTopology, badNode.Host)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	// Ascending host order keeps tie-breaking deterministic.
	sort.Slice(hostOrder, func(i, j int) bool { return hostOrder[i].String() < hostOrder[j].String() })

	// Compute tablet load on nodes.

	for _, tt := range view.Tables() {
		err := tt.Tablets.ForEachTablet(func(tid model.TabletID, ti model.TabletInfo) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, r := range ti.Replicas {
				load, ok := nodes[r.Host]
				if !ok {
					continue
				}
				load.tabletCount++
				// This invariant is assumed later.
				if uint32(r.Shard) >= load.node.ShardCount {
					gtid := model.GlobalTabletID{Table: tt.Table, Tablet: tid}
					return fmt.Errorf("%w: tablet %s replica %s targets non-existent shard",
						ErrInvalidTopology, gtid, r)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Compute load imbalance.

	var maxLoad, minLoad float64
	var minLoadNode *model.HostID
	for _, host := range hostOrder {
		load := nodes[host]
		load.update()
		if minLoadNode == nil || load.avgLoad < minLoad {
			minLoad = load.avgLoad
			h := host
			minLoadNode = &h
		}
		if load.avgLoad > maxLoad {
			maxLoad = load.avgLoad
		}
	}

	if maxLoad == minLoad {
		// Load is balanced. Intra-node shard balance is not evaluated here.
		return nil, nil
	}

	for host, load := range nodes {
		b.logger.Info("Node load",
			zap.String("dc", dc),
			zap.String("host", host.String()),
			zap.String("rack", load.node.Rack),
			zap.Float64("avg_load", load.avgLoad),
			zap.Uint64("tablets", load.tabletCount),
			zap.Uint32("shards", load.node.ShardCount))
	}

	target := *minLoadNode
	targetInfo := nodes[target]
	b.logger.Info("Selected target node",
		zap.String("dc", dc),
		zap.String("host", target.String()),
		zap.Float64("avg_load", minLoad),
		zap.Float64("max_load", maxLoad))

	// Saturate the target by planning one migration per target shard. This
	// assumes the target is internally balanced and that migrations complete
	// at a similar rate; neither holds in general and a follow-on pass that
	// rebalances the target internally would remove the first assumption.
	batchSize := int(targetInfo.node.ShardCount)

	// Compute per-shard load and candidate tablets.

	for _, tt := range view.Tables() {
		if tt.Tablets.HasPendingTransitions() {
			// Balancing over in-flight transitions is not supported; they
			// must finish first.
			b.logger.Warn("Pending tablet transitions active, skipping DC",
				zap.String("dc", dc),
				zap.String("table", tt.Table.String()))
			return nil, nil
		}

		table := tt.Table
		err := tt.Tablets.ForEachTablet(func(tid model.TabletID, ti model.TabletInfo) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, r := range ti.Replicas {
				load, ok := nodes[r.Host]
				if !ok {
					continue
				}
				sl := &load.shards[r.Shard]
				if sl.tabletCount == 0 {
					load.shardsByLoad.ids = append(load.shardsByLoad.ids, r.Shard)
				}
				sl.tabletCount++
				sl.candidates = append(sl.candidates, model.GlobalTabletID{Table: table, Tablet: tid})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	// Prepare candidate nodes and shards for heap-based balancing.

	nodesByLoad := &nodeLoadHeap{
		hosts: make([]model.HostID, 0, len(nodes)),
		nodes: nodes,
	}
	for _, host := range hostOrder {
		load := nodes[host]
		nodesByLoad.hosts = append(nodesByLoad.hosts, host)
		load.shardsByLoad.loads = load.shards
		heap.Init(&load.shardsByLoad)
		for i := range load.shards {
			c := load.shards[i].candidates
			sort.Slice(c, func(a, b int) bool { return c[a].Less(c[b]) })
		}
	}
	heap.Init(nodesByLoad)

	sketch := NewLoadSketch(view)
	if err := sketch.Populate(ctx, target); err != nil {
		return nil, err
	}

	// Tablet replica lookup for collocation checks.
	tabletInfo := func(t model.GlobalTabletID) model.TabletInfo {
		for _, tt := range view.Tables() {
			if tt.Table == t.Table {
				ti, _ := tt.Tablets.TabletInfo(t.Tablet)
				return ti
			}
		}
		return model.TabletInfo{}
	}

	var plan model.MigrationPlan

	// Max load among nodes which ran out of candidates.
	maxOffCandidateLoad := 0.0

	for len(plan) < batchSize && nodesByLoad.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		srcHost := heap.Pop(nodesByLoad).(model.HostID)
		srcInfo := nodes[srcHost]

		// There are three sets of nodes: the target, candidates (still in
		// nodesByLoad) and off-candidates (removed from it). The target's
		// avg_load never exceeds any candidate's, and any candidate's never
		// exceeds any off-candidate's, because candidates leave the heap in
		// descending avg_load order and load inversion against the target is
		// prevented below. So the candidate maximum is srcInfo.avgLoad and
		// the off-candidate maximum is maxOffCandidateLoad; when the larger
		// of the two equals the target's load, every node is equal.
		if math.Max(maxOffCandidateLoad, srcInfo.avgLoad) == targetInfo.avgLoad {
			b.logger.Debug("Balance achieved", zap.String("dc", dc))
			break
		}

		// Off-candidate load may exceed the current candidate's, so this is
		// checked separately from the balance condition above.
		if srcInfo.avgLoad <= targetInfo.avgLoad {
			b.logger.Debug("No more candidate nodes",
				zap.String("next", srcHost.String()),
				zap.Float64("src_avg_load", srcInfo.avgLoad),
				zap.Float64("target_avg_load", targetInfo.avgLoad))
			break
		}

		// Prevent load inversion which can lead to oscillations.
		if srcInfo.avgLoadIf(srcInfo.tabletCount-1) < targetInfo.avgLoadIf(targetInfo.tabletCount+1) {
			b.logger.Debug("Load would be inverted, stopping",
				zap.String("next", srcHost.String()),
				zap.Float64("src_avg_load", srcInfo.avgLoad),
				zap.Float64("target_avg_load", targetInfo.avgLoad))
			break
		}

		if srcInfo.shardsByLoad.Len() == 0 {
			b.logger.Debug("Node ran out of candidate shards",
				zap.String("host", srcHost.String()),
				zap.Uint64("tablets_remaining", srcInfo.tabletCount))
			maxOffCandidateLoad = math.Max(maxOffCandidateLoad, srcInfo.avgLoad)
			continue
		}

		srcShard := heap.Pop(&srcInfo.shardsByLoad).(model.ShardID)
		src := model.TabletReplica{Host: srcHost, Shard: srcShard}
		shard := &srcInfo.shards[srcShard]
		if len(shard.candidates) == 0 {
			b.logger.Debug("Shard ran out of candidates",
				zap.String("replica", src.String()),
				zap.Uint64("tablets_remaining", shard.tabletCount))
			heap.Push(nodesByLoad, srcHost)
			continue
		}

		sourceTablet := shard.candidates[len(shard.candidates)-1]
		shard.candidates = shard.candidates[:len(shard.candidates)-1]

		// Check replication strategy constraints.

		sameRack := targetInfo.node.Rack == srcInfo.node.Rack
		rackLoad := make(map[string]int)
		hasReplicaOnTarget := false
		for _, r := range tabletInfo(sourceTablet).Replicas {
			if r.Host == target {
				hasReplicaOnTarget = true
				break
			}
			if !sameRack {
				if n, ok := view.Node(r.Host); ok && n.DC == dc {
					rackLoad[n.Rack]++
				}
			}
		}

		if hasReplicaOnTarget {
			b.logger.Debug("Candidate tablet has a replica on target, skipping",
				zap.String("tablet", sourceTablet.String()))
			heap.Push(&srcInfo.shardsByLoad, srcShard)
			heap.Push(nodesByLoad, srcHost)
			continue
		}

		// Make sure the move does not increase rack duplication in the
		// replica list. Within the same rack diversity cannot regress.
		if !sameRack {
			maxRackLoad := 0
			for _, c := range rackLoad {
				if c > maxRackLoad {
					maxRackLoad = c
				}
			}
			newRackLoad := rackLoad[targetInfo.node.Rack] + 1
			if newRackLoad > maxRackLoad {
				b.logger.Debug("Candidate tablet would worsen rack diversity, skipping",
					zap.String("tablet", sourceTablet.String()),
					zap.String("rack", targetInfo.node.Rack),
					zap.Int("new_rack_load", newRackLoad),
					zap.Int("max_rack_load", maxRackLoad))
				heap.Push(&srcInfo.shardsByLoad, srcShard)
				heap.Push(nodesByLoad, srcHost)
				continue
			}
		}

		dst := model.TabletReplica{Host: target, Shard: sketch.NextShard(target)}
		b.logger.Debug("Planned migration",
			zap.String("tablet", sourceTablet.String()),
			zap.String("src", src.String()),
			zap.String("dst", dst.String()))
		plan = append(plan, model.MigrationInfo{Tablet: sourceTablet, Src: src, Dst: dst})

		targetInfo.tabletCount++
		targetInfo.update()

		shard.tabletCount--
		if shard.tabletCount != 0 {
			heap.Push(&srcInfo.shardsByLoad, srcShard)
		}

		srcInfo.tabletCount--
		srcInfo.update()
		if srcInfo.tabletCount != 0 {
			heap.Push(nodesByLoad, srcHost)
		}
	}

	if len(plan) == 0 {
		// Replica collocation can make even balance unreachable. Nodes with
		// more shards hold replicas of more tablets, which rules out those
		// tablets as candidates on nodes with a higher per-shard load.
		b.logger.Info("Not possible to achieve balance", zap.String("dc", dc))
	}

	return plan, nil
}
