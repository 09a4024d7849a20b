package balancer

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

// LoadSketch tracks per-shard live tablet counts for nodes it has been
// populated for, and picks the next shard to receive a new replica so that
// successive assignments on a node spread round-robin over its least-loaded
// shards. Counts reflect the snapshot only; pending migrations from other
// rounds are not speculated.
type LoadSketch struct {
	view  View
	nodes map[model.HostID]*shardMinHeap
}

// NewLoadSketch creates an empty sketch over the given snapshot
func NewLoadSketch(view View) *LoadSketch {
	return &LoadSketch{
		view:  view,
		nodes: make(map[model.HostID]*shardMinHeap),
	}
}

// Populate initializes the sketch for one host from the live per-shard load
// in the snapshot. It must be called before NextShard for that host.
func (s *LoadSketch) Populate(ctx context.Context, host model.HostID) error {
	node, ok := s.view.Node(host)
	if !ok {
		return fmt.Errorf("%w: host %s not in topology", ErrInvalidTopology, host)
	}
	if node.ShardCount == 0 {
		return fmt.Errorf("%w: host %s has zero shards", ErrInvalidTopology, host)
	}

	counts := make([]uint64, node.ShardCount)
	for _, tt := range s.view.Tables() {
		err := tt.Tablets.ForEachTablet(func(tid model.TabletID, ti model.TabletInfo) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for _, r := range ti.Replicas {
				if r.Host != host {
					continue
				}
				if uint32(r.Shard) >= node.ShardCount {
					return fmt.Errorf("%w: tablet %d replica %s targets non-existent shard",
						ErrInvalidTopology, tid, r)
				}
				counts[r.Shard]++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	h := make(shardMinHeap, node.ShardCount)
	for i := range counts {
		h[i] = shardCounter{shard: model.ShardID(i), count: counts[i]}
	}
	heap.Init(&h)
	s.nodes[host] = &h
	return nil
}

// NextShard returns the shard of host with the lowest current tablet count,
// ties broken by lowest shard id, and increments that shard's count so that
// successive calls spread assignments.
func (s *LoadSketch) NextShard(host model.HostID) model.ShardID {
	h := s.nodes[host]
	top := &(*h)[0]
	shard := top.shard
	top.count++
	heap.Fix(h, 0)
	return shard
}

type shardCounter struct {
	shard model.ShardID
	count uint64
}

// shardMinHeap orders shards by tablet count, then by shard id so that
// tie-breaking is deterministic.
type shardMinHeap []shardCounter

func (h shardMinHeap) Len() int { return len(h) }

func (h shardMinHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count < h[j].count
	}
	return h[i].shard < h[j].shard
}

func (h shardMinHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *shardMinHeap) Push(x any) { *h = append(*h, x.(shardCounter)) }

func (h *shardMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
