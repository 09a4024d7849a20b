package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/tabletdb/balancer/internal/balancer"
	"github.com/devrev/tabletdb/balancer/internal/metrics"
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/store"
)

// PlanExecutor hands a prepared plan off for execution. Execution happens
// elsewhere; the balancer only plans.
type PlanExecutor interface {
	Execute(ctx context.Context, plan model.MigrationPlan, topologyVersion int64) error
}

// InstanceStatusReporter receives this instance's planning state for
// propagation to peer balancer instances
type InstanceStatusReporter interface {
	UpdateStatus(status InstanceStatus, leaseHeld bool)
}

// PlanResult captures the outcome of one planning round
type PlanResult struct {
	Plan            model.MigrationPlan `json:"plan"`
	TopologyVersion int64               `json:"topology_version"`
	PlannedAt       time.Time           `json:"planned_at"`
}

// BalanceService runs the periodic planning loop. Each round takes the
// planning lease, loads a fresh topology snapshot, prepares a migration plan
// and hands it to the executor. Manually triggered rounds are rate limited so
// a trigger storm cannot starve the stores; scheduled rounds are paced by the
// ticker.
type BalanceService struct {
	topologyStore store.TopologyStore
	leaseStore    store.LeaseStore
	balancer      *balancer.Balancer
	executor      PlanExecutor
	metrics       *metrics.Metrics
	logger        *zap.Logger

	nodeID   string
	interval time.Duration
	leaseTTL time.Duration
	limiter  *rate.Limiter

	statusReporter InstanceStatusReporter

	mu       sync.RWMutex
	lastPlan *PlanResult
}

// NewBalanceService creates a new balance service. leaseStore may be nil for
// single-instance deployments; executor may be nil when plans are only
// recorded.
func NewBalanceService(
	topologyStore store.TopologyStore,
	leaseStore store.LeaseStore,
	bal *balancer.Balancer,
	executor PlanExecutor,
	m *metrics.Metrics,
	nodeID string,
	interval time.Duration,
	leaseTTL time.Duration,
	logger *zap.Logger,
) *BalanceService {
	return &BalanceService{
		topologyStore: topologyStore,
		leaseStore:    leaseStore,
		balancer:      bal,
		executor:      executor,
		metrics:       m,
		logger:        logger,
		nodeID:        nodeID,
		interval:      interval,
		leaseTTL:      leaseTTL,
		limiter:       rate.NewLimiter(rate.Every(interval), 1),
	}
}

// SetStatusReporter registers the receiver of this instance's planning
// state, typically the gossip service
func (s *BalanceService) SetStatusReporter(r InstanceStatusReporter) {
	s.statusReporter = r
}

// Run executes planning rounds until the context is canceled
func (s *BalanceService) Run(ctx context.Context) error {
	s.logger.Info("Starting balance loop",
		zap.String("node_id", s.nodeID),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Balance loop stopped")
			s.releaseLease()
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.runOnce(ctx); err != nil {
				s.logger.Error("Planning round failed", zap.Error(err))
			}
		}
	}
}

// RunOnce executes a single manually triggered planning round. Manual
// triggers are rate limited so an admin retry storm cannot starve the
// stores; scheduled rounds bypass the limiter since the ticker already
// paces them.
func (s *BalanceService) RunOnce(ctx context.Context) (*PlanResult, error) {
	if !s.limiter.Allow() {
		return nil, fmt.Errorf("planning rate limit exceeded")
	}
	return s.runOnce(ctx)
}

// runOnce executes one planning round. Returns the prepared plan, or nil
// when this instance does not hold the planning lease.
func (s *BalanceService) runOnce(ctx context.Context) (*PlanResult, error) {
	held, err := s.acquireLease(ctx)
	if err != nil {
		return nil, err
	}
	if !held {
		s.logger.Debug("Planning lease held elsewhere, skipping round")
		s.reportStatus(InstanceStatusHealthy, false)
		return nil, nil
	}

	started := time.Now()

	snap, err := s.topologyStore.LoadSnapshot(ctx)
	if err != nil {
		s.metrics.RecordPlan("error", time.Since(started).Seconds())
		s.metrics.RecordPlanError("snapshot_load")
		s.reportStatus(InstanceStatusDegraded, true)
		return nil, fmt.Errorf("failed to load topology snapshot: %w", err)
	}

	s.publishTopologyMetrics(snap)

	plan, err := s.balancer.MakePlan(ctx, snap)
	if err != nil {
		s.metrics.RecordPlan("error", time.Since(started).Seconds())
		s.metrics.RecordPlanError("planning")
		s.reportStatus(InstanceStatusDegraded, true)
		return nil, fmt.Errorf("failed to prepare plan: %w", err)
	}

	if err := s.topologyStore.SavePlan(ctx, plan, snap.Version()); err != nil {
		s.logger.Warn("Failed to record plan", zap.Error(err))
	}

	for _, dc := range snap.Datacenters() {
		count := 0
		for _, mig := range plan {
			if node, ok := snap.Node(mig.Src.Host); ok && node.DC == dc {
				count++
			}
		}
		s.metrics.RecordMigrations(dc, count)
	}

	result := &PlanResult{
		Plan:            plan,
		TopologyVersion: snap.Version(),
		PlannedAt:       started,
	}

	s.mu.Lock()
	s.lastPlan = result
	s.mu.Unlock()

	if s.executor != nil && plan.Size() > 0 {
		if err := s.executor.Execute(ctx, plan, snap.Version()); err != nil {
			s.metrics.RecordPlan("error", time.Since(started).Seconds())
			s.metrics.RecordPlanError("execution")
			s.reportStatus(InstanceStatusDegraded, true)
			return result, fmt.Errorf("failed to hand off plan: %w", err)
		}
	}

	s.metrics.RecordPlan("ok", time.Since(started).Seconds())
	s.reportStatus(InstanceStatusHealthy, true)
	s.logger.Info("Planning round complete",
		zap.Int64("topology_version", snap.Version()),
		zap.Int("migrations", plan.Size()),
		zap.Duration("duration", time.Since(started)))

	return result, nil
}

// LastPlan returns the most recent planning result, or nil if no round has
// completed yet
func (s *BalanceService) LastPlan() *PlanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPlan
}

// Current loads a fresh topology snapshot. It satisfies the snapshot source
// used on the schema allocation path.
func (s *BalanceService) Current(ctx context.Context) (balancer.View, error) {
	return s.topologyStore.LoadSnapshot(ctx)
}

// NodeLoad summarizes the tablet load of one node
type NodeLoad struct {
	Host       model.HostID `json:"host"`
	DC         string       `json:"dc"`
	Rack       string       `json:"rack"`
	State      string       `json:"state"`
	ShardCount uint32       `json:"shard_count"`
	Tablets    int          `json:"tablets"`
	AvgLoad    float64      `json:"avg_load"`
}

// CurrentLoad computes the per-node tablet load from a fresh snapshot
func (s *BalanceService) CurrentLoad(ctx context.Context) ([]NodeLoad, int64, error) {
	snap, err := s.topologyStore.LoadSnapshot(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load topology snapshot: %w", err)
	}

	counts := make(map[model.HostID]int)
	for _, tt := range snap.Tables() {
		err := tt.Tablets.ForEachTablet(func(_ model.TabletID, ti model.TabletInfo) error {
			for _, r := range ti.Replicas {
				counts[r.Host]++
			}
			return nil
		})
		if err != nil {
			return nil, 0, err
		}
	}

	var loads []NodeLoad
	for _, dc := range snap.Datacenters() {
		snap.ForEachNormalNodeIn(dc, func(n model.Node) {
			load := NodeLoad{
				Host:       n.Host,
				DC:         n.DC,
				Rack:       n.Rack,
				State:      string(n.State),
				ShardCount: n.ShardCount,
				Tablets:    counts[n.Host],
			}
			if n.ShardCount > 0 {
				load.AvgLoad = float64(counts[n.Host]) / float64(n.ShardCount)
			}
			loads = append(loads, load)
		})
	}

	return loads, snap.Version(), nil
}

func (s *BalanceService) acquireLease(ctx context.Context) (bool, error) {
	if s.leaseStore == nil {
		return true, nil
	}

	held, err := s.leaseStore.Acquire(ctx, s.nodeID, s.leaseTTL)
	if err != nil {
		s.metrics.RecordLeaseAcquisition("error")
		return false, fmt.Errorf("failed to acquire planning lease: %w", err)
	}
	if held {
		s.metrics.RecordLeaseAcquisition("acquired")
	} else {
		s.metrics.RecordLeaseAcquisition("contended")
	}
	s.metrics.SetLeaseHeld(held)
	return held, nil
}

func (s *BalanceService) releaseLease() {
	if s.leaseStore == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.leaseStore.Release(ctx, s.nodeID); err != nil {
		s.logger.Warn("Failed to release planning lease", zap.Error(err))
	}
	s.metrics.SetLeaseHeld(false)
	s.reportStatus(InstanceStatusHealthy, false)
}

func (s *BalanceService) reportStatus(status InstanceStatus, leaseHeld bool) {
	if s.statusReporter != nil {
		s.statusReporter.UpdateStatus(status, leaseHeld)
	}
}

func (s *BalanceService) publishTopologyMetrics(snap balancer.View) {
	tablets := 0
	counts := make(map[model.HostID]int)
	for _, tt := range snap.Tables() {
		tablets += tt.Tablets.TabletCount()
		_ = tt.Tablets.ForEachTablet(func(_ model.TabletID, ti model.TabletInfo) error {
			for _, r := range ti.Replicas {
				counts[r.Host]++
			}
			return nil
		})
	}
	s.metrics.UpdateTabletsTotal(tablets)
	s.metrics.UpdateTablesTracked(len(snap.Tables()))

	for _, dc := range snap.Datacenters() {
		count := 0
		minLoad := math.Inf(1)
		maxLoad := 0.0
		snap.ForEachNormalNodeIn(dc, func(n model.Node) {
			count++
			load := 0.0
			if n.ShardCount > 0 {
				load = float64(counts[n.Host]) / float64(n.ShardCount)
			}
			minLoad = math.Min(minLoad, load)
			maxLoad = math.Max(maxLoad, load)
		})
		s.metrics.UpdateNodesTracked(dc, string(model.NodeStateNormal), count)
		if count > 0 {
			s.metrics.UpdateDCLoadSpread(dc, maxLoad-minLoad)
		}
	}
}
