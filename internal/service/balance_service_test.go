package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/allocator"
	"github.com/devrev/tabletdb/balancer/internal/balancer"
	"github.com/devrev/tabletdb/balancer/internal/metrics"
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/topology"
)

// promauto registers against the default registry, so all tests share one
// metrics instance
var testMetrics = metrics.NewMetrics()

type MockTopologyStore struct {
	mock.Mock
}

func (m *MockTopologyStore) LoadSnapshot(ctx context.Context) (*topology.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*topology.Snapshot), args.Error(1)
}

func (m *MockTopologyStore) ApplyMutations(ctx context.Context, muts []allocator.Mutation) error {
	args := m.Called(ctx, muts)
	return args.Error(0)
}

func (m *MockTopologyStore) SavePlan(ctx context.Context, plan model.MigrationPlan, topologyVersion int64) error {
	args := m.Called(ctx, plan, topologyVersion)
	return args.Error(0)
}

func (m *MockTopologyStore) LastPlan(ctx context.Context) (model.MigrationPlan, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(model.MigrationPlan), args.Get(1).(int64), args.Error(2)
}

func (m *MockTopologyStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTopologyStore) Close() {
	m.Called()
}

type MockLeaseStore struct {
	mock.Mock
}

func (m *MockLeaseStore) Acquire(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, nodeID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeaseStore) Renew(ctx context.Context, nodeID string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, nodeID, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockLeaseStore) Release(ctx context.Context, nodeID string) error {
	args := m.Called(ctx, nodeID)
	return args.Error(0)
}

func (m *MockLeaseStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLeaseStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockStatusReporter struct {
	mock.Mock
}

func (m *MockStatusReporter) UpdateStatus(status InstanceStatus, leaseHeld bool) {
	m.Called(status, leaseHeld)
}

type MockPlanExecutor struct {
	mock.Mock
}

func (m *MockPlanExecutor) Execute(ctx context.Context, plan model.MigrationPlan, topologyVersion int64) error {
	args := m.Called(ctx, plan, topologyVersion)
	return args.Error(0)
}

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

// unbalancedSnapshot builds a two-node topology where every tablet sits on
// the first node, so planning always produces migrations
func unbalancedSnapshot(t *testing.T, version int64) *topology.Snapshot {
	t.Helper()

	hostA := host(1)
	hostB := host(2)

	tablets := make(map[model.TabletID]model.TabletInfo)
	for i := 0; i < 4; i++ {
		tablets[model.TabletID(i)] = model.TabletInfo{
			Replicas: []model.TabletReplica{{Host: hostA, Shard: model.ShardID(i % 2)}},
		}
	}

	snap, err := topology.NewBuilder(version).
		AddNode(model.Node{Host: hostA, DC: "dc1", Rack: "rack1", State: model.NodeStateNormal, ShardCount: 2}).
		AddNode(model.Node{Host: hostB, DC: "dc1", Rack: "rack2", State: model.NodeStateNormal, ShardCount: 2}).
		AddKeyspace(model.Keyspace{Name: "ks1", ReplicationFactor: 1, TabletAware: true}).
		AddTable(table(1), model.NewTabletMap(tablets)).
		Build()
	require.NoError(t, err)
	return snap
}

func newService(topo *MockTopologyStore, lease *MockLeaseStore, exec *MockPlanExecutor) *BalanceService {
	// A typed nil inside the interface would defeat the nil lease store check,
	// so the lease store is only set when a mock is supplied
	var executor PlanExecutor
	if exec != nil {
		executor = exec
	}

	svc := NewBalanceService(
		topo,
		nil,
		balancer.New(zap.NewNop()),
		executor,
		testMetrics,
		"balancer-test",
		30*time.Second,
		time.Minute,
		zap.NewNop(),
	)
	if lease != nil {
		svc.leaseStore = lease
	}
	return svc
}

func TestRunOncePlansAndRecords(t *testing.T) {
	snap := unbalancedSnapshot(t, 3)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)
	topo.On("SavePlan", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(3)).Return(nil)

	lease := new(MockLeaseStore)
	lease.On("Acquire", mock.Anything, "balancer-test", time.Minute).Return(true, nil)

	reporter := new(MockStatusReporter)
	reporter.On("UpdateStatus", InstanceStatusHealthy, true).Return()

	svc := newService(topo, lease, nil)
	svc.SetStatusReporter(reporter)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, int64(3), result.TopologyVersion)
	assert.Equal(t, 2, result.Plan.Size())
	assert.Equal(t, result, svc.LastPlan())

	topo.AssertExpectations(t)
	lease.AssertExpectations(t)
	reporter.AssertExpectations(t)
}

func TestRunOnceSkipsWhenLeaseContended(t *testing.T) {
	topo := new(MockTopologyStore)

	lease := new(MockLeaseStore)
	lease.On("Acquire", mock.Anything, "balancer-test", time.Minute).Return(false, nil)

	reporter := new(MockStatusReporter)
	reporter.On("UpdateStatus", InstanceStatusHealthy, false).Return()

	svc := newService(topo, lease, nil)
	svc.SetStatusReporter(reporter)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Nil(t, svc.LastPlan())

	topo.AssertNotCalled(t, "LoadSnapshot", mock.Anything)
	lease.AssertExpectations(t)
	reporter.AssertExpectations(t)
}

func TestRunOncePlansWithoutLeaseStore(t *testing.T) {
	snap := unbalancedSnapshot(t, 1)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)
	topo.On("SavePlan", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(1)).Return(nil)

	svc := newService(topo, nil, nil)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Plan.Size())

	topo.AssertExpectations(t)
}

func TestRunOnceSnapshotLoadFailure(t *testing.T) {
	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(nil, assert.AnError)

	reporter := new(MockStatusReporter)
	reporter.On("UpdateStatus", InstanceStatusDegraded, true).Return()

	svc := newService(topo, nil, nil)
	svc.SetStatusReporter(reporter)

	result, err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "failed to load topology snapshot")
	reporter.AssertExpectations(t)
}

func TestRunOnceHandsPlanToExecutor(t *testing.T) {
	snap := unbalancedSnapshot(t, 5)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)
	topo.On("SavePlan", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(5)).Return(nil)

	exec := new(MockPlanExecutor)
	exec.On("Execute", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(5)).Return(nil)

	svc := newService(topo, nil, exec)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	exec.AssertExpectations(t)
}

func TestRunOnceRateLimited(t *testing.T) {
	snap := unbalancedSnapshot(t, 1)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)
	topo.On("SavePlan", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(1)).Return(nil)

	svc := newService(topo, nil, nil)

	_, err := svc.RunOnce(context.Background())
	require.NoError(t, err)

	_, err = svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestRunOnceSavePlanFailureIsNonFatal(t *testing.T) {
	snap := unbalancedSnapshot(t, 2)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)
	topo.On("SavePlan", mock.Anything, mock.AnythingOfType("model.MigrationPlan"), int64(2)).Return(assert.AnError)

	svc := newService(topo, nil, nil)

	result, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Plan.Size())
}

func TestCurrentLoad(t *testing.T) {
	snap := unbalancedSnapshot(t, 9)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)

	svc := newService(topo, nil, nil)

	loads, version, err := svc.CurrentLoad(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), version)
	require.Len(t, loads, 2)

	byHost := make(map[model.HostID]NodeLoad)
	for _, l := range loads {
		byHost[l.Host] = l
	}

	a := byHost[host(1)]
	assert.Equal(t, 4, a.Tablets)
	assert.Equal(t, 2.0, a.AvgLoad)
	assert.Equal(t, "dc1", a.DC)

	b := byHost[host(2)]
	assert.Equal(t, 0, b.Tablets)
	assert.Equal(t, 0.0, b.AvgLoad)
}

func TestCurrentSatisfiesSnapshotSource(t *testing.T) {
	snap := unbalancedSnapshot(t, 4)

	topo := new(MockTopologyStore)
	topo.On("LoadSnapshot", mock.Anything).Return(snap, nil)

	svc := newService(topo, nil, nil)

	var src allocator.SnapshotSource = svc
	view, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), view.Version())
}
