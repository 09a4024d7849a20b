package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/tabletdb/balancer/internal/allocator"
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/topology"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// TopologyStore loads topology snapshots and persists tablet map changes
type TopologyStore interface {
	// LoadSnapshot reads the current topology version, node set, keyspaces
	// and tablet maps and assembles an immutable snapshot.
	LoadSnapshot(ctx context.Context) (*topology.Snapshot, error)

	// ApplyMutations applies schema-path tablet map mutations in a single
	// transaction.
	ApplyMutations(ctx context.Context, muts []allocator.Mutation) error

	// SavePlan records a prepared migration plan for inspection
	SavePlan(ctx context.Context, plan model.MigrationPlan, topologyVersion int64) error

	// LastPlan returns the most recently saved plan and the topology version
	// it was planned against. Returns ErrNotFound if no plan was ever saved.
	LastPlan(ctx context.Context) (model.MigrationPlan, int64, error)

	// Ping checks the store connection
	Ping(ctx context.Context) error

	// Close releases the underlying connections
	Close()
}

// LeaseStore coordinates the planning lease between balancer instances so
// that only one instance plans at a time
type LeaseStore interface {
	// Acquire attempts to take the planning lease for nodeID. Returns false
	// without error when another instance holds it.
	Acquire(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)

	// Renew extends the lease if nodeID still holds it
	Renew(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)

	// Release drops the lease if nodeID holds it
	Release(ctx context.Context, nodeID string) error

	// Ping checks the store connection
	Ping(ctx context.Context) error

	// Close closes the underlying client
	Close() error
}
