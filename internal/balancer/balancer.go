package balancer

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

// Balancer plans incremental tablet migrations that drive every datacenter
// toward an even per-shard tablet distribution. It only decides which tablets
// move where; executing migrations is the caller's concern. Each datacenter
// is balanced in isolation and no cross-DC migrations are ever produced.
type Balancer struct {
	logger *zap.Logger
}

// New creates a balancer
func New(logger *zap.Logger) *Balancer {
	return &Balancer{logger: logger}
}

// MakePlan prepares a migration plan over the given topology snapshot. Plans
// for each datacenter are prepared independently and concatenated so they can
// be executed in parallel. An empty plan on an imbalanced cluster means
// balance is unreachable under the current collocation constraints, or that
// a table has pending transitions.
func (b *Balancer) MakePlan(ctx context.Context, view View) (model.MigrationPlan, error) {
	var plan model.MigrationPlan

	for _, dc := range view.Datacenters() {
		dcPlan, err := b.planDC(ctx, view, dc)
		if err != nil {
			return nil, err
		}
		b.logger.Info("Prepared DC migrations",
			zap.String("dc", dc),
			zap.Int("migrations", len(dcPlan)))
		plan = append(plan, dcPlan...)
	}

	b.logger.Info("Prepared migration plan",
		zap.Int64("topology_version", view.Version()),
		zap.Int("migrations", len(plan)))
	return plan, nil
}
