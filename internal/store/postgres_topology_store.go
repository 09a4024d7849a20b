package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/tabletdb/balancer/internal/allocator"
	"github.com/devrev/tabletdb/balancer/internal/model"
	"github.com/devrev/tabletdb/balancer/internal/topology"
)

// PostgresTopologyStore implements TopologyStore for PostgreSQL
type PostgresTopologyStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresTopologyStore creates a new PostgreSQL topology store
func NewPostgresTopologyStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (TopologyStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresTopologyStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// LoadSnapshot reads the topology tables and assembles a snapshot
func (s *PostgresTopologyStore) LoadSnapshot(ctx context.Context) (*topology.Snapshot, error) {
	version, err := s.loadVersion(ctx)
	if err != nil {
		return nil, err
	}

	builder := topology.NewBuilder(version)

	if err := s.loadNodes(ctx, builder); err != nil {
		return nil, err
	}
	if err := s.loadKeyspaces(ctx, builder); err != nil {
		return nil, err
	}
	if err := s.loadTabletMaps(ctx, builder); err != nil {
		return nil, err
	}

	snap, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build topology snapshot: %w", err)
	}

	s.logger.Debug("Loaded topology snapshot",
		zap.Int64("version", version),
		zap.Int("nodes", snap.NodeCount()),
		zap.Int("tables", len(snap.Tables())))

	return snap, nil
}

func (s *PostgresTopologyStore) loadVersion(ctx context.Context) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM topology_versions`

	var version int64
	if err := s.pool.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to load topology version: %w", err)
	}
	return version, nil
}

func (s *PostgresTopologyStore) loadNodes(ctx context.Context, builder *topology.Builder) error {
	query := `
		SELECT host_id, dc, rack, state, shard_count
		FROM nodes
		ORDER BY host_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var node model.Node
		var state string
		if err := rows.Scan(&node.Host, &node.DC, &node.Rack, &state, &node.ShardCount); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		node.State = model.NodeState(state)
		builder.AddNode(node)
	}

	return rows.Err()
}

func (s *PostgresTopologyStore) loadKeyspaces(ctx context.Context, builder *topology.Builder) error {
	query := `
		SELECT k.name, k.replication_factor, k.tablet_aware,
		       COALESCE(array_agg(t.table_id::text) FILTER (WHERE t.table_id IS NOT NULL), '{}')
		FROM keyspaces k
		LEFT JOIN tables t ON t.keyspace = k.name
		GROUP BY k.name, k.replication_factor, k.tablet_aware
		ORDER BY k.name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to load keyspaces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ks model.Keyspace
		if err := rows.Scan(&ks.Name, &ks.ReplicationFactor, &ks.TabletAware, &ks.Tables); err != nil {
			return fmt.Errorf("failed to scan keyspace: %w", err)
		}
		builder.AddKeyspace(ks)
	}

	return rows.Err()
}

func (s *PostgresTopologyStore) loadTabletMaps(ctx context.Context, builder *topology.Builder) error {
	query := `
		SELECT table_id, tablet_id, replicas
		FROM tablets
		ORDER BY table_id, tablet_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to load tablets: %w", err)
	}
	defer rows.Close()

	type tableKey = model.TableID
	maps := make(map[tableKey]map[model.TabletID]model.TabletInfo)
	order := make([]tableKey, 0)

	for rows.Next() {
		var table model.TableID
		var tablet int64
		var replicasJSON []byte
		if err := rows.Scan(&table, &tablet, &replicasJSON); err != nil {
			return fmt.Errorf("failed to scan tablet: %w", err)
		}

		var replicas []model.TabletReplica
		if err := json.Unmarshal(replicasJSON, &replicas); err != nil {
			return fmt.Errorf("failed to unmarshal replicas for table %s tablet %d: %w", table, tablet, err)
		}

		if _, ok := maps[table]; !ok {
			maps[table] = make(map[model.TabletID]model.TabletInfo)
			order = append(order, table)
		}
		maps[table][model.TabletID(tablet)] = model.TabletInfo{Replicas: replicas}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	transitions, err := s.loadTransitions(ctx)
	if err != nil {
		return err
	}

	for _, table := range order {
		tm := model.NewTabletMap(maps[table])
		for _, tr := range transitions[table] {
			tm.AddTransition(tr)
		}
		builder.AddTable(table, tm)
	}

	return nil
}

func (s *PostgresTopologyStore) loadTransitions(ctx context.Context) (map[model.TableID][]model.TabletTransition, error) {
	query := `
		SELECT table_id, tablet_id, next_host, next_shard
		FROM tablet_transitions
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load transitions: %w", err)
	}
	defer rows.Close()

	out := make(map[model.TableID][]model.TabletTransition)
	for rows.Next() {
		var table model.TableID
		var tablet int64
		var next model.TabletReplica
		if err := rows.Scan(&table, &tablet, &next.Host, &next.Shard); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out[table] = append(out[table], model.TabletTransition{
			Tablet: model.TabletID(tablet),
			Next:   next,
		})
	}

	return out, rows.Err()
}

// ApplyMutations applies schema-path tablet map mutations in one transaction
func (s *PostgresTopologyStore) ApplyMutations(ctx context.Context, muts []allocator.Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, mut := range muts {
		switch mut.Kind {
		case allocator.MutationSetTabletMap:
			if err := applySetTabletMap(ctx, tx, mut); err != nil {
				return err
			}
		case allocator.MutationDropTabletMap:
			if err := applyDropTabletMap(ctx, tx, mut); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown mutation kind %q", mut.Kind)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit mutations: %w", err)
	}

	s.logger.Info("Applied tablet map mutations", zap.Int("mutations", len(muts)))
	return nil
}

func applySetTabletMap(ctx context.Context, tx pgx.Tx, mut allocator.Mutation) error {
	if _, err := tx.Exec(ctx, `DELETE FROM tablets WHERE table_id = $1`, mut.Table); err != nil {
		return fmt.Errorf("failed to clear tablet map for table %s: %w", mut.Table, err)
	}

	for tablet, info := range mut.Tablets {
		replicasJSON, err := json.Marshal(info.Replicas)
		if err != nil {
			return fmt.Errorf("failed to marshal replicas: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO tablets (table_id, tablet_id, replicas) VALUES ($1, $2, $3)`,
			mut.Table, int64(tablet), replicasJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tablet %d for table %s: %w", tablet, mut.Table, err)
		}
	}

	return nil
}

func applyDropTabletMap(ctx context.Context, tx pgx.Tx, mut allocator.Mutation) error {
	if _, err := tx.Exec(ctx, `DELETE FROM tablet_transitions WHERE table_id = $1`, mut.Table); err != nil {
		return fmt.Errorf("failed to clear transitions for table %s: %w", mut.Table, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tablets WHERE table_id = $1`, mut.Table); err != nil {
		return fmt.Errorf("failed to drop tablet map for table %s: %w", mut.Table, err)
	}
	return nil
}

// SavePlan records a prepared migration plan
func (s *PostgresTopologyStore) SavePlan(ctx context.Context, plan model.MigrationPlan, topologyVersion int64) error {
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO plans (topology_version, migrations, created_at)
		VALUES ($1, $2, NOW())
	`

	if _, err := s.pool.Exec(ctx, query, topologyVersion, planJSON); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// LastPlan returns the most recently saved plan
func (s *PostgresTopologyStore) LastPlan(ctx context.Context) (model.MigrationPlan, int64, error) {
	query := `
		SELECT topology_version, migrations
		FROM plans
		ORDER BY id DESC
		LIMIT 1
	`

	var version int64
	var planJSON []byte
	err := s.pool.QueryRow(ctx, query).Scan(&version, &planJSON)
	if err == pgx.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load last plan: %w", err)
	}

	var plan model.MigrationPlan
	if err := json.Unmarshal(planJSON, &plan); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	return plan, version, nil
}

// Ping checks the database connection
func (s *PostgresTopologyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresTopologyStore) Close() {
	s.pool.Close()
}
