package allocator

import (
	"context"
	"sync"

	"github.com/devrev/tabletdb/balancer/internal/model"
)

// SchemaListener receives schema-change callbacks on the DDL path. Each hook
// returns the tablet mutations to apply together with the schema change.
type SchemaListener interface {
	OnBeforeCreateTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error)
	OnBeforeDropTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error)
	OnBeforeDropKeyspace(ctx context.Context, ks model.Keyspace, tables []model.TableID, ts int64) ([]Mutation, error)
}

// SchemaNotifier fans schema-change events out to registered listeners and
// collects their mutations in registration order.
type SchemaNotifier struct {
	mu        sync.RWMutex
	listeners []SchemaListener
}

// NewSchemaNotifier creates an empty notifier
func NewSchemaNotifier() *SchemaNotifier {
	return &SchemaNotifier{}
}

// RegisterListener adds a listener
func (n *SchemaNotifier) RegisterListener(l SchemaListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// UnregisterListener removes a previously registered listener
func (n *SchemaNotifier) UnregisterListener(l SchemaListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.listeners {
		if cur == l {
			n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
			return
		}
	}
}

// NotifyBeforeCreateTable invokes every listener's create-table hook
func (n *SchemaNotifier) NotifyBeforeCreateTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error) {
	return n.notify(func(l SchemaListener) ([]Mutation, error) {
		return l.OnBeforeCreateTable(ctx, ks, table, ts)
	})
}

// NotifyBeforeDropTable invokes every listener's drop-table hook
func (n *SchemaNotifier) NotifyBeforeDropTable(ctx context.Context, ks model.Keyspace, table model.TableID, ts int64) ([]Mutation, error) {
	return n.notify(func(l SchemaListener) ([]Mutation, error) {
		return l.OnBeforeDropTable(ctx, ks, table, ts)
	})
}

// NotifyBeforeDropKeyspace invokes every listener's drop-keyspace hook
func (n *SchemaNotifier) NotifyBeforeDropKeyspace(ctx context.Context, ks model.Keyspace, tables []model.TableID, ts int64) ([]Mutation, error) {
	return n.notify(func(l SchemaListener) ([]Mutation, error) {
		return l.OnBeforeDropKeyspace(ctx, ks, tables, ts)
	})
}

func (n *SchemaNotifier) notify(f func(SchemaListener) ([]Mutation, error)) ([]Mutation, error) {
	n.mu.RLock()
	listeners := make([]SchemaListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()

	var muts []Mutation
	for _, l := range listeners {
		out, err := f(l)
		if err != nil {
			return nil, err
		}
		muts = append(muts, out...)
	}
	return muts, nil
}
