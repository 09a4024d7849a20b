package allocator

import "github.com/devrev/tabletdb/balancer/internal/model"

// MutationKind discriminates schema-path tablet mutations
type MutationKind string

const (
	// MutationSetTabletMap installs a freshly allocated tablet map for a table
	MutationSetTabletMap MutationKind = "set_tablet_map"
	// MutationDropTabletMap removes a table's tablet map
	MutationDropTabletMap MutationKind = "drop_tablet_map"
)

// Mutation encodes one tablet-map change to be applied together with a schema
// change. Mutations are assembled on the DDL path and applied atomically with
// the schema mutation by the caller.
type Mutation struct {
	Kind      MutationKind                     `json:"kind"`
	Keyspace  string                           `json:"keyspace"`
	Table     model.TableID                    `json:"table"`
	Tablets   map[model.TabletID]model.TabletInfo `json:"tablets,omitempty"`
	Timestamp int64                            `json:"timestamp"`
}
