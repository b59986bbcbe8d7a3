package crdt

import "encoding/json"

// SchemaMigrator upgrades a persisted record set from one schema marker
// to a newer one. Schema markers are monotonically non-decreasing per
// room and version; migrating backwards is never requested.
type SchemaMigrator interface {
	Migrate(records map[string]json.RawMessage, from, to int) (map[string]json.RawMessage, error)
}

// NopMigrator passes records through unchanged. Suitable while all
// schema revisions remain wire-compatible.
type NopMigrator struct{}

func (NopMigrator) Migrate(records map[string]json.RawMessage, from, to int) (map[string]json.RawMessage, error) {
	return records, nil
}
