package core

import "censuscore/internal/infra/persistence/sqlite"

// SQLiteStore is the snapshotting SQLite backend.
type SQLiteStore = sqlite.Store

// NewSQLiteStore constructs a new SQLite-backed persistent store using the
// provided file path (may be empty for default) and rules engine.
func NewSQLiteStore(path string, engine *RulesEngine) (*SQLiteStore, error) {
	return sqlite.NewStore(path, engine)
}
