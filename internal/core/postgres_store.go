package core

import "censuscore/internal/infra/persistence/postgres"

// PostgresStore is the snapshotting Postgres backend.
type PostgresStore = postgres.Store

// NewPostgresStore constructs a Postgres-backed store from the provided DSN.
func NewPostgresStore(dsn string, engine *RulesEngine) (*PostgresStore, error) {
	return postgres.NewStore(dsn, engine)
}
