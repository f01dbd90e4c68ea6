package store

import (
	"context"
	"database/sql"
	"embed"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	sqlStore
}

var postgresDialect = dialect{
	driver:    "postgres",
	rebind:    replacePlaceholders,
	timeArg:   func(t time.Time) any { return t.UTC() },
	sizeQuery: `SELECT pg_total_relation_size('samples')`,
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, storageErr("opening postgres", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("pinging postgres", err)
	}

	if err := migrate(db, pgMigrations, "postgres", "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	return &PostgresStore{sqlStore{db: db, d: postgresDialect, maxGap: o.maxGap}}, nil
}
