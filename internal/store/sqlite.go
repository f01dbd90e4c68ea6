package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// sqliteTimeLayout is fixed width so that text comparison orders instants.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// SQLiteStore implements Store backed by an embedded SQLite file.
type SQLiteStore struct {
	sqlStore
}

var sqliteDialect = dialect{
	driver:    "sqlite",
	rebind:    func(q string) string { return q },
	timeArg:   func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	sizeQuery: `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`,
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and runs migrations.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, storageErr("opening sqlite", err)
	}

	// Open is lazy; ping creates the file so its mode can be tightened.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storageErr("opening sqlite", err)
	}

	if err := os.Chmod(path, 0600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	if err := migrate(db, migrations, "sqlite3", "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	return &SQLiteStore{sqlStore{db: db, d: sqliteDialect, maxGap: o.maxGap}}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + q.Encode()
}
