package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

type SQLiteDriver struct {
	db   *bun.DB
	name string
}

// NewSQLiteDriver opens a sqlite-compatible database. The name selects the
// registered sql driver: the sqliteshim for local files, "libsql" for
// remote turso-style URLs. For file DSNs the parent directory is created,
// so `file:data/journal.db` under a fresh home just works.
func NewSQLiteDriver(ctx context.Context, name, dsn string) (*SQLiteDriver, error) {
	if dir := fileDSNDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	sqldb, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("%s ping: %w", name, err)
	}

	return &SQLiteDriver{db: bun.NewDB(sqldb, sqlitedialect.New()), name: name}, nil
}

func (d *SQLiteDriver) GetDB() *bun.DB {
	return d.db
}

func (d *SQLiteDriver) Name() string {
	return d.name
}

// fileDSNDir extracts the parent directory of a local file DSN, or "" when
// the DSN is in-memory or remote.
func fileDSNDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(path, "://") {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}
