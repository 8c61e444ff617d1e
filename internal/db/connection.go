package db

import (
	"context"
	"errors"
	"strings"

	"github.com/evermind-ai/persona-server/internal/config"
	"github.com/evermind-ai/persona-server/internal/db/drivers"

	"github.com/uptrace/bun/driver/sqliteshim"
)

var ErrNoDSN = errors.New("no database dsn configured")

// NewConnection picks a driver from the DSN scheme: postgres:// and
// postgresql:// use the bun pg driver, libsql:// uses the libsql client,
// anything else (file paths, :memory:) goes through the sqlite shim.
func NewConnection(ctx context.Context, cfg *config.Config) (drivers.Driver, error) {
	dsn := cfg.DB.DSN
	switch {
	case dsn == "":
		return nil, ErrNoDSN
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return drivers.NewPGDriver(ctx, dsn)
	case strings.HasPrefix(dsn, "libsql://"):
		return drivers.NewSQLiteDriver(ctx, "libsql", dsn)
	default:
		return drivers.NewSQLiteDriver(ctx, sqliteshim.ShimName, dsn)
	}
}
