package storage

import (
	"context"
	"fmt"
	"strings"

	logx "ghrelay/pkg/logx"
)

type opener func(ctx context.Context, cfg Config, log logx.Logger) (Store, error)

// drivers maps every accepted driver name (aliases included) to its opener.
// An empty name selects sqlite.
var drivers = map[string]opener{
	"":           openSQLite,
	"sqlite":     openSQLite,
	"sqlite3":    openSQLite,
	"file":       func(_ context.Context, cfg Config, log logx.Logger) (Store, error) { return openFile(cfg, log) },
	"postgres":   openPostgres,
	"postgresql": openPostgres,
	"pg":         openPostgres,
	"redis":      openRedis,
}

func driverName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Open connects the dedup store named by cfg.Driver and prepares its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	open, ok := drivers[driverName(cfg.Driver)]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	return open(ctx, cfg, log)
}

// KnownDriver reports whether Open accepts the driver name.
func KnownDriver(driver string) bool {
	_, ok := drivers[driverName(driver)]
	return ok
}
