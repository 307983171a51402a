package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/migrations"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// PersistenceConfig satisfies the go-persistence-bun configuration contract.
type PersistenceConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
}

func (c PersistenceConfig) GetDebug() bool {
	return c.Debug
}

func (c PersistenceConfig) GetDriver() string {
	return NormalizeDriver(c.Driver)
}

func (c PersistenceConfig) GetServer() string {
	return strings.TrimSpace(c.DSN)
}

func (c PersistenceConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c PersistenceConfig) GetOtelIdentifier() string {
	return "go-apilinker"
}

// NormalizeDriver maps driver aliases onto the registered database/sql
// driver names. Unknown drivers are returned lowercased.
func NormalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

// OpenPersistence opens the database, registers the embedded migrations for
// its dialect and applies them.
func OpenPersistence(ctx context.Context, cfg PersistenceConfig) (*persistence.Client, error) {
	driver := cfg.GetDriver()
	dsn := cfg.GetServer()
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	var client *persistence.Client
	var dialect string
	switch driver {
	case DriverSQLite:
		sqlDB.SetMaxOpenConns(1)
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
		dialect = migrations.DialectSQLite
	case DriverPostgres:
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
		dialect = migrations.DialectPostgres
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	_, err = migrations.Register(ctx, dialect, func(_ context.Context, set migrations.Set) error {
		client.RegisterSQLMigrations(set.FS)
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
