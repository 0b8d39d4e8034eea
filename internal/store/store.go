// Package store is the Bastion metadata store: a single-writer embedded
// relational database (SQLite by default, Postgres as an alternate driver)
// holding jobs, runs, run events, agents, secrets, snapshots, and the four
// durable task queues. Schema is versioned and applied forward-only at
// startup via embedded golang-migrate migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required. Registers itself as
	// "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds the configuration required to open a store connection.
// Driver defaults to "sqlite" if left empty.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Store wraps the gorm.DB handle plus its underlying sql.DB for lifecycle
// management (Close, Ping).
type Store struct {
	DB     *gorm.DB
	sqlDB  *sql.DB
	driver string
}

// Open opens a store connection, applies pending migrations forward-only,
// and returns a ready-to-use Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: logger is required")
	}

	gormCfg := &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
	}

	var (
		gdb     *gorm.DB
		sqlDB   *sql.DB
		err     error
		drvName string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open manually via database/sql using the modernc driver (registered
		// as "sqlite"), then hand the existing *sql.DB to GORM so it does not
		// try to open a second connection with a CGO-based driver.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open sqlite: %w", err)
		}
		// SQLite allows only one writer at a time; additional connections
		// only increase SQLITE_BUSY contention.
		sqlDB.SetMaxOpenConns(1)

		gdb, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to initialize gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		gdb, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open postgres: %w", err)
		}
		sqlDB, err = gdb.DB()
		if err != nil {
			return nil, fmt.Errorf("store: failed to get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("store: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("store: migrations failed: %w", err)
	}

	return &Store{DB: gdb, sqlDB: sqlDB, driver: drvName}, nil
}

// Close releases the underlying connection(s).
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success. A dirty migration state (a prior
// run crashed mid-migration) is a startup-fatal error — operators must
// resolve it manually rather than have the store guess.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if version, dirty, verr := m.Version(); verr == nil && dirty {
		return fmt.Errorf("database schema at version %d is dirty — a previous migration did not complete; resolve manually before restarting", version)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("database migrations applied successfully")
	return nil
}
