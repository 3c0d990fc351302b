package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/roach88/tillguard/internal/schema"
	"github.com/roach88/tillguard/internal/seal"
	"github.com/roach88/tillguard/internal/telemetry"
)

//go:embed migrations
var migrationFS embed.FS

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Options configures Open.
type Options struct {
	// Driver is DriverSQLite or DriverPostgres.
	Driver string
	// DSN is a file path for SQLite or a connection URL for PostgreSQL.
	DSN string

	Sealer  *seal.Sealer
	Schemas *schema.Registry // optional; nil disables payload schema checks
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Store is the server event store. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	driver  string
	sb      sq.StatementBuilderType
	sealer  *seal.Sealer
	schemas *schema.Registry
	log     *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Open connects, migrates the schema to the latest version and returns a
// ready store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Sealer == nil {
		return nil, errors.New("store: a sealer is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	var placeholder sq.PlaceholderFormat
	switch opts.Driver {
	case DriverSQLite:
		placeholder = sq.Question
	case DriverPostgres:
		placeholder = sq.Dollar
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", opts.Driver)
	}

	if err := MigrateSchema(opts.Driver, opts.DSN); err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if opts.Driver == DriverSQLite {
		// SQLite has a single writer; one connection avoids SQLITE_BUSY
		// between our own transactions.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{
		db:      db,
		driver:  opts.Driver,
		sb:      sq.StatementBuilder.PlaceholderFormat(placeholder),
		sealer:  opts.Sealer,
		schemas: opts.Schemas,
		log:     opts.Logger.Named("store"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// MigrateSchema applies every pending up migration for driver. It opens
// and closes its own connection, so it can run before Open or from the
// command line.
func MigrateSchema(driver, dsn string) error {
	if dsn == "" {
		return errors.New("store: database DSN is not set")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: open database: %w", err)
	}

	var (
		dir  string
		name string
		drv  database.Driver
	)
	switch driver {
	case DriverSQLite:
		dir, name = "migrations/sqlite", "sqlite3"
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DriverPostgres:
		dir, name = "migrations/postgres", "pgx5"
		drv, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		err = fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	src, err := iofs.New(migrationFS, dir)
	if err != nil {
		drv.Close()
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		drv.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	// Closing m closes the driver and with it db.
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
