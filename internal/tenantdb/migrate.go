package tenantdb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// MigrationsTable is the golang-migrate ledger in every tenant database.
const MigrationsTable = "schema_migrations"

// Relations lists every relation the migration set creates.
var Relations = []string{
	"users",
	"roles",
	"role_permissions",
	"user_roles",
	"agency_settings",
	"audit_log",
}

// migrateLogger routes golang-migrate output to zerolog.
type migrateLogger struct {
	database string
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("database", l.database).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }

// Migrate applies the embedded migration set to the target database and
// returns the resulting version. A dirty ledger left by an interrupted run is
// forced back one version and the migration re-applied; every statement in
// the set is idempotent.
func (e *Engine) Migrate(ctx context.Context, t Target) (uint, error) {
	db := stdlib.OpenDB(*e.connConfig(t))
	driver, err := postgres.WithInstance(db, &postgres.Config{
		DatabaseName:    t.Database,
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		db.Close()
		return 0, fmt.Errorf("tenantdb: migration driver for %s: %w", t.Database, err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		driver.Close()
		return 0, fmt.Errorf("tenantdb: migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, t.Database, driver)
	if err != nil {
		src.Close()
		driver.Close()
		return 0, fmt.Errorf("tenantdb: migrate %s: %w", t.Database, err)
	}
	defer m.Close()
	m.Log = migrateLogger{database: t.Database}

	stop := context.AfterFunc(ctx, func() {
		select {
		case m.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	err = m.Up()
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		prev := dirty.Version - 1
		if prev < 1 {
			prev = -1
		}
		log.Warn().Str("database", t.Database).Int("dirty_version", dirty.Version).Int("forced_version", prev).
			Msg("Migration ledger is dirty, re-applying")
		if err := m.Force(prev); err != nil {
			return 0, fmt.Errorf("tenantdb: force %s to %d: %w", t.Database, prev, err)
		}
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("tenantdb: migrate %s: %w", t.Database, err)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("tenantdb: read version of %s: %w", t.Database, err)
	}
	return version, nil
}

// LatestVersion returns the highest version in the embedded migration set.
func LatestVersion() (uint, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, err
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			return version, nil
		}
		if err != nil {
			return 0, err
		}
		version = next
	}
}
