// Package tenantdb creates, migrates and seeds isolated tenant databases on
// the PostgreSQL engine.
package tenantdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ErrDatabaseExists is returned by CreateDatabase when another creator won
// the race.
var ErrDatabaseExists = errors.New("tenantdb: database already exists")

const (
	codeDuplicateDatabase = "42P04"
	codeDuplicateObject   = "42710"
)

// Target identifies a tenant database and the role that owns it.
type Target struct {
	Database string
	Role     string
	Password string
}

// SchemaState describes what an existing database contains.
type SchemaState int

const (
	// SchemaEmpty has no tables in the public schema.
	SchemaEmpty SchemaState = iota
	// SchemaManaged carries our migration ledger.
	SchemaManaged
	// SchemaForeign has tables but no ledger; it was not created by us.
	SchemaForeign
)

func (s SchemaState) String() string {
	switch s {
	case SchemaEmpty:
		return "empty"
	case SchemaManaged:
		return "managed"
	default:
		return "foreign"
	}
}

// Engine runs administrative statements against the database server that
// hosts tenant databases.
type Engine struct {
	admin *pgxpool.Pool
}

// NewEngine connects to the engine's maintenance database with an admin role
// that may create roles and databases.
func NewEngine(ctx context.Context, dsn string) (*Engine, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("tenantdb: parse dsn: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tenantdb: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tenantdb: ping: %w", err)
	}
	return &Engine{admin: pool}, nil
}

// Close closes the admin pool.
func (e *Engine) Close() {
	e.admin.Close()
}

// Ping checks the admin connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.admin.Ping(ctx)
}

// connConfig returns a connection config for the target database logged in
// as the target role, on the same server as the admin pool.
func (e *Engine) connConfig(t Target) *pgx.ConnConfig {
	cfg := e.admin.Config().ConnConfig.Copy()
	cfg.Database = t.Database
	cfg.User = t.Role
	cfg.Password = t.Password
	return cfg
}

func (e *Engine) connect(ctx context.Context, t Target) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, e.connConfig(t))
	if err != nil {
		return nil, fmt.Errorf("tenantdb: connect to %s: %w", t.Database, err)
	}
	return conn, nil
}

// EnsureRole creates the login role, or resets its password when it exists.
func (e *Engine) EnsureRole(ctx context.Context, role, password string) error {
	ident := pgx.Identifier{role}.Sanitize()
	secret := pq.QuoteLiteral(password)

	var exists bool
	err := e.admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, role).Scan(&exists)
	if err != nil {
		return fmt.Errorf("tenantdb: lookup role %s: %w", role, err)
	}

	if !exists {
		_, err = e.admin.Exec(ctx, fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s", ident, secret))
		var pgErr *pgconn.PgError
		if err == nil {
			log.Info().Str("role", role).Msg("Created tenant role")
			return nil
		}
		if !errors.As(err, &pgErr) || pgErr.Code != codeDuplicateObject {
			return fmt.Errorf("tenantdb: create role %s: %w", role, err)
		}
	}

	if _, err := e.admin.Exec(ctx, fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s", ident, secret)); err != nil {
		return fmt.Errorf("tenantdb: alter role %s: %w", role, err)
	}
	return nil
}

// DatabaseExists reports whether name exists on the engine.
func (e *Engine) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := e.admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("tenantdb: lookup database %s: %w", name, err)
	}
	return exists, nil
}

// CreateDatabase creates name owned by owner. CREATE DATABASE cannot run in
// a transaction, so the statement is sent on its own.
func (e *Engine) CreateDatabase(ctx context.Context, name, owner string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s", pgx.Identifier{name}.Sanitize(), pgx.Identifier{owner}.Sanitize())
	if _, err := e.admin.Exec(ctx, stmt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeDuplicateDatabase {
			return ErrDatabaseExists
		}
		return fmt.Errorf("tenantdb: create database %s: %w", name, err)
	}
	log.Info().Str("database", name).Str("owner", owner).Msg("Created tenant database")
	return nil
}

// InspectSchema classifies the tables found in an existing database. It
// reads pg_tables, which lists tables regardless of the role's privileges.
func (e *Engine) InspectSchema(ctx context.Context, t Target) (SchemaState, error) {
	conn, err := e.connect(ctx, t)
	if err != nil {
		return SchemaForeign, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx, `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = 'public'`)
	if err != nil {
		return SchemaForeign, fmt.Errorf("tenantdb: inspect %s: %w", t.Database, err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return SchemaForeign, fmt.Errorf("tenantdb: inspect %s: %w", t.Database, err)
	}
	return classifyTables(tables), nil
}

func classifyTables(tables []string) SchemaState {
	if len(tables) == 0 {
		return SchemaEmpty
	}
	for _, name := range tables {
		if name == MigrationsTable {
			return SchemaManaged
		}
	}
	return SchemaForeign
}

// VerifySchema returns the relations of the migration set that are missing
// from the target database.
func (e *Engine) VerifySchema(ctx context.Context, t Target) ([]string, error) {
	conn, err := e.connect(ctx, t)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	rows, err := conn.Query(ctx,
		`SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = 'public' AND tablename = ANY($1)`,
		Relations,
	)
	if err != nil {
		return nil, fmt.Errorf("tenantdb: verify %s: %w", t.Database, err)
	}
	present, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("tenantdb: verify %s: %w", t.Database, err)
	}
	return missingRelations(present), nil
}

func missingRelations(present []string) []string {
	found := make(map[string]bool, len(present))
	for _, name := range present {
		found[name] = true
	}
	missing := []string{}
	for _, name := range Relations {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
