package router

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
)

// SecretResolver resolves secret references stored in the registry.
type SecretResolver interface {
	Get(ctx context.Context, ref string) (string, error)
}

// PgxConnector opens a pgx pool per tenant.
type PgxConnector struct {
	secrets SecretResolver
	sslMode string
}

// NewPgxConnector creates a PgxConnector.
func NewPgxConnector(secrets SecretResolver, sslMode string) *PgxConnector {
	return &PgxConnector{secrets: secrets, sslMode: sslMode}
}

// PoolConfig builds the pool configuration for entry with the resolved
// password.
func PoolConfig(entry *model.TenantRegistryEntry, password, sslMode string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(entry.Conn.ConnString(password, sslMode))
	if err != nil {
		return nil, fmt.Errorf("router: parse config for %s: %w", entry.DatabaseName, err)
	}
	if entry.Conn.MaxConnections > 0 {
		cfg.MaxConns = int32(entry.Conn.MaxConnections)
	}
	if entry.Conn.IdleConnections > 0 {
		cfg.MinConns = int32(entry.Conn.IdleConnections)
	}
	if entry.Conn.ConnectionLifetimeMinutes > 0 {
		cfg.MaxConnLifetime = time.Duration(entry.Conn.ConnectionLifetimeMinutes) * time.Minute
	}
	return cfg, nil
}

// Connect resolves the tenant password and opens a verified pool.
func (c *PgxConnector) Connect(ctx context.Context, entry *model.TenantRegistryEntry) (Conn, error) {
	password, err := c.secrets.Get(ctx, entry.Conn.PasswordSecretID)
	if err != nil {
		return nil, fmt.Errorf("router: resolve password for %s: %w", entry.TenantID, err)
	}
	cfg, err := PoolConfig(entry, password, c.sslMode)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("router: open pool for %s: %w", entry.DatabaseName, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("router: ping %s: %w", entry.DatabaseName, err)
	}
	return pool, nil
}
