package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
)

// RedisClient is the subset of the Redis API used for the registry read cache.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const registryColumns = `tenant_id, tenant_name, subdomain, database_name, host, port, username, password_secret_id,
       max_connections, idle_connections, connection_lifetime_minutes, status, last_error,
       created_at, activated_at, updated_at`

// RegistryRepository is the control-plane tenant registry. Reads go through
// an optional Redis cache; every write invalidates the tenant's cache key.
type RegistryRepository struct {
	db       *sql.DB
	redis    RedisClient
	cacheTTL time.Duration
}

// NewRegistryRepository creates a RegistryRepository. redis may be nil to
// disable caching.
func NewRegistryRepository(db *sql.DB, redis RedisClient, cacheTTL time.Duration) *RegistryRepository {
	return &RegistryRepository{db: db, redis: redis, cacheTTL: cacheTTL}
}

func cacheKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID.String())
}

func (r *RegistryRepository) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if r.redis == nil {
		return
	}
	if err := r.redis.Del(ctx, cacheKey(tenantID)).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to invalidate registry cache")
	}
}

func scanEntry(row rowScanner) (*model.TenantRegistryEntry, error) {
	e := &model.TenantRegistryEntry{}
	err := row.Scan(
		&e.TenantID, &e.TenantName, &e.Subdomain, &e.DatabaseName,
		&e.Conn.Host, &e.Conn.Port, &e.Conn.Username, &e.Conn.PasswordSecretID,
		&e.Conn.MaxConnections, &e.Conn.IdleConnections, &e.Conn.ConnectionLifetimeMinutes,
		&e.Status, &e.LastError, &e.CreatedAt, &e.ActivatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Conn.DatabaseName = e.DatabaseName
	return e, nil
}

// CreatePending inserts a pending entry. If the tenant already has an entry
// it is left untouched, so re-running a pipeline is safe.
func (r *RegistryRepository) CreatePending(ctx context.Context, entry *model.TenantRegistryEntry) error {
	query := `
		INSERT INTO tenant_registry (tenant_id, tenant_name, subdomain, database_name, host, port, username,
		                             password_secret_id, max_connections, idle_connections,
		                             connection_lifetime_minutes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending')
		ON CONFLICT (tenant_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.TenantID, entry.TenantName, entry.Subdomain, entry.DatabaseName,
		entry.Conn.Host, entry.Conn.Port, entry.Conn.Username, entry.Conn.PasswordSecretID,
		entry.Conn.MaxConnections, entry.Conn.IdleConnections, entry.Conn.ConnectionLifetimeMinutes,
	)
	if err != nil {
		return classify("create registry entry", err)
	}
	r.invalidate(ctx, entry.TenantID)
	return nil
}

// Activate moves a pending entry to active and stamps activated_at. An entry
// that is already active is left as is. Entries in error cannot be
// activated.
func (r *RegistryRepository) Activate(ctx context.Context, tenantID uuid.UUID) error {
	query := `
		UPDATE tenant_registry
		SET status = 'active', activated_at = now(), last_error = NULL, updated_at = now()
		WHERE tenant_id = $1 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, tenantID)
	if err != nil {
		return classify("activate tenant", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return classify("activate tenant", err)
	}
	r.invalidate(ctx, tenantID)
	if rows > 0 {
		return nil
	}

	var status model.RegistryStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM tenant_registry WHERE tenant_id = $1`, tenantID).Scan(&status)
	if err != nil {
		return classify("activate tenant", err)
	}
	if status == model.RegistryActive {
		return nil
	}
	return &Error{Kind: KindConstraint, Op: "activate tenant", Err: fmt.Errorf("registry entry is %s", status)}
}

// MarkError moves a pending entry to error. Active entries are never
// demoted; the call is then a no-op and reports false.
func (r *RegistryRepository) MarkError(ctx context.Context, tenantID uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE tenant_registry
		SET status = 'error', last_error = $2, updated_at = now()
		WHERE tenant_id = $1 AND status = 'pending'
	`
	result, err := r.db.ExecContext(ctx, query, tenantID, reason)
	if err != nil {
		return false, classify("mark tenant error", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, classify("mark tenant error", err)
	}
	r.invalidate(ctx, tenantID)
	return rows > 0, nil
}

// Get retrieves a registry entry by tenant ID
func (r *RegistryRepository) Get(ctx context.Context, tenantID uuid.UUID) (*model.TenantRegistryEntry, error) {
	key := cacheKey(tenantID)
	if r.redis != nil {
		cached, err := r.redis.Get(ctx, key).Result()
		if err == nil {
			entry := &model.TenantRegistryEntry{}
			if err := json.Unmarshal([]byte(cached), entry); err == nil {
				return entry, nil
			}
		}
	}

	query := `SELECT ` + registryColumns + ` FROM tenant_registry WHERE tenant_id = $1`
	entry, err := scanEntry(r.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		return nil, classify("get registry entry", err)
	}

	// Only active entries are cached; they never change status again.
	if r.redis != nil && entry.Active() {
		if data, err := json.Marshal(entry); err == nil {
			if err := r.redis.SetEx(ctx, key, data, r.cacheTTL).Err(); err != nil {
				log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to cache registry entry")
			}
		}
	}
	return entry, nil
}

// ListByStatus returns entries with the given status ordered by creation.
func (r *RegistryRepository) ListByStatus(ctx context.Context, status model.RegistryStatus) ([]model.TenantRegistryEntry, error) {
	query := `SELECT ` + registryColumns + ` FROM tenant_registry WHERE status = $1 ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, classify("list registry", err)
	}
	defer rows.Close()

	entries := []model.TenantRegistryEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify("list registry", err)
		}
		entries = append(entries, *e)
	}
	return entries, classify("list registry", rows.Err())
}
