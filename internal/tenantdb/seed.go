package tenantdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
)

// AdminSeed is the first user of a tenant and the agency defaults.
type AdminSeed struct {
	Email        string
	PasswordHash string
	AgencyName   string
	Plan         string
}

// SeedAdmin writes the role permission table, the admin user and the
// tenant_admin grant. Every statement is an upsert, so running it twice
// leaves the same rows.
func (e *Engine) SeedAdmin(ctx context.Context, t Target, seed AdminSeed) error {
	conn, err := e.connect(ctx, t)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		return seedTx(ctx, tx, seed)
	})
	if err != nil {
		return fmt.Errorf("tenantdb: seed %s: %w", t.Database, err)
	}
	return nil
}

func seedTx(ctx context.Context, tx pgx.Tx, seed AdminSeed) error {
	batch := &pgx.Batch{}
	for _, role := range model.Roles() {
		batch.Queue(`INSERT INTO roles (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			string(role), roleDescription(role))
		for _, p := range model.Permissions(role) {
			batch.Queue(`INSERT INTO role_permissions (role_name, action, subject) VALUES ($1, $2, $3)
			             ON CONFLICT DO NOTHING`, string(role), string(p.Action), string(p.Subject))
		}
	}

	settings := map[string]any{
		"agency_name": seed.AgencyName,
		"plan":        seed.Plan,
	}
	for key, value := range settings {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO agency_settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, key, string(raw))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	var userID string
	err := tx.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, full_name)
		VALUES ($1, $2, $3)
		ON CONFLICT ((lower(email))) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = now()
		RETURNING id::text
	`, strings.ToLower(seed.Email), seed.PasswordHash, "Administrator").Scan(&userID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_name) VALUES ($1::uuid, $2) ON CONFLICT DO NOTHING`,
		userID, string(model.RoleTenantAdmin),
	)
	return err
}

func roleDescription(role model.Role) string {
	switch role {
	case model.RoleTenantAdmin:
		return "Full control of the agency"
	case model.RoleManager:
		return "Manages users and settings"
	case model.RoleAgent:
		return "Day to day operations"
	default:
		return "Read-only access"
	}
}
