package model

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// RegistryStatus is the provisioning status of a tenant registry entry.
type RegistryStatus string

const (
	RegistryPending RegistryStatus = "pending"
	RegistryActive  RegistryStatus = "active"
	RegistryError   RegistryStatus = "error"
)

// ConnParams are the connection parameters stored for a tenant database.
// The password is never stored here, only a reference into the secret store.
type ConnParams struct {
	Host                      string `json:"host"`
	Port                      int    `json:"port"`
	DatabaseName              string `json:"database_name"`
	Username                  string `json:"username"`
	PasswordSecretID          string `json:"password_secret_id"`
	MaxConnections            int    `json:"max_connections"`
	IdleConnections           int    `json:"idle_connections"`
	ConnectionLifetimeMinutes int    `json:"connection_lifetime_minutes"`
}

// ConnString builds a PostgreSQL URI for these parameters using the
// resolved password.
func (p ConnParams) ConnString(password, sslMode string) string {
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(p.Username),
		url.QueryEscape(password),
		p.Host,
		p.Port,
		url.PathEscape(p.DatabaseName),
		url.QueryEscape(sslMode),
	)
}

// TenantRegistryEntry represents the tenant_registry table
type TenantRegistryEntry struct {
	TenantID     uuid.UUID      `json:"tenant_id"`
	TenantName   string         `json:"tenant_name"`
	Subdomain    string         `json:"subdomain"`
	DatabaseName string         `json:"database_name"`
	Conn         ConnParams     `json:"conn"`
	Status       RegistryStatus `json:"status"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ActivatedAt  *time.Time     `json:"activated_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Active reports whether the tenant can receive traffic.
func (e *TenantRegistryEntry) Active() bool {
	return e != nil && e.Status == RegistryActive
}
