// Package config holds the service configuration. Values come from command
// line flags, with secrets optionally overridden from the environment so they
// do not show up in process listings.
package config

import (
	"encoding/base64"
	"flag"
	"fmt"
	"strings"
	"time"
)

// DatabaseConfig describes a PostgreSQL server connection.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN returns a key=value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig describes the Redis server backing the job queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ValidatorConfig holds subdomain rules.
type ValidatorConfig struct {
	MinSubdomainLength int
	MaxSubdomainLength int
	BlockedTerms       []string
	DomainSuffixes     []string
	DatabasePrefix     string
}

// QueueConfig holds the Redis queue and retry settings.
type QueueConfig struct {
	Prefix        string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	KeepCompleted int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Jitter        float64
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency       int
	RateLimit         float64
	RateBurst         int
	ShutdownTimeout   time.Duration
	ReconcileInterval time.Duration
}

// RouterConfig holds connection router settings.
type RouterConfig struct {
	MaxTenants     int
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration
}

// TenantPoolConfig is stored in every new registry entry.
type TenantPoolConfig struct {
	Host                      string
	Port                      int
	MaxConnections            int
	IdleConnections           int
	ConnectionLifetimeMinutes int
}

// Config is the complete service configuration.
type Config struct {
	GRPCPort  int
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ControlPlane DatabaseConfig
	Engine       DatabaseConfig
	TenantPool   TenantPoolConfig
	Redis        RedisConfig

	// SecretKey is the base64 encoded 32-byte AES key for tenant secrets.
	SecretKey        string
	RegistryCacheTTL time.Duration
	Plans            []string

	Validator ValidatorConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Router    RouterConfig
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		GRPCPort:  50051,
		HTTPAddr:  ":8081",
		LogLevel:  "info",
		LogFormat: "console",
		ControlPlane: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "admin", Name: "control_plane", SSLMode: "disable",
		},
		Engine: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "admin", Name: "postgres", SSLMode: "disable",
		},
		TenantPool: TenantPoolConfig{
			MaxConnections:            10,
			IdleConnections:           1,
			ConnectionLifetimeMinutes: 30,
		},
		Redis:            RedisConfig{Addr: "localhost:6379"},
		RegistryCacheTTL: 5 * time.Minute,
		Plans:            []string{"basic", "pro", "enterprise"},
		Validator: ValidatorConfig{
			MinSubdomainLength: 3,
			MaxSubdomainLength: 50,
			DomainSuffixes:     []string{"example.app"},
			DatabasePrefix:     "agency_",
		},
		Queue: QueueConfig{
			Prefix:       "provisioning",
			PollInterval: time.Second,
			LeaseTTL:     15 * time.Minute,
			MaxAttempts:  3,
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
		},
		Worker: WorkerConfig{
			Concurrency:       5,
			RateLimit:         10,
			RateBurst:         1,
			ShutdownTimeout:   30 * time.Second,
			ReconcileInterval: time.Minute,
		},
		Router: RouterConfig{
			MaxTenants:     1000,
			IdleTTL:        15 * time.Minute,
			SweepInterval:  time.Minute,
			ConnectTimeout: 10 * time.Second,
		},
	}
}

// RegisterFlags binds every setting to fs. Defaults are the current values.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.GRPCPort, "port", c.GRPCPort, "Port gRPC server")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Address for health checks and metrics")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format (console, json)")

	registerDatabaseFlags(fs, "db", "Control-plane database", &c.ControlPlane)
	registerDatabaseFlags(fs, "engine", "Tenant database engine (admin)", &c.Engine)

	fs.StringVar(&c.TenantPool.Host, "tenant-host", c.TenantPool.Host, "Host stored in tenant connection parameters (defaults to engine host)")
	fs.IntVar(&c.TenantPool.Port, "tenant-port", c.TenantPool.Port, "Port stored in tenant connection parameters (defaults to engine port)")
	fs.IntVar(&c.TenantPool.MaxConnections, "tenant-max-conns", c.TenantPool.MaxConnections, "Max pooled connections per tenant")
	fs.IntVar(&c.TenantPool.IdleConnections, "tenant-min-conns", c.TenantPool.IdleConnections, "Min idle connections per tenant")
	fs.IntVar(&c.TenantPool.ConnectionLifetimeMinutes, "tenant-conn-lifetime", c.TenantPool.ConnectionLifetimeMinutes, "Tenant connection lifetime in minutes")

	fs.StringVar(&c.Redis.Addr, "redis-addr", c.Redis.Addr, "Redis address")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "Redis database")

	fs.StringVar(&c.SecretKey, "secret-key", c.SecretKey, "Base64 AES-256 key for tenant secrets")
	fs.DurationVar(&c.RegistryCacheTTL, "registry-cache-ttl", c.RegistryCacheTTL, "Registry read cache TTL")
	fs.Var((*stringList)(&c.Plans), "plans", "Comma separated plan catalog")

	fs.IntVar(&c.Validator.MinSubdomainLength, "subdomain-min", c.Validator.MinSubdomainLength, "Minimum subdomain length")
	fs.IntVar(&c.Validator.MaxSubdomainLength, "subdomain-max", c.Validator.MaxSubdomainLength, "Maximum subdomain length")
	fs.Var((*stringList)(&c.Validator.BlockedTerms), "blocked-terms", "Comma separated blocked subdomain substrings")
	fs.Var((*stringList)(&c.Validator.DomainSuffixes), "domain-suffixes", "Comma separated allowed domain suffixes")
	fs.StringVar(&c.Validator.DatabasePrefix, "database-prefix", c.Validator.DatabasePrefix, "Prefix of tenant database names")

	fs.StringVar(&c.Queue.Prefix, "queue-prefix", c.Queue.Prefix, "Redis key prefix of the job queue")
	fs.DurationVar(&c.Queue.PollInterval, "queue-poll", c.Queue.PollInterval, "Blocking dequeue poll interval")
	fs.DurationVar(&c.Queue.LeaseTTL, "queue-lease-ttl", c.Queue.LeaseTTL, "Job lease TTL")
	fs.IntVar(&c.Queue.KeepCompleted, "queue-keep-completed", c.Queue.KeepCompleted, "Completed queue records to keep (0 discards)")
	fs.IntVar(&c.Queue.MaxAttempts, "max-attempts", c.Queue.MaxAttempts, "Maximum provisioning attempts")
	fs.DurationVar(&c.Queue.BaseDelay, "retry-base-delay", c.Queue.BaseDelay, "Base retry delay")
	fs.DurationVar(&c.Queue.MaxDelay, "retry-max-delay", c.Queue.MaxDelay, "Retry delay ceiling")
	fs.Float64Var(&c.Queue.Jitter, "retry-jitter", c.Queue.Jitter, "Retry delay jitter fraction")

	fs.IntVar(&c.Worker.Concurrency, "workers", c.Worker.Concurrency, "Concurrent provisioning workers")
	fs.Float64Var(&c.Worker.RateLimit, "worker-rate", c.Worker.RateLimit, "Job starts per second")
	fs.IntVar(&c.Worker.RateBurst, "worker-burst", c.Worker.RateBurst, "Job start burst")
	fs.DurationVar(&c.Worker.ShutdownTimeout, "shutdown-timeout", c.Worker.ShutdownTimeout, "Graceful drain timeout")
	fs.DurationVar(&c.Worker.ReconcileInterval, "reconcile-interval", c.Worker.ReconcileInterval, "Queue reconciliation interval")

	fs.IntVar(&c.Router.MaxTenants, "router-max-tenants", c.Router.MaxTenants, "Max cached tenant pools")
	fs.DurationVar(&c.Router.IdleTTL, "router-idle-ttl", c.Router.IdleTTL, "Idle tenant pool TTL")
	fs.DurationVar(&c.Router.SweepInterval, "router-sweep", c.Router.SweepInterval, "Idle sweep interval")
	fs.DurationVar(&c.Router.ConnectTimeout, "router-connect-timeout", c.Router.ConnectTimeout, "Tenant connect timeout")
}

func registerDatabaseFlags(fs *flag.FlagSet, prefix, label string, c *DatabaseConfig) {
	fs.StringVar(&c.Host, prefix+"-host", c.Host, label+" host")
	fs.IntVar(&c.Port, prefix+"-port", c.Port, label+" port")
	fs.StringVar(&c.User, prefix+"-user", c.User, label+" user")
	fs.StringVar(&c.Password, prefix+"-pass", c.Password, label+" password")
	fs.StringVar(&c.Name, prefix+"-name", c.Name, label+" name")
	fs.StringVar(&c.SSLMode, prefix+"-sslmode", c.SSLMode, label+" sslmode")
}

// ApplyEnv overrides secrets from environment variables named
// <prefix>_CONTROL_DB_PASS, <prefix>_ENGINE_DB_PASS, <prefix>_REDIS_PASSWORD
// and <prefix>_SECRET_KEY.
func (c *Config) ApplyEnv(prefix string, lookup func(string) (string, bool)) {
	if v, ok := lookup(prefix + "_CONTROL_DB_PASS"); ok && v != "" {
		c.ControlPlane.Password = v
	}
	if v, ok := lookup(prefix + "_ENGINE_DB_PASS"); ok && v != "" {
		c.Engine.Password = v
	}
	if v, ok := lookup(prefix + "_REDIS_PASSWORD"); ok && v != "" {
		c.Redis.Password = v
	}
	if v, ok := lookup(prefix + "_SECRET_KEY"); ok && v != "" {
		c.SecretKey = v
	}
}

// Finalize fills derived defaults. Call it after flags and env are applied.
func (c *Config) Finalize() {
	if c.TenantPool.Host == "" {
		c.TenantPool.Host = c.Engine.Host
	}
	if c.TenantPool.Port == 0 {
		c.TenantPool.Port = c.Engine.Port
	}
}

// SecretKeyBytes decodes SecretKey.
func (c *Config) SecretKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("config: decode secret key: %w", err)
	}
	return key, nil
}

// maxIdentifier is PostgreSQL's identifier length limit (NAMEDATALEN - 1).
const maxIdentifier = 63

// roleSuffix is appended to the database name to form the tenant login role.
const roleSuffix = "_app"

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.ControlPlane.Host == "" || c.ControlPlane.Name == "":
		return fmt.Errorf("config: control-plane database host and name are required")
	case c.Engine.Host == "" || c.Engine.Name == "":
		return fmt.Errorf("config: engine database host and name are required")
	case c.Redis.Addr == "":
		return fmt.Errorf("config: redis address is required")
	case c.SecretKey == "":
		return fmt.Errorf("config: secret key is required")
	case c.Validator.MinSubdomainLength < 1 || c.Validator.MaxSubdomainLength < c.Validator.MinSubdomainLength:
		return fmt.Errorf("config: invalid subdomain length bounds [%d, %d]", c.Validator.MinSubdomainLength, c.Validator.MaxSubdomainLength)
	case len(c.Validator.DatabasePrefix)+c.Validator.MaxSubdomainLength+len(roleSuffix) > maxIdentifier:
		return fmt.Errorf("config: database prefix plus max subdomain length exceeds %d bytes", maxIdentifier)
	case c.Queue.MaxAttempts < 1:
		return fmt.Errorf("config: max attempts must be at least 1")
	case c.Queue.BaseDelay <= 0 || c.Queue.MaxDelay < c.Queue.BaseDelay:
		return fmt.Errorf("config: invalid retry delays")
	case c.Queue.PollInterval < time.Second:
		return fmt.Errorf("config: queue poll interval must be at least 1s")
	case c.Worker.Concurrency < 1:
		return fmt.Errorf("config: workers must be at least 1")
	case c.Worker.RateLimit <= 0 || c.Worker.RateBurst < 1:
		return fmt.Errorf("config: invalid worker rate limit")
	case c.Router.MaxTenants < 1:
		return fmt.Errorf("config: router max tenants must be at least 1")
	case c.Router.IdleTTL <= 0:
		return fmt.Errorf("config: router idle ttl must be positive")
	}
	key, err := c.SecretKeyBytes()
	if err != nil {
		return err
	}
	if len(key) != 32 {
		return fmt.Errorf("config: secret key must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// stringList is a comma separated flag value.
type stringList []string

func (s *stringList) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = nil
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
