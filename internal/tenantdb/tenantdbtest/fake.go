// Package tenantdbtest provides an in-memory database engine for pipeline,
// worker and router tests.
package tenantdbtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/router"
	"github.com/teresa-solution/agency-provisioning-service/internal/tenantdb"
)

// Database is a fake tenant database.
type Database struct {
	Name     string
	Owner    string
	Tables   map[string]bool
	Version  uint
	Users    map[string]string
	Grants   map[string][]string
	Settings map[string]string
}

// Server is a fake database engine. It implements the engine operations the
// provisioning pipeline needs and a router.Connector.
type Server struct {
	mu     sync.Mutex
	roles  map[string]string
	dbs    map[string]*Database
	faults map[string][]error
	calls  map[string]int
	// broken relations are skipped by Migrate
	broken map[string]bool

	connects atomic.Int64
	// ConnectHook runs inside Connect before the connection is returned.
	ConnectHook func()
}

// NewServer creates an empty Server.
func NewServer() *Server {
	return &Server{
		roles:  make(map[string]string),
		dbs:    make(map[string]*Database),
		faults: make(map[string][]error),
		calls:  make(map[string]int),
		broken: make(map[string]bool),
	}
}

// Inject queues err for the next call of op, e.g. "Migrate".
func (s *Server) Inject(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Break makes Migrate skip relation, so verification finds it missing.
func (s *Server) Break(relation string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[relation] = true
}

// Calls returns how many times op was invoked.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Connects returns how many connections were opened through Connect.
func (s *Server) Connects() int {
	return int(s.connects.Load())
}

// AddForeignDatabase creates a database with tables we did not create.
func (s *Server) AddForeignDatabase(name string, tables ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := newDatabase(name, "someone_else")
	for _, t := range tables {
		db.Tables[t] = true
	}
	s.dbs[name] = db
}

// Database returns a copy of the named database, or nil.
func (s *Server) Database(name string) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[name]
	if !ok {
		return nil
	}
	c := *db
	c.Tables = copyMap(db.Tables)
	c.Users = copyMap(db.Users)
	c.Settings = copyMap(db.Settings)
	c.Grants = make(map[string][]string, len(db.Grants))
	for k, v := range db.Grants {
		c.Grants[k] = append([]string(nil), v...)
	}
	return &c
}

// DatabaseCount returns how many databases exist.
func (s *Server) DatabaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dbs)
}

// RolePassword returns the password of role and whether it exists.
func (s *Server) RolePassword(role string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.roles[role]
	return pw, ok
}

func copyMap[V any](m map[string]V) map[string]V {
	c := make(map[string]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func newDatabase(name, owner string) *Database {
	return &Database{
		Name:     name,
		Owner:    owner,
		Tables:   make(map[string]bool),
		Users:    make(map[string]string),
		Grants:   make(map[string][]string),
		Settings: make(map[string]string),
	}
}

// enter counts the call and returns an injected fault. mu must be held.
func (s *Server) enter(op string) error {
	s.calls[op]++
	errs := s.faults[op]
	if len(errs) == 0 {
		return nil
	}
	s.faults[op] = errs[1:]
	return errs[0]
}

// target returns the database t addresses after checking credentials.
func (s *Server) target(t tenantdb.Target) (*Database, error) {
	db, ok := s.dbs[t.Database]
	if !ok {
		return nil, fmt.Errorf("database %q does not exist", t.Database)
	}
	if pw, ok := s.roles[t.Role]; !ok || pw != t.Password {
		return nil, fmt.Errorf("password authentication failed for user %q", t.Role)
	}
	return db, nil
}

func (s *Server) EnsureRole(_ context.Context, role, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("EnsureRole"); err != nil {
		return err
	}
	s.roles[role] = password
	return nil
}

func (s *Server) DatabaseExists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DatabaseExists"); err != nil {
		return false, err
	}
	_, ok := s.dbs[name]
	return ok, nil
}

func (s *Server) CreateDatabase(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateDatabase"); err != nil {
		return err
	}
	if _, ok := s.dbs[name]; ok {
		return tenantdb.ErrDatabaseExists
	}
	s.dbs[name] = newDatabase(name, owner)
	return nil
}

func (s *Server) InspectSchema(_ context.Context, t tenantdb.Target) (tenantdb.SchemaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InspectSchema"); err != nil {
		return tenantdb.SchemaForeign, err
	}
	db, ok := s.dbs[t.Database]
	if !ok {
		return tenantdb.SchemaForeign, fmt.Errorf("database %q does not exist", t.Database)
	}
	switch {
	case len(db.Tables) == 0:
		return tenantdb.SchemaEmpty, nil
	case db.Tables[tenantdb.MigrationsTable]:
		return tenantdb.SchemaManaged, nil
	default:
		return tenantdb.SchemaForeign, nil
	}
}

func (s *Server) Migrate(_ context.Context, t tenantdb.Target) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Migrate"); err != nil {
		return 0, err
	}
	db, err := s.target(t)
	if err != nil {
		return 0, err
	}
	db.Tables[tenantdb.MigrationsTable] = true
	for _, rel := range tenantdb.Relations {
		if !s.broken[rel] {
			db.Tables[rel] = true
		}
	}
	db.Version = 3
	return db.Version, nil
}

func (s *Server) VerifySchema(_ context.Context, t tenantdb.Target) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("VerifySchema"); err != nil {
		return nil, err
	}
	db, err := s.target(t)
	if err != nil {
		return nil, err
	}
	missing := []string{}
	for _, rel := range tenantdb.Relations {
		if !db.Tables[rel] {
			missing = append(missing, rel)
		}
	}
	return missing, nil
}

func (s *Server) SeedAdmin(_ context.Context, t tenantdb.Target, seed tenantdb.AdminSeed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SeedAdmin"); err != nil {
		return err
	}
	db, err := s.target(t)
	if err != nil {
		return err
	}
	if !db.Tables["users"] || !db.Tables["user_roles"] {
		return errors.New(`relation "users" does not exist`)
	}
	email := strings.ToLower(seed.Email)
	db.Users[email] = seed.PasswordHash
	roles := db.Grants[email]
	for _, r := range roles {
		if r == string(model.RoleTenantAdmin) {
			return nil
		}
	}
	db.Grants[email] = append(roles, string(model.RoleTenantAdmin))
	if _, ok := db.Settings["agency_name"]; !ok {
		db.Settings["agency_name"] = seed.AgencyName
		db.Settings["plan"] = seed.Plan
	}
	return nil
}

// Conn is a fake tenant connection.
type Conn struct {
	server   *Server
	database string
	closed   atomic.Bool
}

func (c *Conn) Ping(context.Context) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	return nil
}

func (c *Conn) Close() { c.closed.Store(true) }

// Closed reports whether Close was called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// Database returns the name of the database the connection points at.
func (c *Conn) Database() string { return c.database }

// Tables lists the relations of the connected database.
func (c *Conn) Tables() []string {
	db := c.server.Database(c.database)
	if db == nil {
		return nil
	}
	tables := make([]string, 0, len(db.Tables))
	for t := range db.Tables {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// Connect implements router.Connector.
func (s *Server) Connect(ctx context.Context, entry *model.TenantRegistryEntry) (router.Conn, error) {
	if s.ConnectHook != nil {
		s.ConnectHook()
	}
	s.mu.Lock()
	err := s.enter("Connect")
	_, exists := s.dbs[entry.Conn.DatabaseName]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("database %q does not exist", entry.Conn.DatabaseName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.connects.Add(1)
	return &Conn{server: s, database: entry.Conn.DatabaseName}, nil
}
