// Package router resolves tenant ids to cached, pooled connections to their
// isolated databases.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
	"golang.org/x/sync/singleflight"
)

// Registry looks up tenant registry entries.
type Registry interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*model.TenantRegistryEntry, error)
}

// Connector opens a connection for an active registry entry.
type Connector interface {
	Connect(ctx context.Context, entry *model.TenantRegistryEntry) (Conn, error)
}

// Options configure a Router.
type Options struct {
	MaxTenants     int
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	ConnectTimeout time.Duration
}

// maxResolveAttempts bounds retries when a handle is evicted between lookup
// and acquire.
const maxResolveAttempts = 3

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("router: closed")

// Router keeps at most one live connection handle per tenant. Concurrent
// first requests for a tenant share a single connection attempt.
//
// A handle evicted from the cache while still referenced is draining: it
// closes on its last release, and resolving its tenant before then puts it
// back in the cache instead of opening a second connection.
type Router struct {
	registry  Registry
	connector Connector
	opts      Options
	cache     *lru.Cache[uuid.UUID, *Handle]
	group     singleflight.Group
	now       func() time.Time

	mu       sync.Mutex
	draining map[uuid.UUID]*Handle

	// lifeMu orders cache inserts against Close.
	lifeMu sync.RWMutex
	closed bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Router and starts its idle sweeper when SweepInterval is set.
func New(registry Registry, connector Connector, opts Options) (*Router, error) {
	if opts.MaxTenants < 1 {
		return nil, errors.New("router: max tenants must be at least 1")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	r := &Router{
		registry:  registry,
		connector: connector,
		opts:      opts,
		now:       time.Now,
		draining:  make(map[uuid.UUID]*Handle),
		stop:      make(chan struct{}),
	}
	cache, err := lru.NewWithEvict(opts.MaxTenants, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	r.cache = cache

	if opts.SweepInterval > 0 && opts.IdleTTL > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	return r, nil
}

// Resolve returns an acquired handle for tenantID. Tenants without an
// active registry entry yield a fault.KindNotProvisioned error.
func (r *Router) Resolve(ctx context.Context, tenantID uuid.UUID) (*Handle, error) {
	if r.isClosed() {
		return nil, fault.Transient("resolve", ErrClosed)
	}
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		if h, ok := r.cache.Get(tenantID); ok && h.acquire() {
			return h, nil
		}

		ch := r.group.DoChan(tenantID.String(), func() (interface{}, error) {
			return r.connect(tenantID)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if h := res.Val.(*Handle); h.acquire() {
				return h, nil
			}
		}
	}
	return nil, fault.Transient("resolve", fmt.Errorf("tenant %s connection evicted while resolving", tenantID))
}

// connect runs once per tenant at a time. It is detached from any single
// caller's context so one caller giving up does not fail the others.
func (r *Router) connect(tenantID uuid.UUID) (*Handle, error) {
	if h, ok := r.cache.Peek(tenantID); ok && !h.isEvicted() {
		return h, nil
	}
	if h, ok := r.revive(tenantID); ok {
		return h, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ConnectTimeout)
	defer cancel()

	entry, err := r.registry.Get(ctx, tenantID)
	if err != nil {
		if store.IsNoRows(err) {
			return nil, fault.NotProvisioned(tenantID.String())
		}
		return nil, fault.Transient("resolve", err)
	}
	if !entry.Active() {
		return nil, fault.NotProvisioned(tenantID.String())
	}

	conn, err := r.connector.Connect(ctx, entry)
	if err != nil {
		return nil, fault.Transient("connect", err)
	}

	h := newHandle(tenantID, entry.DatabaseName, conn, r.now)
	h.onClose = r.forget
	if !r.insert(tenantID, h) {
		conn.Close()
		return nil, fault.Transient("resolve", ErrClosed)
	}
	log.Info().Str("tenant_id", tenantID.String()).Str("database", entry.DatabaseName).Msg("Opened tenant connection")
	return h, nil
}

// insert caches h unless the router is closed.
func (r *Router) insert(tenantID uuid.UUID, h *Handle) bool {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	if r.closed {
		return false
	}
	r.cache.Add(tenantID, h)
	return true
}

// revive puts a draining handle of tenantID back in the cache.
func (r *Router) revive(tenantID uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	h, ok := r.draining[tenantID]
	if ok {
		delete(r.draining, tenantID)
	}
	r.mu.Unlock()
	if !ok || !h.revive() {
		return nil, false
	}
	if !r.insert(tenantID, h) {
		h.evict()
		return nil, false
	}
	log.Debug().Str("tenant_id", tenantID.String()).Msg("Revived draining tenant connection")
	return h, true
}

func (r *Router) onEvict(tenantID uuid.UUID, h *Handle) {
	log.Debug().Str("tenant_id", tenantID.String()).Msg("Evicting tenant connection")
	r.mu.Lock()
	r.draining[tenantID] = h
	r.mu.Unlock()
	if !h.evict() {
		r.forget(h)
	}
}

// forget drops h from the draining set once its connection is closed.
func (r *Router) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining[h.tenantID] == h {
		delete(r.draining, h.tenantID)
	}
}

func (r *Router) isClosed() bool {
	r.lifeMu.RLock()
	defer r.lifeMu.RUnlock()
	return r.closed
}

// Evict drops the cached handle of a tenant. Its connection closes once the
// last outstanding reference is released.
func (r *Router) Evict(tenantID uuid.UUID) bool {
	return r.cache.Remove(tenantID)
}

// Len returns the number of cached tenant handles.
func (r *Router) Len() int {
	return r.cache.Len()
}

// Live returns the number of open tenant connections: cached handles plus
// evicted ones still held by callers.
func (r *Router) Live() int {
	r.mu.Lock()
	draining := len(r.draining)
	r.mu.Unlock()
	return r.cache.Len() + draining
}

// Sweep evicts handles that have been unreferenced for longer than IdleTTL
// and returns how many were evicted.
func (r *Router) Sweep() int {
	now := r.now()
	evicted := 0
	for _, tenantID := range r.cache.Keys() {
		h, ok := r.cache.Peek(tenantID)
		if !ok || !h.idle(now, r.opts.IdleTTL) {
			continue
		}
		if r.cache.Remove(tenantID) {
			evicted++
		}
	}
	return evicted
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debug().Int("count", n).Msg("Closed idle tenant connections")
			}
		}
	}
}

// Close stops the sweeper and evicts every handle. Handles still held by
// callers close on their last release.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.lifeMu.Lock()
		r.closed = true
		r.lifeMu.Unlock()

		close(r.stop)
		r.wg.Wait()
		r.cache.Purge()
	})
}
