package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Conn is a pooled connection to one tenant database.
type Conn interface {
	Ping(ctx context.Context) error
	Close()
}

// Handle is a reference-counted, cached connection to a tenant database.
// Callers must Release a handle obtained from Resolve.
type Handle struct {
	tenantID uuid.UUID
	database string
	conn     Conn
	clock    func() time.Time
	lastUsed atomic.Int64

	// onClose runs once after the connection has been closed.
	onClose func(*Handle)

	mu      sync.Mutex
	refs    int
	evicted bool
	closed  bool
}

func newHandle(tenantID uuid.UUID, database string, conn Conn, clock func() time.Time) *Handle {
	h := &Handle{tenantID: tenantID, database: database, conn: conn, clock: clock}
	h.lastUsed.Store(clock().UnixNano())
	return h
}

// TenantID returns the tenant the handle belongs to.
func (h *Handle) TenantID() uuid.UUID { return h.tenantID }

// Database returns the tenant database name.
func (h *Handle) Database() string { return h.database }

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

// Pool returns the pgx pool behind the handle, or nil when the connection is
// not a pgx pool.
func (h *Handle) Pool() *pgxpool.Pool {
	pool, _ := h.conn.(*pgxpool.Pool)
	return pool
}

// LastUsed returns when the handle was last acquired or released.
func (h *Handle) LastUsed() time.Time {
	return time.Unix(0, h.lastUsed.Load())
}

// Refs returns the number of outstanding references.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// acquire takes a reference. It fails once the handle has been evicted.
func (h *Handle) acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return false
	}
	h.refs++
	h.lastUsed.Store(h.clock().UnixNano())
	return true
}

// Release drops a reference. The last release of an evicted handle closes
// its connection.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed.Store(h.clock().UnixNano())
	closeNow := h.evicted && h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	h.mu.Unlock()

	if closeNow {
		h.close()
	}
}

// evict marks the handle as no longer cached and closes it when unused. It
// reports whether the connection stays open for outstanding references.
func (h *Handle) evict() bool {
	h.mu.Lock()
	h.evicted = true
	closeNow := h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	draining := !h.closed
	h.mu.Unlock()

	if closeNow {
		h.close()
	}
	return draining
}

// revive returns an evicted handle whose connection is still open to the
// cached state. It fails once the connection has been closed.
func (h *Handle) revive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.evicted = false
	return true
}

func (h *Handle) close() {
	h.conn.Close()
	if h.onClose != nil {
		h.onClose(h)
	}
}

// idle reports whether the handle is unreferenced and unused for ttl.
func (h *Handle) idle(now time.Time, ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs == 0 && now.Sub(h.LastUsed()) > ttl
}

func (h *Handle) isEvicted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}
