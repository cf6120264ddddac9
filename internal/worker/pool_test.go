package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/queue"
	"github.com/teresa-solution/agency-provisioning-service/internal/store/storetest"
)

// memQueue delivers ids over a channel and records what the pool did.
type memQueue struct {
	ready chan uuid.UUID

	mu       sync.Mutex
	delays   []time.Duration
	acked    []uuid.UUID
	buried   []uuid.UUID
	released []uuid.UUID
	extended int
}

func newMemQueue() *memQueue {
	return &memQueue{ready: make(chan uuid.UUID, 64)}
}

func (q *memQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.ready <- id
	return nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Lease, error) {
	select {
	case id := <-q.ready:
		return &queue.Lease{JobID: id, Token: uuid.NewString()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) Ack(_ context.Context, l *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, l.JobID)
	return nil
}

// Retry redelivers immediately; the requested delay is only recorded.
func (q *memQueue) Retry(_ context.Context, l *queue.Lease, delay time.Duration) error {
	q.mu.Lock()
	q.delays = append(q.delays, delay)
	q.mu.Unlock()
	q.ready <- l.JobID
	return nil
}

func (q *memQueue) Bury(_ context.Context, l *queue.Lease, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buried = append(q.buried, l.JobID)
	return nil
}

func (q *memQueue) Release(_ context.Context, l *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, l.JobID)
	return nil
}

func (q *memQueue) Recover(context.Context) (int, error) { return 0, nil }

func (q *memQueue) Extend(context.Context, *queue.Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extended++
	return nil
}

func (q *memQueue) snapshot() (delays []time.Duration, acked, buried, released []uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Duration(nil), q.delays...),
		append([]uuid.UUID(nil), q.acked...),
		append([]uuid.UUID(nil), q.buried...),
		append([]uuid.UUID(nil), q.released...)
}

type runnerFunc func(ctx context.Context, job *model.ProvisioningJob) error

func (f runnerFunc) Run(ctx context.Context, job *model.ProvisioningJob) error { return f(ctx, job) }

type recordingObserver struct {
	mu        sync.Mutex
	ready     int
	started   int
	completed int
	retried   int
	final     int
	released  int
}

func (o *recordingObserver) Ready(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready = n
}

func (o *recordingObserver) JobStarted(*model.ProvisioningJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) JobCompleted(*model.ProvisioningJob, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *recordingObserver) JobFailed(_ *model.ProvisioningJob, _ error, final bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if final {
		o.final++
	} else {
		o.retried++
	}
}

func (o *recordingObserver) JobReleased(*model.ProvisioningJob) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released++
}

func (o *recordingObserver) PoolError(error) {}

func (o *recordingObserver) counts() (started, completed, retried, final int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started, o.completed, o.retried, o.final
}

type harness struct {
	mem      *storetest.Memory
	queue    *memQueue
	observer *recordingObserver
}

func newHarness() *harness {
	return &harness{mem: storetest.New(), queue: newMemQueue(), observer: &recordingObserver{}}
}

func (h *harness) pool(runner Runner, concurrency int) *Pool {
	return New(h.queue, h.mem.Jobs, h.mem.Registry, runner, h.observer, Options{
		Concurrency: concurrency,
		RateLimit:   1000,
		RateBurst:   10,
		Retry:       queue.DefaultRetryPolicy(),
	})
}

// createJob stores a queued job with a pending registry entry.
func (h *harness) createJob(t *testing.T, subdomain string) *model.ProvisioningJob {
	t.Helper()
	ctx := context.Background()
	job := &model.ProvisioningJob{
		TenantName:   "Agency " + subdomain,
		Subdomain:    subdomain,
		DatabaseName: "agency_" + subdomain,
		AdminEmail:   "admin@" + subdomain + ".test",
	}
	require.NoError(t, h.mem.Jobs.Create(ctx, job))
	require.NoError(t, h.mem.Registry.CreatePending(ctx, &model.TenantRegistryEntry{
		TenantID:     job.TenantID,
		TenantName:   job.TenantName,
		Subdomain:    job.Subdomain,
		DatabaseName: job.DatabaseName,
	}))
	return job
}

func (h *harness) jobStatus(t *testing.T, id uuid.UUID) model.JobStatus {
	job, err := h.mem.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestPool_CompletesJobs(t *testing.T) {
	h := newHarness()
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		return h.mem.Jobs.Complete(ctx, job.ID)
	})
	p := h.pool(runner, 3)

	var jobs []*model.ProvisioningJob
	for _, s := range []string{"alpha", "bravo", "charlie", "delta"} {
		job := h.createJob(t, s)
		jobs = append(jobs, job)
	}

	// Start's reconciliation enqueues every queued job
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		_, completed, _, _ := h.observer.counts()
		return completed == len(jobs)
	}, 2*time.Second, 5*time.Millisecond)

	for _, job := range jobs {
		assert.Equal(t, model.JobCompleted, h.jobStatus(t, job.ID))
	}
	_, acked, _, _ := h.queue.snapshot()
	assert.Len(t, acked, len(jobs))
	assert.Equal(t, 3, h.observer.ready)
}

func TestPool_RetriesThenFails(t *testing.T) {
	h := newHarness()
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		runs.Add(1)
		return fault.Transient("creating_database", errors.New("connection refused"))
	})
	p := h.pool(runner, 1)
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		_, _, _, final := h.observer.counts()
		return final == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), runs.Load())
	delays, _, buried, _ := h.queue.snapshot()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	assert.Equal(t, []uuid.UUID{job.ID}, buried)

	stored, err := h.mem.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempt)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "connection refused")

	entry, err := h.mem.Registry.Get(context.Background(), job.TenantID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistryError, entry.Status)

	// no fourth attempt
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
}

func TestPool_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness()
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		runs.Add(1)
		return fault.Conflict("creating_database", "foreign database")
	})
	p := h.pool(runner, 2)
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		return h.jobStatus(t, job.ID) == model.JobFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), runs.Load())
	delays, _, _, _ := h.queue.snapshot()
	assert.Empty(t, delays)
}

func TestPool_SuccessAfterRetryKeepsRegistryPending(t *testing.T) {
	h := newHarness()
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		if runs.Add(1) == 1 {
			return fault.Migration("migrating_schema", errors.New("lock timeout"))
		}
		return h.mem.Jobs.Complete(ctx, job.ID)
	})
	p := h.pool(runner, 1)
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		return h.jobStatus(t, job.ID) == model.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	stored, err := h.mem.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Attempt)
	assert.Nil(t, stored.LastError)

	entry, err := h.mem.Registry.Get(context.Background(), job.TenantID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistryPending, entry.Status)
}

func TestPool_DuplicateDeliveryRunsOnce(t *testing.T) {
	h := newHarness()
	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		runs.Add(1)
		time.Sleep(10 * time.Millisecond)
		return h.mem.Jobs.Complete(ctx, job.ID)
	})
	p := h.pool(runner, 4)
	job := h.createJob(t, "acme")

	// Start enqueues it once, these add three more copies
	for i := 0; i < 3; i++ {
		require.NoError(t, h.queue.Enqueue(context.Background(), job.ID))
	}
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		_, acked, _, _ := h.queue.snapshot()
		return len(acked) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestPool_ShutdownReleasesInFlightJobs(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		close(started)
		<-ctx.Done()
		return fault.Transient("migrating_schema", ctx.Err())
	})
	p := h.pool(runner, 1)
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	<-started

	err := p.Shutdown(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)

	stored, err := h.mem.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempt)

	_, _, buried, released := h.queue.snapshot()
	assert.Equal(t, []uuid.UUID{job.ID}, released)
	assert.Empty(t, buried)
	_, _, retried, final := h.observer.counts()
	assert.Zero(t, retried+final)
	h.observer.mu.Lock()
	assert.Equal(t, 1, h.observer.released)
	h.observer.mu.Unlock()
}

func TestPool_ShutdownWaitsForInFlightJobs(t *testing.T) {
	h := newHarness()
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return h.mem.Jobs.Complete(ctx, job.ID)
	})
	p := h.pool(runner, 1)
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	<-started

	require.NoError(t, p.Shutdown(time.Second))
	assert.Equal(t, model.JobCompleted, h.jobStatus(t, job.ID))
}

func TestPool_ReconcileResetsStaleJobs(t *testing.T) {
	h := newHarness()
	p := h.pool(runnerFunc(func(context.Context, *model.ProvisioningJob) error { return nil }), 1)
	job := h.createJob(t, "acme")
	_, err := h.mem.Jobs.Claim(context.Background(), job.ID)
	require.NoError(t, err)

	// a running job is left alone until it goes stale
	n, err := p.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	p.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = p.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.JobQueued, h.jobStatus(t, job.ID))
}

func TestPool_LongJobIsNotReclaimedWhileRunning(t *testing.T) {
	h := newHarness()
	var runs, inFlight, maxInFlight atomic.Int32
	runner := runnerFunc(func(ctx context.Context, job *model.ProvisioningJob) error {
		runs.Add(1)
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(300 * time.Millisecond)
		return h.mem.Jobs.Complete(ctx, job.ID)
	})
	p := New(h.queue, h.mem.Jobs, h.mem.Registry, runner, h.observer, Options{
		Concurrency:       2,
		RateLimit:         1000,
		RateBurst:         10,
		ReconcileInterval: 20 * time.Millisecond,
		StaleAfter:        100 * time.Millisecond,
		Heartbeat:         10 * time.Millisecond,
		Retry:             queue.DefaultRetryPolicy(),
	})
	job := h.createJob(t, "acme")

	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)

	assert.Eventually(t, func() bool {
		return h.jobStatus(t, job.ID) == model.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
	h.queue.mu.Lock()
	assert.Greater(t, h.queue.extended, 0)
	h.queue.mu.Unlock()
}

func TestPool_StartTwice(t *testing.T) {
	h := newHarness()
	p := h.pool(runnerFunc(func(context.Context, *model.ProvisioningJob) error { return nil }), 1)
	require.NoError(t, p.Start(context.Background()))
	defer p.Shutdown(time.Second)
	assert.Error(t, p.Start(context.Background()))
}
