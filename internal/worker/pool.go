// Package worker runs provisioning jobs from the queue on a bounded set of
// goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/queue"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
	"golang.org/x/time/rate"
)

// ErrShutdownTimeout is returned by Shutdown when in-flight jobs had to be
// cancelled.
var ErrShutdownTimeout = errors.New("worker: shutdown timed out, in-flight jobs cancelled")

// Queue delivers job ids to workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Dequeue(ctx context.Context) (*queue.Lease, error)
	Ack(ctx context.Context, lease *queue.Lease) error
	Retry(ctx context.Context, lease *queue.Lease, delay time.Duration) error
	Bury(ctx context.Context, lease *queue.Lease, reason string) error
	Release(ctx context.Context, lease *queue.Lease) error
	Recover(ctx context.Context) (int, error)
	Extend(ctx context.Context, lease *queue.Lease) error
}

// Jobs owns the durable job state.
type Jobs interface {
	Claim(ctx context.Context, id uuid.UUID) (*model.ProvisioningJob, error)
	ScheduleRetry(ctx context.Context, id uuid.UUID, lastErr string, runAt time.Time) error
	Fail(ctx context.Context, id uuid.UUID, lastErr string) error
	Release(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID) error
	Resumable(ctx context.Context, now, staleBefore time.Time) ([]uuid.UUID, error)
}

// Registry is told when a tenant can never be provisioned.
type Registry interface {
	MarkError(ctx context.Context, tenantID uuid.UUID, reason string) (bool, error)
}

// Runner executes one claimed job.
type Runner interface {
	Run(ctx context.Context, job *model.ProvisioningJob) error
}

// Observer receives pool lifecycle events.
type Observer interface {
	Ready(workers int)
	JobStarted(job *model.ProvisioningJob)
	JobCompleted(job *model.ProvisioningJob, elapsed time.Duration)
	JobFailed(job *model.ProvisioningJob, err error, final bool)
	JobReleased(job *model.ProvisioningJob)
	PoolError(err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) Ready(int) {}
func (NopObserver) JobStarted(*model.ProvisioningJob) {}
func (NopObserver) JobCompleted(*model.ProvisioningJob, time.Duration) {}
func (NopObserver) JobFailed(*model.ProvisioningJob, error, bool) {}
func (NopObserver) JobReleased(*model.ProvisioningJob) {}
func (NopObserver) PoolError(error) {}

// Options configure a Pool.
type Options struct {
	Concurrency       int
	RateLimit         float64
	RateBurst         int
	ReconcileInterval time.Duration
	// StaleAfter is how long a running job may go untouched before the
	// reconciler assumes its worker died.
	StaleAfter time.Duration
	// Heartbeat is how often a running job's row and lease are refreshed.
	// It defaults to a third of StaleAfter.
	Heartbeat time.Duration
	Retry     queue.RetryPolicy
}

// Pool runs jobs with at most Concurrency in flight.
type Pool struct {
	queue    Queue
	jobs     Jobs
	registry Registry
	runner   Runner
	observer Observer
	opts     Options
	limiter  *rate.Limiter
	now      func() time.Time

	mu         sync.Mutex
	started    bool
	loopCtx    context.Context
	stopLoop   context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a Pool. observer may be nil.
func New(q Queue, jobs Jobs, registry Registry, runner Runner, observer Observer, opts Options) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.Heartbeat <= 0 || opts.Heartbeat >= opts.StaleAfter {
		opts.Heartbeat = opts.StaleAfter / 3
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = queue.DefaultRetryPolicy()
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Pool{
		queue:    q,
		jobs:     jobs,
		registry: registry,
		runner:   runner,
		observer: observer,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		now:      time.Now,
	}
}

// Start recovers abandoned work and launches the workers. Jobs keep running
// after ctx is cancelled until Shutdown decides otherwise.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker: pool already started")
	}

	if n, err := p.queue.Recover(ctx); err != nil {
		return fmt.Errorf("worker: recover queue: %w", err)
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Recovered jobs with expired leases")
	}
	if _, err := p.Reconcile(ctx); err != nil {
		return err
	}

	p.loopCtx, p.stopLoop = context.WithCancel(ctx)
	p.jobCtx, p.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))
	p.started = true

	for i := 0; i < p.opts.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	if p.opts.ReconcileInterval > 0 {
		p.wg.Add(1)
		go p.reconcileLoop()
	}

	log.Info().Int("workers", p.opts.Concurrency).Float64("rate", p.opts.RateLimit).Msg("Worker pool started")
	p.observer.Ready(p.opts.Concurrency)
	return nil
}

// Shutdown stops dequeuing and waits up to timeout for in-flight jobs. Jobs
// still running after that are cancelled and returned to the queue with
// their attempt unchanged.
func (p *Pool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	p.stopLoop()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancelJobs()
		log.Info().Msg("Worker pool drained")
		return nil
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Cancelling in-flight provisioning jobs")
		p.cancelJobs()
		<-done
		return ErrShutdownTimeout
	}
}

// Reconcile pushes every resumable job back on the queue: queued jobs whose
// run_at has passed and running jobs abandoned for longer than StaleAfter.
// Duplicates are harmless since claiming a job is exclusive.
func (p *Pool) Reconcile(ctx context.Context) (int, error) {
	now := p.now()
	ids, err := p.jobs.Resumable(ctx, now, now.Add(-p.opts.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("worker: reconcile: %w", err)
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			return 0, fmt.Errorf("worker: reconcile: %w", err)
		}
	}
	if len(ids) > 0 {
		log.Debug().Int("count", len(ids)).Msg("Re-enqueued resumable jobs")
	}
	return len(ids), nil
}

func (p *Pool) reconcileLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.loopCtx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reconcile(p.loopCtx); err != nil && p.loopCtx.Err() == nil {
				log.Error().Err(err).Msg("Queue reconciliation failed")
				p.observer.PoolError(err)
			}
		}
	}
}

func (p *Pool) work(worker int) {
	defer p.wg.Done()
	for {
		lease, err := p.queue.Dequeue(p.loopCtx)
		if err != nil {
			if p.loopCtx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", worker).Msg("Dequeue failed")
			p.observer.PoolError(err)
			select {
			case <-p.loopCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := p.limiter.Wait(p.loopCtx); err != nil {
			p.bookkeep("release lease", lease.JobID, func(ctx context.Context) error {
				return p.queue.Release(ctx, lease)
			})
			return
		}
		p.process(worker, lease)
	}
}

// bookkeep runs a state update that must happen even while shutting down.
func (p *Pool) bookkeep(op string, jobID uuid.UUID, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error().Err(err).Str("job_id", jobID.String()).Str("op", op).Msg("Job bookkeeping failed")
		p.observer.PoolError(fmt.Errorf("%s %s: %w", op, jobID, err))
	}
}

func (p *Pool) process(worker int, lease *queue.Lease) {
	ctx := p.jobCtx
	logger := log.With().Str("job_id", lease.JobID.String()).Int("worker", worker).Logger()

	job, err := p.jobs.Claim(ctx, lease.JobID)
	if err != nil {
		if store.IsNoRows(err) {
			logger.Debug().Msg("Job is not queued, dropping delivery")
			p.bookkeep("ack", lease.JobID, func(ctx context.Context) error { return p.queue.Ack(ctx, lease) })
			return
		}
		logger.Error().Err(err).Msg("Failed to claim job")
		p.observer.PoolError(err)
		p.bookkeep("release lease", lease.JobID, func(ctx context.Context) error { return p.queue.Release(ctx, lease) })
		return
	}

	logger.Info().Str("tenant_id", job.TenantID.String()).Int("attempt", job.Attempt).Msg("Provisioning job started")
	p.observer.JobStarted(job)
	start := p.now()
	stopBeat := p.heartbeat(job.ID, lease)
	err = p.runner.Run(ctx, job)
	stopBeat()
	elapsed := p.now().Sub(start)

	switch {
	case err == nil:
		p.bookkeep("ack", job.ID, func(ctx context.Context) error { return p.queue.Ack(ctx, lease) })
		logger.Info().Dur("elapsed", elapsed).Msg("Provisioning job completed")
		p.observer.JobCompleted(job, elapsed)

	case ctx.Err() != nil:
		logger.Warn().Err(err).Msg("Provisioning job interrupted by shutdown, releasing")
		p.bookkeep("release job", job.ID, func(ctx context.Context) error { return p.jobs.Release(ctx, job.ID) })
		p.bookkeep("release lease", job.ID, func(ctx context.Context) error { return p.queue.Release(ctx, lease) })
		p.observer.JobReleased(job)

	case fault.IsRetryable(err) && p.opts.Retry.ShouldRetry(job.Attempt):
		delay := p.opts.Retry.Delay(job.Attempt)
		runAt := p.now().Add(delay)
		p.bookkeep("schedule retry", job.ID, func(ctx context.Context) error {
			return p.jobs.ScheduleRetry(ctx, job.ID, err.Error(), runAt)
		})
		p.bookkeep("retry lease", job.ID, func(ctx context.Context) error { return p.queue.Retry(ctx, lease, delay) })
		logger.Warn().Err(err).Dur("delay", delay).Msg("Provisioning job failed, retry scheduled")
		p.observer.JobFailed(job, err, false)

	default:
		reason := err.Error()
		p.bookkeep("fail job", job.ID, func(ctx context.Context) error { return p.jobs.Fail(ctx, job.ID, reason) })
		p.bookkeep("mark registry error", job.ID, func(ctx context.Context) error {
			_, err := p.registry.MarkError(ctx, job.TenantID, reason)
			return err
		})
		p.bookkeep("bury lease", job.ID, func(ctx context.Context) error { return p.queue.Bury(ctx, lease, reason) })
		logger.Error().Err(err).Str("kind", fault.KindOf(err).String()).Msg("Provisioning job failed permanently")
		p.observer.JobFailed(job, err, true)
	}
}

// heartbeat keeps a running job's row fresh and its lease armed until the
// returned func is called.
func (p *Pool) heartbeat(jobID uuid.UUID, lease *queue.Lease) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.opts.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.beat(jobID, lease)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) beat(jobID uuid.UUID, lease *queue.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Heartbeat)
	defer cancel()
	if err := p.jobs.Touch(ctx, jobID); store.IsNoRows(err) {
		// the runner already moved the job out of running
		return
	} else if err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to refresh running job")
		p.observer.PoolError(fmt.Errorf("touch job %s: %w", jobID, err))
	}
	if err := p.queue.Extend(ctx, lease); err != nil {
		log.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to extend job lease")
		p.observer.PoolError(err)
	}
}
