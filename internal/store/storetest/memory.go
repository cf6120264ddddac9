// Package storetest provides in-memory versions of the control-plane
// repositories for tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
)

// Memory holds the shared state behind Jobs, Registry and Secrets so that
// NameTaken can look across jobs and registry entries like the SQL version.
type Memory struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*model.ProvisioningJob
	order    []uuid.UUID
	logs     []model.ProvisioningLog
	registry map[uuid.UUID]*model.TenantRegistryEntry
	secrets  map[string]string
	faults   map[string][]error

	Jobs     *Jobs
	Registry *Registry
	Secrets  *Secrets
}

// New creates an empty Memory.
func New() *Memory {
	m := &Memory{
		jobs:     make(map[uuid.UUID]*model.ProvisioningJob),
		registry: make(map[uuid.UUID]*model.TenantRegistryEntry),
		secrets:  make(map[string]string),
		faults:   make(map[string][]error),
	}
	m.Jobs = &Jobs{m: m}
	m.Registry = &Registry{m: m}
	m.Secrets = &Secrets{m: m}
	return m
}

// Inject queues err to be returned by the next call of op, e.g.
// "registry.Activate". Errors queue up and are consumed in order.
func (m *Memory) Inject(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// fault must be called with mu held.
func (m *Memory) fault(op string) error {
	errs := m.faults[op]
	if len(errs) == 0 {
		return nil
	}
	m.faults[op] = errs[1:]
	return errs[0]
}

func (m *Memory) nameTaken(subdomain, databaseName string, skip uuid.UUID) bool {
	for id, job := range m.jobs {
		if id == skip || job.Status == model.JobFailed {
			continue
		}
		if strings.EqualFold(job.Subdomain, subdomain) || strings.EqualFold(job.DatabaseName, databaseName) {
			return true
		}
	}
	for _, e := range m.registry {
		if strings.EqualFold(e.Subdomain, subdomain) || strings.EqualFold(e.DatabaseName, databaseName) {
			return true
		}
	}
	return false
}

func cloneJob(j *model.ProvisioningJob) *model.ProvisioningJob {
	c := *j
	if j.LastError != nil {
		s := *j.LastError
		c.LastError = &s
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneEntry(e *model.TenantRegistryEntry) *model.TenantRegistryEntry {
	c := *e
	if e.LastError != nil {
		s := *e.LastError
		c.LastError = &s
	}
	if e.ActivatedAt != nil {
		t := *e.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

// Jobs is the in-memory job repository.
type Jobs struct{ m *Memory }

func (j *Jobs) Create(_ context.Context, job *model.ProvisioningJob) error {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.Create"); err != nil {
		return err
	}
	if m.nameTaken(job.Subdomain, job.DatabaseName, uuid.Nil) {
		return store.NewError(store.KindConstraint, "create job", errors.New("duplicate subdomain or database name"))
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.TenantID == uuid.Nil {
		job.TenantID = uuid.New()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	now := time.Now()
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = model.JobQueued
	job.PipelineState = model.StatePending
	job.CreatedAt, job.UpdatedAt = now, now
	m.jobs[job.ID] = cloneJob(job)
	m.order = append(m.order, job.ID)
	return nil
}

func (j *Jobs) Get(_ context.Context, id uuid.UUID) (*model.ProvisioningJob, error) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.Get"); err != nil {
		return nil, err
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.NoRows("get job")
	}
	return cloneJob(job), nil
}

func (j *Jobs) NameTaken(_ context.Context, subdomain, databaseName string) (bool, error) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.NameTaken"); err != nil {
		return false, err
	}
	return m.nameTaken(subdomain, databaseName, uuid.Nil), nil
}

func (j *Jobs) Claim(_ context.Context, id uuid.UUID) (*model.ProvisioningJob, error) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.Claim"); err != nil {
		return nil, err
	}
	job, ok := m.jobs[id]
	if !ok || job.Status != model.JobQueued {
		return nil, store.NoRows("claim job")
	}
	job.Status = model.JobRunning
	job.PipelineState = model.StatePending
	job.UpdatedAt = time.Now()
	return cloneJob(job), nil
}

func (j *Jobs) RecordStep(_ context.Context, jobID, tenantID uuid.UUID, state model.PipelineState, status string, details map[string]any) error {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.RecordStep"); err != nil {
		return err
	}
	m.logs = append(m.logs, model.ProvisioningLog{
		ID:        int64(len(m.logs) + 1),
		JobID:     jobID,
		TenantID:  tenantID,
		Step:      state,
		Status:    status,
		Details:   details,
		CreatedAt: time.Now(),
	})
	if job, ok := m.jobs[jobID]; ok && job.Status == model.JobRunning {
		job.PipelineState = state
		job.UpdatedAt = time.Now()
	}
	return nil
}

func (j *Jobs) transition(op string, id uuid.UUID, idempotent model.JobStatus, apply func(*model.ProvisioningJob)) error {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs." + op); err != nil {
		return err
	}
	job, ok := m.jobs[id]
	if !ok {
		return store.NoRows(op)
	}
	if job.Status != model.JobRunning {
		if idempotent != "" && job.Status == idempotent {
			return nil
		}
		return store.NoRows(op)
	}
	apply(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (j *Jobs) Complete(_ context.Context, id uuid.UUID) error {
	return j.transition("Complete", id, model.JobCompleted, func(job *model.ProvisioningJob) {
		now := time.Now()
		job.Status = model.JobCompleted
		job.PipelineState = model.StateCompleted
		job.LastError = nil
		job.CompletedAt = &now
	})
}

func (j *Jobs) ScheduleRetry(_ context.Context, id uuid.UUID, lastErr string, runAt time.Time) error {
	return j.transition("ScheduleRetry", id, "", func(job *model.ProvisioningJob) {
		job.Status = model.JobQueued
		job.PipelineState = model.StateFailed
		job.Attempt++
		job.LastError = &lastErr
		job.RunAt = runAt
	})
}

func (j *Jobs) Fail(_ context.Context, id uuid.UUID, lastErr string) error {
	return j.transition("Fail", id, model.JobFailed, func(job *model.ProvisioningJob) {
		job.Status = model.JobFailed
		job.PipelineState = model.StateFailed
		job.LastError = &lastErr
	})
}

func (j *Jobs) Release(_ context.Context, id uuid.UUID) error {
	return j.transition("Release", id, model.JobQueued, func(job *model.ProvisioningJob) {
		job.Status = model.JobQueued
	})
}

func (j *Jobs) Touch(_ context.Context, id uuid.UUID) error {
	return j.transition("Touch", id, "", func(*model.ProvisioningJob) {})
}

func (j *Jobs) Resumable(_ context.Context, now, staleBefore time.Time) ([]uuid.UUID, error) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("jobs.Resumable"); err != nil {
		return nil, err
	}
	ids := []uuid.UUID{}
	for _, id := range m.order {
		job := m.jobs[id]
		if job.Status == model.JobRunning && job.UpdatedAt.Before(staleBefore) {
			job.Status = model.JobQueued
			job.UpdatedAt = time.Now()
		}
		if job.Status == model.JobQueued && !job.RunAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (j *Jobs) Logs(_ context.Context, jobID uuid.UUID) ([]model.ProvisioningLog, error) {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := []model.ProvisioningLog{}
	for _, l := range m.logs {
		if l.JobID == jobID {
			logs = append(logs, l)
		}
	}
	return logs, nil
}

// Steps returns "STATE/status" pairs of a job's log, in order.
func (j *Jobs) Steps(jobID uuid.UUID) []string {
	logs, _ := j.Logs(context.Background(), jobID)
	steps := make([]string, 0, len(logs))
	for _, l := range logs {
		steps = append(steps, string(l.Step)+"/"+l.Status)
	}
	return steps
}

// Registry is the in-memory tenant registry.
type Registry struct{ m *Memory }

func (r *Registry) CreatePending(_ context.Context, entry *model.TenantRegistryEntry) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("registry.CreatePending"); err != nil {
		return err
	}
	if _, ok := m.registry[entry.TenantID]; ok {
		return nil
	}
	c := cloneEntry(entry)
	now := time.Now()
	c.Status = model.RegistryPending
	c.CreatedAt, c.UpdatedAt = now, now
	c.Conn.DatabaseName = c.DatabaseName
	m.registry[entry.TenantID] = c
	return nil
}

func (r *Registry) Activate(_ context.Context, tenantID uuid.UUID) error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("registry.Activate"); err != nil {
		return err
	}
	e, ok := m.registry[tenantID]
	if !ok {
		return store.NoRows("activate tenant")
	}
	switch e.Status {
	case model.RegistryActive:
		return nil
	case model.RegistryPending:
		now := time.Now()
		e.Status = model.RegistryActive
		e.ActivatedAt = &now
		e.LastError = nil
		e.UpdatedAt = now
		return nil
	default:
		return store.NewError(store.KindConstraint, "activate tenant", errors.New("registry entry is error"))
	}
}

func (r *Registry) MarkError(_ context.Context, tenantID uuid.UUID, reason string) (bool, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("registry.MarkError"); err != nil {
		return false, err
	}
	e, ok := m.registry[tenantID]
	if !ok || e.Status != model.RegistryPending {
		return false, nil
	}
	e.Status = model.RegistryError
	e.LastError = &reason
	e.UpdatedAt = time.Now()
	return true, nil
}

func (r *Registry) Get(_ context.Context, tenantID uuid.UUID) (*model.TenantRegistryEntry, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("registry.Get"); err != nil {
		return nil, err
	}
	e, ok := m.registry[tenantID]
	if !ok {
		return nil, store.NoRows("get registry entry")
	}
	return cloneEntry(e), nil
}

func (r *Registry) ListByStatus(_ context.Context, status model.RegistryStatus) ([]model.TenantRegistryEntry, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := []model.TenantRegistryEntry{}
	for _, e := range m.registry {
		if e.Status == status {
			entries = append(entries, *cloneEntry(e))
		}
	}
	sort.Slice(entries, func(i, k int) bool { return entries[i].CreatedAt.Before(entries[k].CreatedAt) })
	return entries, nil
}

// Put stores an entry as is, bypassing the state machine.
func (r *Registry) Put(entry model.TenantRegistryEntry) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Conn.DatabaseName = entry.DatabaseName
	m.registry[entry.TenantID] = cloneEntry(&entry)
}

// Secrets is the in-memory secret store.
type Secrets struct{ m *Memory }

func (s *Secrets) Get(_ context.Context, ref string) (string, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("secrets.Get"); err != nil {
		return "", err
	}
	v, ok := m.secrets[ref]
	if !ok {
		return "", store.NoRows("get secret")
	}
	return v, nil
}

func (s *Secrets) Put(_ context.Context, ref, value string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("secrets.Put"); err != nil {
		return err
	}
	m.secrets[ref] = value
	return nil
}
