// Package service is the intake, status and routing facade the transport
// layer calls into.
package service

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/router"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
	"github.com/teresa-solution/agency-provisioning-service/internal/validator"
	"golang.org/x/crypto/bcrypt"
)

// Jobs persists provisioning jobs.
type Jobs interface {
	Create(ctx context.Context, job *model.ProvisioningJob) error
	Get(ctx context.Context, id uuid.UUID) (*model.ProvisioningJob, error)
	Logs(ctx context.Context, jobID uuid.UUID) ([]model.ProvisioningLog, error)
}

// Queue accepts job ids for the workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
}

// Registry reads tenant registry entries.
type Registry interface {
	Get(ctx context.Context, tenantID uuid.UUID) (*model.TenantRegistryEntry, error)
}

// Router hands out tenant connections.
type Router interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (*router.Handle, error)
	Evict(tenantID uuid.UUID) bool
}

// SubmitRequest is a request to provision a new agency.
type SubmitRequest struct {
	TenantName        string
	Subdomain         string
	AdminEmail        string
	AdminPasswordHash string
	Plan              string
}

// JobStatus is the externally visible state of a provisioning job.
type JobStatus struct {
	JobID         uuid.UUID
	TenantID      uuid.UUID
	Subdomain     string
	Status        model.JobStatus
	PipelineState model.PipelineState
	Attempt       int
	LastError     string
	RunAt         time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	Steps         []model.ProvisioningLog
}

// TenantInfo describes a provisioned tenant.
type TenantInfo struct {
	TenantID     uuid.UUID
	TenantName   string
	Subdomain    string
	DatabaseName string
	Status       model.RegistryStatus
	ActivatedAt  *time.Time
}

// ProvisioningService implements submission, job status and tenant
// connection lookup.
type ProvisioningService struct {
	validator *validator.Validator
	jobs      Jobs
	queue     Queue
	registry  Registry
	router    Router
	plans     []string
}

// NewProvisioningService creates a new ProvisioningService. The first plan is
// used when a request names none.
func NewProvisioningService(v *validator.Validator, jobs Jobs, q Queue, registry Registry, r Router, plans []string) *ProvisioningService {
	return &ProvisioningService{
		validator: v,
		jobs:      jobs,
		queue:     q,
		registry:  registry,
		router:    r,
		plans:     plans,
	}
}

// Submit validates req, persists a queued job and pushes it to the queue.
// Invalid requests fail before any job exists.
func (s *ProvisioningService) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	accepted, err := s.validator.Validate(ctx, req.Subdomain, req.TenantName)
	if err != nil {
		return uuid.Nil, err
	}
	email, err := normalizeEmail(req.AdminEmail)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := bcrypt.Cost([]byte(req.AdminPasswordHash)); err != nil {
		return uuid.Nil, fault.Validation(fault.ReasonInvalidField, "admin password hash must be a bcrypt hash")
	}
	plan, err := s.plan(req.Plan)
	if err != nil {
		return uuid.Nil, err
	}

	job := &model.ProvisioningJob{
		TenantName:        strings.TrimSpace(req.TenantName),
		Subdomain:         accepted.Subdomain,
		DatabaseName:      accepted.DatabaseName,
		AdminEmail:        email,
		AdminPasswordHash: req.AdminPasswordHash,
		RequestedPlan:     plan,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if store.IsConstraint(err) {
			return uuid.Nil, fault.Validation(fault.ReasonDuplicate, fmt.Sprintf("subdomain %q is already taken", accepted.Subdomain))
		}
		return uuid.Nil, fault.Transient("create job", err)
	}

	// The job row is durable; the reconciler pushes it later if this fails.
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to enqueue job, leaving it to the reconciler")
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("tenant_id", job.TenantID.String()).
		Str("subdomain", job.Subdomain).
		Msg("Provisioning request accepted")
	return job.ID, nil
}

// GetJobStatus returns the current state of a job and its step log.
func (s *ProvisioningService) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if store.IsNoRows(err) {
			return nil, fault.NotFound("get job status", fmt.Sprintf("job %s not found", jobID))
		}
		return nil, fault.Transient("get job status", err)
	}
	steps, err := s.jobs.Logs(ctx, jobID)
	if err != nil {
		return nil, fault.Transient("get job status", err)
	}

	st := &JobStatus{
		JobID:         job.ID,
		TenantID:      job.TenantID,
		Subdomain:     job.Subdomain,
		Status:        job.Status,
		PipelineState: job.PipelineState,
		Attempt:       job.Attempt,
		RunAt:         job.RunAt,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		CompletedAt:   job.CompletedAt,
		Steps:         steps,
	}
	if job.LastError != nil {
		st.LastError = *job.LastError
	}
	return st, nil
}

// ResolveTenantConnection returns an acquired connection handle for an
// active tenant. Callers must Release it.
func (s *ProvisioningService) ResolveTenantConnection(ctx context.Context, tenantID uuid.UUID) (*router.Handle, error) {
	return s.router.Resolve(ctx, tenantID)
}

// EvictTenantConnection drops the cached connection of a tenant. It reports
// whether one was cached.
func (s *ProvisioningService) EvictTenantConnection(_ context.Context, tenantID uuid.UUID) bool {
	evicted := s.router.Evict(tenantID)
	if evicted {
		log.Info().Str("tenant_id", tenantID.String()).Msg("Tenant connection evicted")
	}
	return evicted
}

// DescribeTenant checks the tenant connection and returns its registry
// entry. A handle already carried by ctx is reused.
func (s *ProvisioningService) DescribeTenant(ctx context.Context, tenantID uuid.UUID) (*TenantInfo, error) {
	h, ok := router.FromContext(ctx)
	if !ok || h.TenantID() != tenantID {
		var err error
		if h, err = s.router.Resolve(ctx, tenantID); err != nil {
			return nil, err
		}
		defer h.Release()
	}
	if err := h.Conn().Ping(ctx); err != nil {
		return nil, fault.Transient("describe tenant", err)
	}

	entry, err := s.registry.Get(ctx, tenantID)
	if err != nil {
		if store.IsNoRows(err) {
			return nil, fault.NotProvisioned(tenantID.String())
		}
		return nil, fault.Transient("describe tenant", err)
	}
	return &TenantInfo{
		TenantID:     entry.TenantID,
		TenantName:   entry.TenantName,
		Subdomain:    entry.Subdomain,
		DatabaseName: entry.DatabaseName,
		Status:       entry.Status,
		ActivatedAt:  entry.ActivatedAt,
	}, nil
}

func (s *ProvisioningService) plan(requested string) (string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" && len(s.plans) > 0 {
		return s.plans[0], nil
	}
	for _, p := range s.plans {
		if p == requested {
			return p, nil
		}
	}
	return "", fault.Validation(fault.ReasonInvalidField, fmt.Sprintf("unknown plan %q", requested))
}

// normalizeEmail accepts a bare address and lower-cases it.
func normalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".") {
		return "", fault.Validation(fault.ReasonInvalidField, "admin email is not a valid address")
	}
	return strings.ToLower(addr.Address), nil
}
