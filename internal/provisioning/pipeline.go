// Package provisioning runs the state machine that turns a queued job into
// an isolated, migrated and seeded tenant database with an active registry
// entry.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/config"
	"github.com/teresa-solution/agency-provisioning-service/internal/crypto"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
	"github.com/teresa-solution/agency-provisioning-service/internal/tenantdb"
)

// Jobs records pipeline progress on the job row.
type Jobs interface {
	RecordStep(ctx context.Context, jobID, tenantID uuid.UUID, state model.PipelineState, status string, details map[string]any) error
	Complete(ctx context.Context, id uuid.UUID) error
}

// Registry is the tenant registry as seen by the pipeline.
type Registry interface {
	CreatePending(ctx context.Context, entry *model.TenantRegistryEntry) error
	Activate(ctx context.Context, tenantID uuid.UUID) error
}

// Secrets stores tenant credentials.
type Secrets interface {
	Get(ctx context.Context, ref string) (string, error)
	Put(ctx context.Context, ref, value string) error
}

// Engine creates and prepares tenant databases.
type Engine interface {
	EnsureRole(ctx context.Context, role, password string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name, owner string) error
	InspectSchema(ctx context.Context, t tenantdb.Target) (tenantdb.SchemaState, error)
	Migrate(ctx context.Context, t tenantdb.Target) (uint, error)
	VerifySchema(ctx context.Context, t tenantdb.Target) ([]string, error)
	SeedAdmin(ctx context.Context, t tenantdb.Target, seed tenantdb.AdminSeed) error
}

// SecretRef is the secret store key of a tenant's database password.
func SecretRef(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenants/%s/db-password", tenantID)
}

// RoleName is the login role that owns a tenant database.
func RoleName(databaseName string) string {
	return databaseName + "_app"
}

// Pipeline provisions one tenant per Run call. It is safe for concurrent use
// on different jobs.
type Pipeline struct {
	jobs     Jobs
	registry Registry
	secrets  Secrets
	engine   Engine
	pool     config.TenantPoolConfig
}

// New creates a Pipeline. pool supplies the connection parameters stored in
// every registry entry.
func New(jobs Jobs, registry Registry, secrets Secrets, engine Engine, pool config.TenantPoolConfig) *Pipeline {
	return &Pipeline{jobs: jobs, registry: registry, secrets: secrets, engine: engine, pool: pool}
}

// run is the state carried between steps of one job.
type run struct {
	job    *model.ProvisioningJob
	target tenantdb.Target
}

type step struct {
	state model.PipelineState
	fn    func(ctx context.Context, r *run) (map[string]any, error)
}

func (p *Pipeline) steps() []step {
	return []step{
		{model.StatePending, p.registerPending},
		{model.StateCreatingDatabase, p.createDatabase},
		{model.StateMigratingSchema, p.migrateSchema},
		{model.StateSeedingAdmin, p.seedAdmin},
		{model.StateRegistering, p.activate},
		{model.StateCompleted, p.complete},
	}
}

// Run executes every step of the pipeline for a claimed job. Each step is
// idempotent, so a job interrupted at any point can run again from the
// start. The returned error is classified with the fault package.
func (p *Pipeline) Run(ctx context.Context, job *model.ProvisioningJob) error {
	r := &run{
		job: job,
		target: tenantdb.Target{
			Database: job.DatabaseName,
			Role:     RoleName(job.DatabaseName),
		},
	}
	logger := log.With().Str("job_id", job.ID.String()).Str("tenant_id", job.TenantID.String()).Int("attempt", job.Attempt).Logger()

	for _, s := range p.steps() {
		if err := p.jobs.RecordStep(ctx, job.ID, job.TenantID, s.state, model.StepStarted, nil); err != nil {
			return fault.Transient("record step", err)
		}
		logger.Debug().Str("state", string(s.state)).Msg("Pipeline step started")

		details, err := s.fn(ctx, r)
		if err != nil {
			err = classify(s.state, err)
			p.recordFailure(ctx, job, s.state, err)
			logger.Warn().Err(err).Str("state", string(s.state)).Msg("Pipeline step failed")
			return err
		}

		if err := p.jobs.RecordStep(ctx, job.ID, job.TenantID, s.state, model.StepSucceeded, details); err != nil {
			return fault.Transient("record step", err)
		}
	}

	logger.Info().Str("database", job.DatabaseName).Msg("Tenant provisioned")
	return nil
}

// recordFailure logs the failed step and the FAILED state. It runs on a
// context detached from cancellation so shutdowns are still recorded.
func (p *Pipeline) recordFailure(ctx context.Context, job *model.ProvisioningJob, state model.PipelineState, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	details := map[string]any{"error": err.Error(), "kind": fault.KindOf(err).String()}
	if rerr := p.jobs.RecordStep(ctx, job.ID, job.TenantID, state, model.StepFailed, details); rerr != nil {
		log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("Failed to record step failure")
		return
	}
	details = map[string]any{"step": string(state)}
	if rerr := p.jobs.RecordStep(ctx, job.ID, job.TenantID, model.StateFailed, model.StepFailed, details); rerr != nil {
		log.Error().Err(rerr).Str("job_id", job.ID.String()).Msg("Failed to record pipeline failure")
	}
}

// classify keeps already classified errors and treats the rest as transient
// infrastructure failures.
func classify(state model.PipelineState, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	op := strings.ToLower(string(state))
	if store.IsConstraint(err) {
		return &fault.Error{Kind: fault.KindConflict, Op: op, Err: err}
	}
	return fault.Transient(op, err)
}

func (p *Pipeline) registerPending(ctx context.Context, r *run) (map[string]any, error) {
	job := r.job
	entry := &model.TenantRegistryEntry{
		TenantID:     job.TenantID,
		TenantName:   job.TenantName,
		Subdomain:    job.Subdomain,
		DatabaseName: job.DatabaseName,
		Conn: model.ConnParams{
			Host:                      p.pool.Host,
			Port:                      p.pool.Port,
			DatabaseName:              job.DatabaseName,
			Username:                  r.target.Role,
			PasswordSecretID:          SecretRef(job.TenantID),
			MaxConnections:            p.pool.MaxConnections,
			IdleConnections:           p.pool.IdleConnections,
			ConnectionLifetimeMinutes: p.pool.ConnectionLifetimeMinutes,
		},
	}
	if err := p.registry.CreatePending(ctx, entry); err != nil {
		return nil, err
	}
	return map[string]any{"registry": string(model.RegistryPending)}, nil
}

// rolePassword returns the stored role password, generating and storing one
// on first use.
func (p *Pipeline) rolePassword(ctx context.Context, tenantID uuid.UUID) (string, bool, error) {
	ref := SecretRef(tenantID)
	password, err := p.secrets.Get(ctx, ref)
	if err == nil {
		return password, false, nil
	}
	if !store.IsNoRows(err) {
		return "", false, err
	}
	password, err = crypto.GeneratePassword()
	if err != nil {
		return "", false, err
	}
	if err := p.secrets.Put(ctx, ref, password); err != nil {
		return "", false, err
	}
	return password, true, nil
}

func (p *Pipeline) createDatabase(ctx context.Context, r *run) (map[string]any, error) {
	password, generated, err := p.rolePassword(ctx, r.job.TenantID)
	if err != nil {
		return nil, err
	}
	r.target.Password = password

	if err := p.engine.EnsureRole(ctx, r.target.Role, password); err != nil {
		return nil, err
	}

	details := map[string]any{
		"database":           r.target.Database,
		"role":               r.target.Role,
		"generated_password": generated,
	}

	exists, err := p.engine.DatabaseExists(ctx, r.target.Database)
	if err != nil {
		return nil, err
	}
	if !exists {
		err = p.engine.CreateDatabase(ctx, r.target.Database, r.target.Role)
		if err == nil {
			details["created"] = true
			return details, nil
		}
		if !errors.Is(err, tenantdb.ErrDatabaseExists) {
			return nil, err
		}
	}

	state, err := p.engine.InspectSchema(ctx, r.target)
	if err != nil {
		return nil, err
	}
	if state == tenantdb.SchemaForeign {
		return nil, fault.Conflict("creating_database",
			fmt.Sprintf("database %s exists with tables not created by provisioning", r.target.Database))
	}
	details["created"] = false
	details["schema"] = state.String()
	return details, nil
}

func (p *Pipeline) migrateSchema(ctx context.Context, r *run) (map[string]any, error) {
	if err := p.ensurePassword(ctx, r); err != nil {
		return nil, err
	}
	version, err := p.engine.Migrate(ctx, r.target)
	if err != nil {
		return nil, fault.Migration("migrating_schema", err)
	}
	missing, err := p.engine.VerifySchema(ctx, r.target)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fault.Migration("migrating_schema", fmt.Errorf("relations missing after migration: %s", strings.Join(missing, ", ")))
	}
	return map[string]any{"version": version, "relations": len(tenantdb.Relations)}, nil
}

func (p *Pipeline) seedAdmin(ctx context.Context, r *run) (map[string]any, error) {
	if err := p.ensurePassword(ctx, r); err != nil {
		return nil, err
	}
	seed := tenantdb.AdminSeed{
		Email:        r.job.AdminEmail,
		PasswordHash: r.job.AdminPasswordHash,
		AgencyName:   r.job.TenantName,
		Plan:         r.job.RequestedPlan,
	}
	if err := p.engine.SeedAdmin(ctx, r.target, seed); err != nil {
		return nil, err
	}
	return map[string]any{"admin": strings.ToLower(r.job.AdminEmail), "role": string(model.RoleTenantAdmin)}, nil
}

func (p *Pipeline) activate(ctx context.Context, r *run) (map[string]any, error) {
	if err := p.registry.Activate(ctx, r.job.TenantID); err != nil {
		if store.IsConstraint(err) {
			return nil, &fault.Error{Kind: fault.KindConflict, Op: "registering", Msg: "registry entry cannot be activated", Err: err}
		}
		return nil, err
	}
	return map[string]any{"registry": string(model.RegistryActive)}, nil
}

func (p *Pipeline) complete(ctx context.Context, r *run) (map[string]any, error) {
	if err := p.jobs.Complete(ctx, r.job.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

// ensurePassword loads the role password when a step runs without the
// database step having set it.
func (p *Pipeline) ensurePassword(ctx context.Context, r *run) error {
	if r.target.Password != "" {
		return nil
	}
	password, err := p.secrets.Get(ctx, SecretRef(r.job.TenantID))
	if err != nil {
		return err
	}
	r.target.Password = password
	return nil
}
