package provisioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/agency-provisioning-service/internal/config"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/store/storetest"
	"github.com/teresa-solution/agency-provisioning-service/internal/tenantdb"
	"github.com/teresa-solution/agency-provisioning-service/internal/tenantdb/tenantdbtest"
)

type fixture struct {
	mem      *storetest.Memory
	server   *tenantdbtest.Server
	pipeline *Pipeline
}

func newFixture() *fixture {
	mem := storetest.New()
	server := tenantdbtest.NewServer()
	pool := config.TenantPoolConfig{Host: "db.internal", Port: 5432, MaxConnections: 10, IdleConnections: 1, ConnectionLifetimeMinutes: 30}
	return &fixture{
		mem:      mem,
		server:   server,
		pipeline: New(mem.Jobs, mem.Registry, mem.Secrets, server, pool),
	}
}

// claimedJob creates a job and claims it like a worker would.
func (f *fixture) claimedJob(t *testing.T, subdomain string) *model.ProvisioningJob {
	t.Helper()
	ctx := context.Background()
	job := &model.ProvisioningJob{
		TenantName:        "Acme Travel",
		Subdomain:         subdomain,
		DatabaseName:      "agency_" + subdomain,
		AdminEmail:        "Owner@Acme.test",
		AdminPasswordHash: "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3ZsD1vJKx0u7lH7dNNQ1Ome",
		RequestedPlan:     "pro",
	}
	require.NoError(t, f.mem.Jobs.Create(ctx, job))
	claimed, err := f.mem.Jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	return claimed
}

func (f *fixture) retry(t *testing.T, job *model.ProvisioningJob, err error) *model.ProvisioningJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.mem.Jobs.ScheduleRetry(ctx, job.ID, err.Error(), time.Now()))
	claimed, err := f.mem.Jobs.Claim(ctx, job.ID)
	require.NoError(t, err)
	return claimed
}

func TestPipeline_HappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.claimedJob(t, "acme")

	require.NoError(t, f.pipeline.Run(ctx, job))

	assert.Equal(t, []string{
		"PENDING/started", "PENDING/succeeded",
		"CREATING_DATABASE/started", "CREATING_DATABASE/succeeded",
		"MIGRATING_SCHEMA/started", "MIGRATING_SCHEMA/succeeded",
		"SEEDING_ADMIN/started", "SEEDING_ADMIN/succeeded",
		"REGISTERING/started", "REGISTERING/succeeded",
		"COMPLETED/started", "COMPLETED/succeeded",
	}, f.mem.Jobs.Steps(job.ID))

	stored, err := f.mem.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Equal(t, model.StateCompleted, stored.PipelineState)
	assert.NotNil(t, stored.CompletedAt)

	entry, err := f.mem.Registry.Get(ctx, job.TenantID)
	require.NoError(t, err)
	assert.True(t, entry.Active())
	assert.NotNil(t, entry.ActivatedAt)
	assert.Equal(t, "agency_acme_app", entry.Conn.Username)
	assert.Equal(t, SecretRef(job.TenantID), entry.Conn.PasswordSecretID)
	assert.Equal(t, "db.internal", entry.Conn.Host)

	db := f.server.Database("agency_acme")
	require.NotNil(t, db)
	assert.Equal(t, "agency_acme_app", db.Owner)
	for _, rel := range tenantdb.Relations {
		assert.True(t, db.Tables[rel], "relation %s", rel)
	}
	assert.Equal(t, job.AdminPasswordHash, db.Users["owner@acme.test"])
	assert.Equal(t, []string{"tenant_admin"}, db.Grants["owner@acme.test"])

	secret, err := f.mem.Secrets.Get(ctx, SecretRef(job.TenantID))
	require.NoError(t, err)
	rolePassword, ok := f.server.RolePassword("agency_acme_app")
	require.True(t, ok)
	assert.Equal(t, secret, rolePassword)
	assert.Len(t, secret, 48)
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.claimedJob(t, "acme")

	require.NoError(t, f.pipeline.Run(ctx, job))
	secret, err := f.mem.Secrets.Get(ctx, SecretRef(job.TenantID))
	require.NoError(t, err)

	// a duplicate delivery running the same job again changes nothing
	require.NoError(t, f.pipeline.Run(ctx, job))

	assert.Equal(t, 1, f.server.DatabaseCount())
	assert.Equal(t, 1, f.server.Calls("CreateDatabase"))
	again, err := f.mem.Secrets.Get(ctx, SecretRef(job.TenantID))
	require.NoError(t, err)
	assert.Equal(t, secret, again)

	db := f.server.Database("agency_acme")
	assert.Len(t, db.Users, 1)
	assert.Equal(t, []string{"tenant_admin"}, db.Grants["owner@acme.test"])

	entry, err := f.mem.Registry.Get(ctx, job.TenantID)
	require.NoError(t, err)
	assert.True(t, entry.Active())
}

func TestPipeline_ResumesAfterTransientFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.claimedJob(t, "acme")

	f.server.Inject("SeedAdmin", errors.New("connection reset by peer"))
	runErr := f.pipeline.Run(ctx, job)
	require.Error(t, runErr)
	assert.Equal(t, fault.KindTransient, fault.KindOf(runErr))
	assert.True(t, fault.IsRetryable(runErr))

	steps := f.mem.Jobs.Steps(job.ID)
	assert.Equal(t, []string{"SEEDING_ADMIN/failed", "FAILED/failed"}, steps[len(steps)-2:])

	entry, err := f.mem.Registry.Get(ctx, job.TenantID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistryPending, entry.Status)

	job = f.retry(t, job, runErr)
	require.NoError(t, f.pipeline.Run(ctx, job))
	assert.Equal(t, 1, f.server.Calls("CreateDatabase"))
	assert.Equal(t, 2, f.server.Calls("Migrate"))

	stored, err := f.mem.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
}

func TestPipeline_ForeignDatabaseConflict(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.server.AddForeignDatabase("agency_acme", "orders")
	job := f.claimedJob(t, "acme")

	err := f.pipeline.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
	assert.False(t, fault.IsRetryable(err))
	assert.Equal(t, 0, f.server.Calls("Migrate"))

	db := f.server.Database("agency_acme")
	assert.Equal(t, map[string]bool{"orders": true}, db.Tables)
}

func TestPipeline_ManagedDatabaseIsReused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.claimedJob(t, "acme")

	// first attempt creates and migrates, then dies before seeding
	f.server.Inject("SeedAdmin", errors.New("timeout"))
	err := f.pipeline.Run(ctx, job)
	require.Error(t, err)

	job = f.retry(t, job, err)
	require.NoError(t, f.pipeline.Run(ctx, job))

	logs, err := f.mem.Jobs.Logs(ctx, job.ID)
	require.NoError(t, err)
	var reused map[string]any
	for _, l := range logs {
		if l.Step == model.StateCreatingDatabase && l.Status == model.StepSucceeded {
			reused = l.Details
		}
	}
	require.NotNil(t, reused)
	assert.Equal(t, false, reused["created"])
	assert.Equal(t, "managed", reused["schema"])
}

func TestPipeline_MissingRelationIsMigrationError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.server.Break("audit_log")
	job := f.claimedJob(t, "acme")

	err := f.pipeline.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, fault.KindMigration, fault.KindOf(err))
	assert.Contains(t, err.Error(), "audit_log")
	assert.True(t, fault.IsRetryable(err))
}

func TestPipeline_MigrateFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.server.Inject("Migrate", errors.New("syntax error at or near"))
	job := f.claimedJob(t, "acme")

	err := f.pipeline.Run(ctx, job)
	assert.Equal(t, fault.KindMigration, fault.KindOf(err))

	stored, err := f.mem.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, stored.PipelineState)
}

func TestPipeline_ErrorEntryCannotActivate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.claimedJob(t, "acme")

	f.mem.Registry.Put(model.TenantRegistryEntry{
		TenantID:     job.TenantID,
		TenantName:   job.TenantName,
		Subdomain:    "acme",
		DatabaseName: "agency_acme",
		Status:       model.RegistryError,
	})

	err := f.pipeline.Run(ctx, job)
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	entry, err := f.mem.Registry.Get(ctx, job.TenantID)
	require.NoError(t, err)
	assert.Equal(t, model.RegistryError, entry.Status)
}

func TestPipeline_SecretStoreOutage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.mem.Inject("secrets.Get", errors.New("dial tcp: connection refused"))
	job := f.claimedJob(t, "acme")

	err := f.pipeline.Run(ctx, job)
	assert.Equal(t, fault.KindTransient, fault.KindOf(err))
	assert.Equal(t, 0, f.server.Calls("EnsureRole"))
}

func TestNames(t *testing.T) {
	id := uuid.MustParse("6f1c1d4e-8b0a-4a57-9a0e-3c2b5e1f7d10")
	assert.Equal(t, "tenants/6f1c1d4e-8b0a-4a57-9a0e-3c2b5e1f7d10/db-password", SecretRef(id))
	assert.Equal(t, "agency_acme_app", RoleName("agency_acme"))
}
