package grpcapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/model"
	"github.com/teresa-solution/agency-provisioning-service/internal/router"
	"github.com/teresa-solution/agency-provisioning-service/internal/service"
	"github.com/teresa-solution/agency-provisioning-service/internal/store/storetest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type stubConn struct{}

func (stubConn) Ping(context.Context) error { return nil }
func (stubConn) Close()                     {}

type stubConnector struct{}

func (stubConnector) Connect(context.Context, *model.TenantRegistryEntry) (router.Conn, error) {
	return stubConn{}, nil
}

type fakeService struct {
	router    *router.Router
	registry  *storetest.Registry
	submitErr error
	submitted service.SubmitRequest
	jobs      map[uuid.UUID]*service.JobStatus
	handle    *router.Handle
}

func (f *fakeService) Submit(_ context.Context, req service.SubmitRequest) (uuid.UUID, error) {
	f.submitted = req
	if f.submitErr != nil {
		return uuid.Nil, f.submitErr
	}
	return uuid.MustParse("7a1f7c58-4f2d-4c8e-9a57-0c1d2e3f4a5b"), nil
}

func (f *fakeService) GetJobStatus(_ context.Context, jobID uuid.UUID) (*service.JobStatus, error) {
	st, ok := f.jobs[jobID]
	if !ok {
		return nil, fault.NotFound("get job status", "job not found")
	}
	return st, nil
}

func (f *fakeService) DescribeTenant(ctx context.Context, tenantID uuid.UUID) (*service.TenantInfo, error) {
	f.handle, _ = router.FromContext(ctx)
	entry, err := f.registry.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &service.TenantInfo{
		TenantID:     entry.TenantID,
		TenantName:   entry.TenantName,
		Subdomain:    entry.Subdomain,
		DatabaseName: entry.DatabaseName,
		Status:       entry.Status,
		ActivatedAt:  entry.ActivatedAt,
	}, nil
}

func (f *fakeService) ResolveTenantConnection(ctx context.Context, tenantID uuid.UUID) (*router.Handle, error) {
	return f.router.Resolve(ctx, tenantID)
}

func (f *fakeService) EvictTenantConnection(_ context.Context, tenantID uuid.UUID) bool {
	return f.router.Evict(tenantID)
}

func newTestClient(t *testing.T, svc *fakeService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(NewServer(svc))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	reg := storetest.New().Registry
	r, err := router.New(reg, stubConnector{}, router.Options{MaxTenants: 4})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return &fakeService{router: r, registry: reg, jobs: map[uuid.UUID]*service.JobStatus{}}
}

func call(t *testing.T, ctx context.Context, conn *grpc.ClientConn, method string, fields map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	resp := new(structpb.Struct)
	err = conn.Invoke(ctx, method, req, resp)
	return resp, err
}

func TestSubmit(t *testing.T) {
	svc := newFakeService(t)
	conn := newTestClient(t, svc)

	resp, err := call(t, context.Background(), conn, MethodSubmit, map[string]interface{}{
		"tenant_name":         "Acme Travel",
		"subdomain":           "acme-co",
		"admin_email":         "owner@acme.test",
		"admin_password_hash": "$2a$10$abc",
		"plan":                "pro",
	})
	require.NoError(t, err)
	assert.Equal(t, "7a1f7c58-4f2d-4c8e-9a57-0c1d2e3f4a5b", resp.GetFields()["job_id"].GetStringValue())
	assert.Equal(t, service.SubmitRequest{
		TenantName:        "Acme Travel",
		Subdomain:         "acme-co",
		AdminEmail:        "owner@acme.test",
		AdminPasswordHash: "$2a$10$abc",
		Plan:              "pro",
	}, svc.submitted)
}

func TestSubmit_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"reserved", fault.Validation(fault.ReasonReserved, "subdomain \"admin\" is reserved"), codes.InvalidArgument},
		{"duplicate", fault.Validation(fault.ReasonDuplicate, "subdomain taken"), codes.AlreadyExists},
		{"store down", fault.Transient("create job", assert.AnError), codes.Unavailable},
		{"conflict", fault.Conflict("creating_database", "foreign database"), codes.Aborted},
		{"unclassified", assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService(t)
			svc.submitErr = tt.err
			conn := newTestClient(t, svc)

			_, err := call(t, context.Background(), conn, MethodSubmit, map[string]interface{}{"subdomain": "admin"})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestGetJobStatus(t *testing.T) {
	svc := newFakeService(t)
	jobID := uuid.New()
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.jobs[jobID] = &service.JobStatus{
		JobID:         jobID,
		TenantID:      uuid.New(),
		Status:        model.JobCompleted,
		PipelineState: model.StateCompleted,
		Attempt:       2,
		CompletedAt:   &completed,
		Steps: []model.ProvisioningLog{
			{Step: model.StatePending, Status: model.StepStarted},
			{Step: model.StatePending, Status: model.StepSucceeded},
		},
	}
	conn := newTestClient(t, svc)

	resp, err := call(t, context.Background(), conn, MethodGetJobStatus, map[string]interface{}{"job_id": jobID.String()})
	require.NoError(t, err)
	fields := resp.GetFields()
	assert.Equal(t, "completed", fields["status"].GetStringValue())
	assert.Equal(t, "COMPLETED", fields["pipeline_state"].GetStringValue())
	assert.Equal(t, 2.0, fields["attempt"].GetNumberValue())
	assert.Equal(t, "2026-03-01T12:00:00Z", fields["completed_at"].GetStringValue())
	assert.Len(t, fields["steps"].GetListValue().GetValues(), 2)

	_, err = call(t, context.Background(), conn, MethodGetJobStatus, map[string]interface{}{"job_id": uuid.NewString()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = call(t, context.Background(), conn, MethodGetJobStatus, map[string]interface{}{"job_id": "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDescribeTenant_ResolvesHandleFromMetadata(t *testing.T) {
	svc := newFakeService(t)
	tenantID := uuid.New()
	svc.registry.Put(model.TenantRegistryEntry{
		TenantID:     tenantID,
		TenantName:   "Acme Travel",
		Subdomain:    "acme-co",
		DatabaseName: "agency_acme_co",
		Status:       model.RegistryActive,
	})
	conn := newTestClient(t, svc)

	ctx := metadata.AppendToOutgoingContext(context.Background(), TenantHeader, tenantID.String())
	resp, err := call(t, ctx, conn, MethodDescribeTenant, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "agency_acme_co", resp.GetFields()["database_name"].GetStringValue())
	assert.Equal(t, "active", resp.GetFields()["status"].GetStringValue())

	require.NotNil(t, svc.handle)
	assert.Equal(t, tenantID, svc.handle.TenantID())
	assert.Zero(t, svc.handle.Refs())
}

func TestDescribeTenant_Errors(t *testing.T) {
	svc := newFakeService(t)
	pending := uuid.New()
	svc.registry.Put(model.TenantRegistryEntry{TenantID: pending, Subdomain: "slow", DatabaseName: "agency_slow", Status: model.RegistryPending})
	conn := newTestClient(t, svc)

	_, err := call(t, context.Background(), conn, MethodDescribeTenant, map[string]interface{}{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), TenantHeader, "not-a-uuid")
	_, err = call(t, ctx, conn, MethodDescribeTenant, map[string]interface{}{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	ctx = metadata.AppendToOutgoingContext(context.Background(), TenantHeader, pending.String())
	_, err = call(t, ctx, conn, MethodDescribeTenant, map[string]interface{}{})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestEvictTenantConnection(t *testing.T) {
	svc := newFakeService(t)
	tenantID := uuid.New()
	svc.registry.Put(model.TenantRegistryEntry{TenantID: tenantID, Subdomain: "acme-co", DatabaseName: "agency_acme_co", Status: model.RegistryActive})
	h, err := svc.router.Resolve(context.Background(), tenantID)
	require.NoError(t, err)
	h.Release()
	conn := newTestClient(t, svc)

	resp, err := call(t, context.Background(), conn, MethodEvict, map[string]interface{}{"tenant_id": tenantID.String()})
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["evicted"].GetBoolValue())
	assert.Zero(t, svc.router.Len())

	resp, err = call(t, context.Background(), conn, MethodEvict, map[string]interface{}{"tenant_id": tenantID.String()})
	require.NoError(t, err)
	assert.False(t, resp.GetFields()["evicted"].GetBoolValue())
}
