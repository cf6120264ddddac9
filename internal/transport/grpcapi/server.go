// Package grpcapi exposes the provisioning service over gRPC. Messages are
// google.protobuf.Struct values so no generated code is needed.
package grpcapi

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
	"github.com/teresa-solution/agency-provisioning-service/internal/router"
	"github.com/teresa-solution/agency-provisioning-service/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "agency.provisioning.v1.ProvisioningService"

	MethodSubmit         = "/" + ServiceName + "/SubmitProvisioningRequest"
	MethodGetJobStatus   = "/" + ServiceName + "/GetJobStatus"
	MethodDescribeTenant = "/" + ServiceName + "/DescribeTenant"
	MethodEvict          = "/" + ServiceName + "/EvictTenantConnection"

	// TenantHeader carries the tenant id of tenant-scoped calls.
	TenantHeader = "x-tenant-id"
)

// Service is the application facade the server delegates to.
type Service interface {
	Submit(ctx context.Context, req service.SubmitRequest) (uuid.UUID, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*service.JobStatus, error)
	DescribeTenant(ctx context.Context, tenantID uuid.UUID) (*service.TenantInfo, error)
	ResolveTenantConnection(ctx context.Context, tenantID uuid.UUID) (*router.Handle, error)
	EvictTenantConnection(ctx context.Context, tenantID uuid.UUID) bool
}

// ProvisioningServer is the server API of ServiceName.
type ProvisioningServer interface {
	SubmitProvisioningRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DescribeTenant(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EvictTenantConnection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(ProvisioningServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method[len(ServiceName)+2:],
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ProvisioningServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ProvisioningServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes ServiceName for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProvisioningServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodSubmit, ProvisioningServer.SubmitProvisioningRequest),
		unaryHandler(MethodGetJobStatus, ProvisioningServer.GetJobStatus),
		unaryHandler(MethodDescribeTenant, ProvisioningServer.DescribeTenant),
		unaryHandler(MethodEvict, ProvisioningServer.EvictTenantConnection),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agency/provisioning/v1/provisioning.proto",
}

// Server implements ProvisioningServer on top of a Service.
type Server struct {
	svc Service
}

func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// Register adds the service to gs.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// NewGRPCServer builds a grpc.Server with logging and tenant interceptors
// and registers s on it.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(), TenantInterceptor(s.svc)))
	gs := grpc.NewServer(opts...)
	Register(gs, s)
	return gs
}

func (s *Server) SubmitProvisioningRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobID, err := s.svc.Submit(ctx, service.SubmitRequest{
		TenantName:        stringField(req, "tenant_name"),
		Subdomain:         stringField(req, "subdomain"),
		AdminEmail:        stringField(req, "admin_email"),
		AdminPasswordHash: stringField(req, "admin_password_hash"),
		Plan:              stringField(req, "plan"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]interface{}{"job_id": jobID.String()})
}

func (s *Server) GetJobStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	jobID, err := uuid.Parse(stringField(req, "job_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "Invalid job ID")
	}
	st, err := s.svc.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, toStatus(err)
	}

	steps := make([]interface{}, 0, len(st.Steps))
	for _, l := range st.Steps {
		steps = append(steps, map[string]interface{}{
			"step":       string(l.Step),
			"status":     l.Status,
			"created_at": l.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	fields := map[string]interface{}{
		"job_id":         st.JobID.String(),
		"tenant_id":      st.TenantID.String(),
		"subdomain":      st.Subdomain,
		"status":         string(st.Status),
		"pipeline_state": string(st.PipelineState),
		"attempt":        st.Attempt,
		"last_error":     st.LastError,
		"run_at":         st.RunAt.UTC().Format(time.RFC3339),
		"created_at":     st.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":     st.UpdatedAt.UTC().Format(time.RFC3339),
		"steps":          steps,
	}
	if st.CompletedAt != nil {
		fields["completed_at"] = st.CompletedAt.UTC().Format(time.RFC3339)
	}
	return newStruct(fields)
}

// DescribeTenant is tenant-scoped: the tenant comes from the handle the
// interceptor resolved.
func (s *Server) DescribeTenant(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	h, ok := router.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "Missing "+TenantHeader+" metadata")
	}
	info, err := s.svc.DescribeTenant(ctx, h.TenantID())
	if err != nil {
		return nil, toStatus(err)
	}
	fields := map[string]interface{}{
		"tenant_id":     info.TenantID.String(),
		"tenant_name":   info.TenantName,
		"subdomain":     info.Subdomain,
		"database_name": info.DatabaseName,
		"status":        string(info.Status),
	}
	if info.ActivatedAt != nil {
		fields["activated_at"] = info.ActivatedAt.UTC().Format(time.RFC3339)
	}
	return newStruct(fields)
}

func (s *Server) EvictTenantConnection(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := uuid.Parse(stringField(req, "tenant_id"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "Invalid tenant ID")
	}
	return newStruct(map[string]interface{}{"evicted": s.svc.EvictTenantConnection(ctx, tenantID)})
}

// tenantScoped lists the methods that run against a tenant database.
var tenantScoped = map[string]bool{
	MethodDescribeTenant: true,
}

// TenantInterceptor resolves the x-tenant-id header of tenant-scoped calls
// into a router handle carried by the request context, released when the
// call returns.
func TenantInterceptor(svc Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !tenantScoped[info.FullMethod] {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		values := md.Get(TenantHeader)
		if len(values) == 0 {
			return nil, status.Error(codes.InvalidArgument, "Missing "+TenantHeader+" metadata")
		}
		tenantID, err := uuid.Parse(values[0])
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "Invalid tenant ID")
		}
		h, err := svc.ResolveTenantConnection(ctx, tenantID)
		if err != nil {
			return nil, toStatus(err)
		}
		defer h.Release()
		return handler(router.WithHandle(ctx, h), req)
	}
}

// LoggingInterceptor logs every call with its outcome.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		evt := log.Debug()
		if code == codes.Internal || code == codes.Unknown {
			evt = log.Error().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("elapsed", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

// toStatus maps classified errors to gRPC status codes. Internal details are
// logged, not returned.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	switch fault.KindOf(err) {
	case fault.KindValidation:
		if fault.ReasonOf(err) == fault.ReasonDuplicate {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		return status.Error(codes.InvalidArgument, err.Error())
	case fault.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case fault.KindNotProvisioned:
		return status.Error(codes.FailedPrecondition, err.Error())
	case fault.KindTransient:
		return status.Error(codes.Unavailable, "Service temporarily unavailable")
	case fault.KindConflict:
		return status.Error(codes.Aborted, err.Error())
	default:
		log.Error().Err(err).Msg("Unhandled error")
		return status.Error(codes.Internal, "Internal server error")
	}
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build response")
		return nil, status.Error(codes.Internal, "Internal server error")
	}
	return st, nil
}
