package rpc

import (
	"context"

	"github.com/3liz/qjazz-gateway/internal/supervisor"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Admin answers the "Admin" service's RPCs: cache management, project
// introspection, configuration and environment dumps. Cache-wide operations
// (CheckoutProject, DropProject, ClearCache, ListCache, UpdateCache,
// SetConfig) and the Catalog and ListPlugins listings fan out to every
// supervisor in the pool, since each worker holds an independent cache; the
// other diagnostics address one acquired supervisor.
type Admin struct {
	pool   *supervisor.Pool
	health *health.Server
}

// NewAdmin constructs an Admin backed by pool, reporting health
// transitions through hs.
func NewAdmin(pool *supervisor.Pool, hs *health.Server) *Admin {
	return &Admin{pool: pool, health: hs}
}

func (a *Admin) unary(ctx context.Context, req any, out any) error {
	payload, err := wire.Encode(req)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	sv, err := a.pool.Acquire(ctx)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer a.pool.Release(sv)

	frame, err := sv.SendRaw(payload)
	if err != nil {
		return status.Error(grpcCode(err), err.Error())
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if env.Status != wire.StatusOK && env.Status != wire.StatusNoData {
		return status.Errorf(httpToGRPC(env.Status), "worker replied %d: %s", env.Status, errorMessage(env.Body))
	}
	if out == nil {
		return nil
	}
	if _, err := wire.DecodeEnvelopeInto(frame, out); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

// unaryAll applies a cache-wide operation (ClearCache, SetConfig) to every
// supervisor in the pool; each worker acks before the next is addressed, so
// the RPC's own ack implies every worker observed the operation.
func (a *Admin) unaryAll(req any) error {
	payload, err := wire.Encode(req)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	for _, sv := range a.pool.All() {
		frame, err := sv.SendRaw(payload)
		if err != nil {
			return status.Error(grpcCode(err), err.Error())
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if env.Status != wire.StatusOK && env.Status != wire.StatusNoData {
			return status.Errorf(httpToGRPC(env.Status), "worker replied %d: %s", env.Status, errorMessage(env.Body))
		}
	}
	return nil
}

// unaryFan is unaryAll for operations that also return a reply body
// (CheckoutProject, DropProject): every supervisor performs the operation
// and the last reply is decoded into out.
func (a *Admin) unaryFan(req any, out any) error {
	payload, err := wire.Encode(req)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	var last []byte
	for _, sv := range a.pool.All() {
		frame, err := sv.SendRaw(payload)
		if err != nil {
			return status.Error(grpcCode(err), err.Error())
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if env.Status != wire.StatusOK && env.Status != wire.StatusNoData {
			return status.Errorf(httpToGRPC(env.Status), "worker replied %d: %s", env.Status, errorMessage(env.Body))
		}
		last = frame
	}
	if out == nil || last == nil {
		return nil
	}
	if _, err := wire.DecodeEnvelopeInto(last, out); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

// streamAll drains a chunked reply from every supervisor in turn (each
// worker holds an independent cache, so listings are the union over the
// pool).
func (a *Admin) streamAll(stream grpc.ServerStream, req any) error {
	payload, err := wire.Encode(req)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	for _, sv := range a.pool.All() {
		if err := sv.Stream(payload, func(item any) error {
			return stream.SendMsg(item)
		}); err != nil {
			return status.Error(grpcCode(err), err.Error())
		}
	}
	return nil
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.PingMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply map[string]string
	if err := srv.(*Admin).unary(ctx, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func checkoutProjectHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.CheckoutProjectMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply wire.CacheInfo
	if err := srv.(*Admin).unaryFan(req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func dropProjectHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.DropProjectMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply wire.CacheInfo
	if err := srv.(*Admin).unaryFan(req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func clearCacheHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.ClearCacheMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(*Admin).unaryAll(req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func getProjectInfoHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.GetProjectInfoMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply wire.ProjectInfo
	if err := srv.(*Admin).unary(ctx, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func getConfigHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.GetConfigMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply map[string]any
	if err := srv.(*Admin).unary(ctx, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func putConfigHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.PutConfigMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(*Admin).unaryAll(req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func getEnvHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.GetEnvMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply []string
	if err := srv.(*Admin).unary(ctx, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.PingMsg // reused as an empty marker message, no fields needed
	if err := dec(&req); err != nil {
		return nil, err
	}
	var reply map[string]any
	if err := srv.(*Admin).unary(ctx, req, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func sleepHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req wire.SleepMsg
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(*Admin).unary(ctx, req, nil); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// SetServerServingStatus lets the admin surface flip the QgisServer
// health status administratively.
func (a *Admin) SetServerServingStatus(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	a.health.SetServingStatus("qjazz.QgisServer", st)
}

func setServerServingStatusHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req struct {
		Serving bool `codec:"serving"`
	}
	if err := dec(&req); err != nil {
		return nil, err
	}
	srv.(*Admin).SetServerServingStatus(req.Serving)
	return struct{}{}, nil
}

func listCacheStreamHandler(srv any, stream grpc.ServerStream) error {
	var req wire.ListCacheMsg
	_ = stream.RecvMsg(&req)
	return srv.(*Admin).streamAll(stream, req)
}

func catalogStreamHandler(srv any, stream grpc.ServerStream) error {
	var req wire.CatalogMsg
	_ = stream.RecvMsg(&req)
	return srv.(*Admin).streamAll(stream, req)
}

func updateCacheStreamHandler(srv any, stream grpc.ServerStream) error {
	var req wire.UpdateCacheMsg
	_ = stream.RecvMsg(&req)
	return srv.(*Admin).streamAll(stream, req)
}

func listPluginsStreamHandler(srv any, stream grpc.ServerStream) error {
	var req wire.PluginsMsg
	_ = stream.RecvMsg(&req)
	return srv.(*Admin).streamAll(stream, req)
}

// AdminServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// "Admin" (QgisAdmin) descriptor.
var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: "qjazz.QgisAdmin",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
		{MethodName: "CheckoutProject", Handler: checkoutProjectHandler},
		{MethodName: "DropProject", Handler: dropProjectHandler},
		{MethodName: "ClearCache", Handler: clearCacheHandler},
		{MethodName: "GetProjectInfo", Handler: getProjectInfoHandler},
		{MethodName: "GetConfig", Handler: getConfigHandler},
		{MethodName: "SetConfig", Handler: putConfigHandler},
		{MethodName: "GetEnv", Handler: getEnvHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "Sleep", Handler: sleepHandler},
		{MethodName: "SetServerServingStatus", Handler: setServerServingStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ListCache", Handler: listCacheStreamHandler, ServerStreams: true},
		{StreamName: "Catalog", Handler: catalogStreamHandler, ServerStreams: true},
		{StreamName: "UpdateCache", Handler: updateCacheStreamHandler, ServerStreams: true},
		{StreamName: "ListPlugins", Handler: listPluginsStreamHandler, ServerStreams: true},
	},
	Metadata: "qjazz_admin.proto",
}

// RegisterHealth wires a grpc/health.Server into gs, reporting SERVING for
// both logical services once the worker pool is ready.
func RegisterHealth(gs *grpc.Server, hs *health.Server) {
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("qjazz.QgisServer", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("qjazz.QgisAdmin", healthpb.HealthCheckResponse_SERVING)
}
