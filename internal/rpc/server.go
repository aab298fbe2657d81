package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/supervisor"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Server answers the "Server" service's two RPCs:
// ExecuteOwsRequest/ExecuteApiRequest, each a server-streaming RPC
// carrying the worker's chunked reply, with the worker's initial
// RequestReply (status code, projected headers) sent as gRPC initial
// metadata rather than a first stream item.
type Server struct {
	pool *supervisor.Pool
}

// NewServer constructs a Server backed by pool.
func NewServer(pool *supervisor.Pool) *Server {
	return &Server{pool: pool}
}

// grpcCode maps an apperror Kind onto the nearest gRPC status code; the
// HTTP gateway reverses this mapping on its side.
func grpcCode(err error) codes.Code {
	switch apperror.KindOf(err) {
	case apperror.KindNotFound, apperror.KindRemoved:
		return codes.NotFound
	case apperror.KindResourceNotAllowed, apperror.KindUnauthorized:
		return codes.PermissionDenied
	case apperror.KindInvalidArgument:
		return codes.InvalidArgument
	case apperror.KindTimeout:
		return codes.DeadlineExceeded
	case apperror.KindBackendUnavailable:
		return codes.Unavailable
	case apperror.KindCapacityExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// runRequest drives one OWS/API request-reply exchange against an
// acquired supervisor: the worker's first reply frame (wire.RequestReply)
// becomes gRPC initial metadata, every subsequent chunk becomes a stream
// message, and EOT ends the RPC.
func (s *Server) runRequest(stream grpc.ServerStream, req any) error {
	payload, err := wire.Encode(req)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	sv, err := s.pool.Acquire(stream.Context())
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer s.pool.Release(sv)

	// On client cancellation, SIGHUP the child and drain until it returns
	// to rendezvous=done, so the supervisor goes back to the pool clean.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-stream.Context().Done():
			_ = sv.Cancel(10 * time.Second)
		case <-watchDone:
		}
	}()

	frame, err := sv.SendRaw(payload)
	if err != nil {
		return status.Error(grpcCode(err), err.Error())
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if env.Status != wire.StatusOK {
		// Error envelope: the worker sends exactly one reply frame and no
		// chunk stream. Project the status and a JSON message body.
		md := metadata.Pairs(
			"x-reply-status-code", strconv.Itoa(env.Status),
			"x-reply-header-content-type", "application/json",
		)
		if err := stream.SendHeader(md); err != nil {
			return err
		}
		body, _ := json.Marshal(map[string]string{"message": errorMessage(env.Body)})
		return stream.SendMsg(body)
	}
	var reply wire.RequestReply
	if _, err := wire.DecodeEnvelopeInto(frame, &reply); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	md := metadata.Pairs("x-reply-status-code", strconv.Itoa(reply.StatusCode))
	for _, h := range reply.Headers {
		md.Append("x-reply-header-"+h.Name, h.Value)
	}
	if err := stream.SendHeader(md); err != nil {
		return err
	}

	return sv.StreamBytes(func(chunk any) error {
		data, _ := chunk.([]byte)
		return stream.SendMsg(data)
	})
}

// errorMessage pulls a human-readable message out of an error envelope
// body, whatever map shape the codec decoded it to.
func errorMessage(body any) string {
	switch m := body.(type) {
	case map[string]any:
		for _, key := range []string{"error", "message"} {
			if v, ok := m[key]; ok {
				return fmt.Sprint(v)
			}
		}
	case map[any]any:
		for _, key := range []string{"error", "message"} {
			if v, ok := m[key]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	return "request failed"
}

// httpToGRPC maps a worker envelope status onto the nearest gRPC code.
func httpToGRPC(st int) codes.Code {
	switch st {
	case 400:
		return codes.InvalidArgument
	case 401, 403:
		return codes.PermissionDenied
	case 404, 410:
		return codes.NotFound
	case 409:
		return codes.ResourceExhausted
	case 504:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func executeOwsRequestHandler(srv any, stream grpc.ServerStream) error {
	var req wire.OwsRequestMsg
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*Server).runRequest(stream, req)
}

func executeApiRequestHandler(srv any, stream grpc.ServerStream) error {
	var req wire.ApiRequestMsg
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*Server).runRequest(stream, req)
}

// ServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// "Server" (QgisServer) descriptor.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qjazz.QgisServer",
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "ExecuteOwsRequest", Handler: executeOwsRequestHandler, ServerStreams: true},
		{StreamName: "ExecuteApiRequest", Handler: executeApiRequestHandler, ServerStreams: true},
	},
	Metadata: "qjazz_server.proto",
}
