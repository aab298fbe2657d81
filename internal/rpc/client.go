package rpc

import (
	"context"
	"io"

	"github.com/3liz/qjazz-gateway/internal/wire"
	"google.golang.org/grpc"
)

// clientStreamDesc is the client-side counterpart of ServiceDesc's stream
// entries: server-streaming only, content-subtype fixed to the msgpack
// codec via grpc.CallContentSubtype set on the dial options in channel.go.
var clientStreamDesc = &grpc.StreamDesc{ServerStreams: true}

// ExecuteOwsRequest opens the Server-service streaming RPC for an OWS
// request and returns the client stream: callers read initial metadata via
// stream.Header(), then each wire-framed chunk via stream.RecvMsg.
func ExecuteOwsRequest(ctx context.Context, conn *grpc.ClientConn, req any) (grpc.ClientStream, error) {
	return callStream(ctx, conn, "/qjazz.QgisServer/ExecuteOwsRequest", req)
}

// ExecuteApiRequest is ExecuteOwsRequest's API-request counterpart.
func ExecuteApiRequest(ctx context.Context, conn *grpc.ClientConn, req any) (grpc.ClientStream, error) {
	return callStream(ctx, conn, "/qjazz.QgisServer/ExecuteApiRequest", req)
}

// AdminCatalog drives the Admin service's Catalog streaming RPC to
// completion, collecting every CatalogItem the backend reports.
func AdminCatalog(ctx context.Context, conn *grpc.ClientConn, location string) ([]wire.CatalogItem, error) {
	stream, err := callStream(ctx, conn, "/qjazz.QgisAdmin/Catalog", wire.CatalogMsg{MsgID: wire.MsgCatalog, Location: location})
	if err != nil {
		return nil, err
	}
	items := []wire.CatalogItem{}
	for {
		var item wire.CatalogItem
		if err := stream.RecvMsg(&item); err != nil {
			if err == io.EOF {
				return items, nil
			}
			return nil, err
		}
		items = append(items, item)
	}
}

// AdminListCache drives the Admin service's ListCache streaming RPC,
// collecting the CacheInfo of every resident project.
func AdminListCache(ctx context.Context, conn *grpc.ClientConn) ([]wire.CacheInfo, error) {
	stream, err := callStream(ctx, conn, "/qjazz.QgisAdmin/ListCache", wire.ListCacheMsg{MsgID: wire.MsgListCache})
	if err != nil {
		return nil, err
	}
	infos := []wire.CacheInfo{}
	for {
		var info wire.CacheInfo
		if err := stream.RecvMsg(&info); err != nil {
			if err == io.EOF {
				return infos, nil
			}
			return nil, err
		}
		infos = append(infos, info)
	}
}

// AdminUnary invokes a unary Admin-service RPC by method name, decoding the
// reply into out (which may be nil for empty replies).
func AdminUnary(ctx context.Context, conn *grpc.ClientConn, method string, req, out any) error {
	if out == nil {
		out = &struct{}{}
	}
	return conn.Invoke(ctx, "/qjazz.QgisAdmin/"+method, req, out)
}

func callStream(ctx context.Context, conn *grpc.ClientConn, method string, req any) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, clientStreamDesc, method)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
