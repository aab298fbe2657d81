// Package rpc implements the gRPC server and channel/pool client layer:
// two services, QgisServer (OWS/API requests) and QgisAdmin (cache,
// config, env, stats operations), both answered by a worker supervisor
// pool behind the gRPC server, and a health-watched Channel/Pool on the
// HTTP gateway side.
package rpc

import (
	"github.com/3liz/qjazz-gateway/internal/wire"
	"google.golang.org/grpc/encoding"
)

// msgpackCodec is a msgpack-based grpc/encoding.Codec: both services speak
// the same MessagePack payloads as the worker pipe, so a shared codec
// avoids a second serialization format and protoc-generated types.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return wire.Encode(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return wire.Decode(data, v)
}

func (msgpackCodec) Name() string { return "msgpack" }

// Codec is the shared codec instance registered with the gRPC encoding
// registry below, used as both the server's ForceServerCodec and the
// client channel's default call content-subtype.
var Codec = msgpackCodec{}

func init() {
	encoding.RegisterCodec(Codec)
}
