package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// handle is the shared MessagePack codec handle for the pipe protocol.
var handle = &codec.MsgpackHandle{}

// Encode serializes v to MessagePack.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes MessagePack data into v (which must be a pointer).
func Decode(data []byte, v any) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}

// EncodeEnvelope serializes a [status, body] reply envelope as a 2-element
// MessagePack array, matching the source protocol's tuple shape.
func EncodeEnvelope(status int, body any) ([]byte, error) {
	return Encode([]any{status, body})
}

// DecodeEnvelope parses a previously-encoded envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var arr []any
	if err := Decode(data, &arr); err != nil {
		return Envelope{}, err
	}
	if len(arr) != 2 {
		return Envelope{}, fmt.Errorf("wire: envelope must have 2 elements, got %d", len(arr))
	}
	status, err := toInt(arr[0])
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: envelope status: %w", err)
	}
	return Envelope{Status: status, Body: arr[1]}, nil
}

// DecodeEnvelopeInto decodes a [status, body] envelope directly into v (a
// pointer to a concrete type), for callers that know the expected reply
// shape ahead of time rather than accepting the generic map/slice shape
// DecodeEnvelope produces for an untyped body.
func DecodeEnvelopeInto(data []byte, v any) (int, error) {
	var status int
	arr := []any{&status, v}
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	if err := dec.Decode(&arr); err != nil {
		return 0, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return status, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case uint64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer: %T", v)
	}
}

// maxFrameSize guards against a corrupt or malicious length prefix causing
// an unbounded allocation.
const maxFrameSize = 256 << 20 // 256MiB

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds maximum of %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return buf, nil
}

// SendReply frames and writes a [status, body] envelope.
func SendReply(w io.Writer, status int, body any) error {
	payload, err := EncodeEnvelope(status, body)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// SendChunk frames and writes one streaming chunk, or the StatusEOT
// sentinel if data is empty.
func SendChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		payload, err := Encode(StatusEOT)
		if err != nil {
			return err
		}
		return WriteFrame(w, payload)
	}
	payload, err := EncodeEnvelope(StatusChunk, data)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// SendEOT writes the stream-termination sentinel.
func SendEOT(w io.Writer) error {
	payload, err := Encode(StatusEOT)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// SendChunkValue frames and writes one streaming chunk carrying an
// arbitrary MessagePack-encodable value (rather than raw bytes), used by
// streaming operations such as ListCache/Catalog/UpdateCache.
func SendChunkValue(w io.Writer, v any) error {
	payload, err := EncodeEnvelope(StatusChunk, v)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// SendReplyErr projects err onto its apperror HTTP status and sends it as
// the reply envelope body, so a failed operation still yields exactly one
// reply frame.
func SendReplyErr(w io.Writer, err error) error {
	return SendReply(w, apperror.HTTPStatus(err), map[string]string{"error": err.Error()})
}
