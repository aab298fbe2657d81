package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := OwsRequestMsg{
		MsgID:   MsgOwsRequest,
		Service: "WMS",
		Request: "GetCapabilities",
		Target:  "/france/france_parts",
		Headers: []Header{{Name: "x-qgis-foo", Value: "bar"}},
	}
	payload, err := Encode(msg)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, payload))

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r)
	require.NoError(t, err)

	var decoded OwsRequestMsg
	require.NoError(t, Decode(got, &decoded))
	assert.Equal(t, msg.Service, decoded.Service)
	assert.Equal(t, msg.Request, decoded.Request)
	assert.Equal(t, msg.Headers, decoded.Headers)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	reply := RequestReply{StatusCode: 200, Target: "/france/france_parts", Headers: []Header{{Name: "content-type", Value: "text/xml"}}}
	payload, err := EncodeEnvelope(200, reply)
	require.NoError(t, err)

	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, 200, env.Status)
}

func TestSendReplyAndChunksOverPipe(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendReply(&buf, StatusOK, RequestReply{StatusCode: 200}))
	require.NoError(t, SendChunk(&buf, []byte("hello")))
	require.NoError(t, SendChunk(&buf, []byte("world")))
	require.NoError(t, SendEOT(&buf))

	r := bufio.NewReader(&buf)

	frame1, err := ReadFrame(r)
	require.NoError(t, err)
	env1, err := DecodeEnvelope(frame1)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, env1.Status)

	frame2, err := ReadFrame(r)
	require.NoError(t, err)
	env2, err := DecodeEnvelope(frame2)
	require.NoError(t, err)
	assert.Equal(t, StatusChunk, env2.Status)

	frame3, err := ReadFrame(r)
	require.NoError(t, err)
	env3, err := DecodeEnvelope(frame3)
	require.NoError(t, err)
	assert.Equal(t, StatusChunk, env3.Status)

	frame4, err := ReadFrame(r)
	require.NoError(t, err)
	var eot int
	require.NoError(t, Decode(frame4, &eot))
	assert.Equal(t, StatusEOT, eot)
}

func TestMaxFrameSizeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	r := bufio.NewReader(&buf)
	_, err := ReadFrame(r)
	require.Error(t, err)
}
