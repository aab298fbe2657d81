package rpc

import (
	"testing"

	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"
)

func TestGetMetadataGlobFiltering(t *testing.T) {
	ch := &Channel{Cfg: config.BackendConfig{
		Name:           "b0",
		ForwardHeaders: []string{"x-qgis-*", "x-lizmap-*"},
	}}

	headers := map[string]string{
		"x-qgis-project":    "/france/france_parts",
		"x-lizmap-user":     "alice",
		"authorization":     "Bearer secret",
		"x-forwarded-host":  "public.example.com",
		"content-type":      "application/xml",
	}

	out := ch.GetMetadata(headers)
	got := make(map[string]string, len(out))
	for _, h := range out {
		got[h.Name] = h.Value
	}

	// The forwarded set is exactly the glob-matched subset.
	assert.Equal(t, map[string]string{
		"x-qgis-project": "/france/france_parts",
		"x-lizmap-user":  "alice",
	}, got)
}

func TestGetMetadataNoPatterns(t *testing.T) {
	ch := &Channel{Cfg: config.BackendConfig{Name: "b0"}}
	assert.Empty(t, ch.GetMetadata(map[string]string{"x-qgis-project": "p"}))
}

func TestStatusCodeFromMetadata(t *testing.T) {
	assert.Equal(t, 200, StatusCode(metadata.MD{}))
	assert.Equal(t, 404, StatusCode(metadata.Pairs("x-reply-status-code", "404")))
	assert.Equal(t, 200, StatusCode(metadata.Pairs("x-reply-status-code", "junk")))
}

func TestReplyHeadersProjection(t *testing.T) {
	md := metadata.Pairs(
		"x-reply-header-content-type", "text/xml",
		"x-reply-header-x-qgis-cache", "HIT",
		"x-reply-status-code", "200",
		"grpc-internal", "ignored",
	)
	headers := ReplyHeaders(md)
	assert.Equal(t, "text/xml", headers["content-type"])
	assert.Equal(t, "HIT", headers["x-qgis-cache"])
	assert.NotContains(t, headers, "grpc-internal")
}

func TestAcquireReleaseContract(t *testing.T) {
	ch := &Channel{Cfg: config.BackendConfig{Name: "b0"}}

	// Not serving: entry refused.
	assert.False(t, ch.Acquire())

	ch.serving.Store(true)
	assert.True(t, ch.Acquire())
	assert.Equal(t, int64(1), ch.inUse.Load())
	ch.Release()
	assert.Equal(t, int64(0), ch.inUse.Load())

	// Closing: entry refused even while serving.
	ch.closing.Store(true)
	assert.False(t, ch.Acquire())
}
