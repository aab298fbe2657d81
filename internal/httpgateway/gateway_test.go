package httpgateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCORSPreflightAnswered(t *testing.T) {
	cfg := config.BackendConfig{CrossOrigin: config.CrossOriginAll}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/france/p", nil)
	req.Header.Set("Origin", "https://viewer.example.com")

	handled := applyCORS(rec, req, cfg)
	assert.True(t, handled)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Values("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSOriginPolicies(t *testing.T) {
	req := httptest.NewRequest("GET", "/france/p", nil)
	req.Header.Set("Origin", "https://viewer.example.com")

	rec := httptest.NewRecorder()
	applyCORS(rec, req, config.BackendConfig{CrossOrigin: config.CrossOriginSameOrigin})
	assert.Equal(t, "https://viewer.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	applyCORS(rec, req, config.BackendConfig{CrossOrigin: config.CrossOriginURL, CrossOriginURL: "https://gis.example.com"})
	assert.Equal(t, "https://gis.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteGRPCErrorMapping(t *testing.T) {
	cases := map[codes.Code]int{
		codes.NotFound:          http.StatusNotFound,
		codes.Unavailable:       http.StatusBadGateway,
		codes.PermissionDenied:  http.StatusForbidden,
		codes.InvalidArgument:   http.StatusBadRequest,
		codes.DeadlineExceeded:  http.StatusGatewayTimeout,
		codes.ResourceExhausted: http.StatusConflict,
		codes.Internal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		rec := httptest.NewRecorder()
		writeGRPCError(rec, status.Error(code, "boom"))
		assert.Equal(t, want, rec.Code, code.String())
		assert.Contains(t, rec.Body.String(), "message")
	}
}

func TestErrorBodyShape(t *testing.T) {
	rec := httptest.NewRecorder()
	writeMessage(rec, http.StatusNotFound, "Resource not found: /elsewhere/foo")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"Resource not found: /elsewhere/foo"}`, rec.Body.String())
}
