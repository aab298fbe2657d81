package admin

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(tokens ...string) *Server {
	cfg := config.Default()
	cfg.Admin.Tokens = tokens
	return NewServer(config.NewStore(cfg), rpc.NewTestPool(), "")
}

func TestAuthRequiredWhenTokensConfigured(t *testing.T) {
	s := newTestServer("s3cret")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/backends", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "message")

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/backends", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/backends", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNoAuthWhenNoTokens(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/backends", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBackendsList(t *testing.T) {
	s := NewServer(config.NewStore(config.Default()), rpc.NewTestPool("/france"), "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/backends", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/france")
}

func TestBackendGetUnknownIs404(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/backends/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackendPostRequiresAddressAndRoute(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/backends/b0", strings.NewReader(`{"route":"/only-route"}`))
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackendDeleteUnknownIs404(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/backends/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfigGet(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "max_projects")
}

func TestConfigPatchMerges(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PATCH", "/config", strings.NewReader(`{"projects":{"max_projects":9}}`))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, s.cfg.Get().Projects.MaxProjects)
}

func TestConfigPutWithoutFileOrURLIs400(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("PUT", "/config", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigPutReloadsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yml"
	require.NoError(t, writeFile(path, "projects:\n  max_projects: 11\n"))

	s := NewServer(config.NewStore(config.Default()), rpc.NewTestPool(), path)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("PUT", "/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 11, s.cfg.Get().Projects.MaxProjects)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
