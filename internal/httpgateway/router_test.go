package httpgateway

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, routes ...string) *Router {
	t.Helper()
	pool := rpc.NewTestPool(routes...)
	return NewRouter(pool)
}

func TestLongestPrefixWins(t *testing.T) {
	r := newTestRouter(t, "/wms", "/wms/france")

	res, err := r.Resolve("/wms/france/parts", url.Values{"SERVICE": {"WMS"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "/wms/france", res.Route)
}

func TestNoRouteIs404(t *testing.T) {
	r := newTestRouter(t, "/france")

	_, err := r.Resolve("/elsewhere/foo", url.Values{"SERVICE": {"WMS"}}, "")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestOwsProjectPrecedence(t *testing.T) {
	r := newTestRouter(t, "/france")

	// MAP query parameter wins.
	res, err := r.Resolve("/france/remainder", url.Values{"SERVICE": {"WMS"}, "MAP": {"/france/map_project"}}, "/france/header_project")
	require.NoError(t, err)
	assert.Equal(t, KindOWS, res.Kind)
	assert.Equal(t, "/france/map_project", res.Project)

	// Then the X-Qgis-Project header.
	res, err = r.Resolve("/france/remainder", url.Values{"SERVICE": {"WMS"}}, "/france/header_project")
	require.NoError(t, err)
	assert.Equal(t, "/france/header_project", res.Project)

	// Then the path remainder, anchored under the route prefix.
	res, err = r.Resolve("/france/france_parts", url.Values{"SERVICE": {"WMS"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "/france/france_parts", res.Project)
}

func TestApiPathEmbeddedProject(t *testing.T) {
	r := newTestRouter(t, "/france")

	res, err := r.Resolve("/france/france_parts/_/wfs3/collections", url.Values{}, "")
	require.NoError(t, err)
	assert.Equal(t, KindAPI, res.Kind)
	assert.Equal(t, "wfs3", res.APIName)
	assert.Equal(t, "collections", res.APIPath)
	assert.Equal(t, "/france/france_parts", res.APIProject)
	assert.Empty(t, res.RedirectTo)
}

func TestApiMapConflictRedirectsToMapProject(t *testing.T) {
	r := newTestRouter(t, "/france")

	// Both a path-embedded project and MAP are present and disagree: the
	// response is a 302 to the path-embedded form of the MAP project.
	res, err := r.Resolve("/france/other/_/wfs3/collections", url.Values{"MAP": {"/france/france_parts"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "/france/france_parts/_/wfs3/collections", res.RedirectTo)
}

func TestApiMapAgreeingWithPathDoesNotRedirect(t *testing.T) {
	r := newTestRouter(t, "/france")

	res, err := r.Resolve("/france/france_parts/_/wfs3/collections", url.Values{"MAP": {"/france/france_parts"}}, "")
	require.NoError(t, err)
	assert.Empty(t, res.RedirectTo)
	assert.Equal(t, "/france/france_parts", res.APIProject)
}

func TestApiWithoutProject(t *testing.T) {
	r := newTestRouter(t, "/france")

	res, err := r.Resolve("/france/wfs3/collections", url.Values{}, "")
	require.NoError(t, err)
	assert.Equal(t, KindAPI, res.Kind)
	assert.Equal(t, "wfs3", res.APIName)
	assert.Equal(t, "collections", res.APIPath)
	assert.Empty(t, res.APIProject)
}

func TestApiMapAloneDispatchesDirectly(t *testing.T) {
	r := newTestRouter(t, "/france")

	// A MAP/header-only request (no path-embedded project) is dispatched
	// as-is; the normalization redirect fires only on a conflict.
	res, err := r.Resolve("/france/wfs3/collections", url.Values{"MAP": {"france_parts"}}, "")
	require.NoError(t, err)
	assert.Empty(t, res.RedirectTo)
	assert.Equal(t, "/france/france_parts", res.APIProject)
	assert.Equal(t, "wfs3", res.APIName)
}

func TestApiSuffixStripping(t *testing.T) {
	r := newTestRouter(t, "/france")

	res, err := r.Resolve("/france/p/_/wfs3.json", url.Values{}, "")
	require.NoError(t, err)
	assert.Equal(t, "wfs3", res.APIName)
	assert.False(t, res.APIHTML)

	res, err = r.Resolve("/france/p/_/wfs3.html", url.Values{}, "")
	require.NoError(t, err)
	assert.Equal(t, "wfs3", res.APIName)
	assert.True(t, res.APIHTML)
}

func TestEndpointLookup(t *testing.T) {
	cfg := config.BackendConfig{
		ApiEndpoints: []config.ApiEndpoint{{Name: "wfs3"}},
	}
	_, err := Endpoint(cfg, "wfs3")
	require.NoError(t, err)

	_, err = Endpoint(cfg, "nope")
	require.Error(t, err)
	assert.Equal(t, apperror.KindNotFound, apperror.KindOf(err))
}

func TestWFSGetFeatureLimit(t *testing.T) {
	// WFS 2.x uses COUNT.
	q := url.Values{"SERVICE": {"WFS"}, "REQUEST": {"GetFeature"}, "VERSION": {"2.0.0"}, "COUNT": {"100000"}}
	applyWFSSafety(q, 1000)
	assert.Equal(t, "1000", q.Get("COUNT"))

	// A user count below the limit is preserved.
	q = url.Values{"SERVICE": {"WFS"}, "REQUEST": {"GetFeature"}, "VERSION": {"2.0.0"}, "COUNT": {"10"}}
	applyWFSSafety(q, 1000)
	assert.Equal(t, "10", q.Get("COUNT"))

	// WFS 1.x uses MAXFEATURES.
	q = url.Values{"SERVICE": {"WFS"}, "REQUEST": {"GetFeature"}, "VERSION": {"1.1.0"}}
	applyWFSSafety(q, 500)
	assert.Equal(t, "500", q.Get("MAXFEATURES"))

	// Non-GetFeature requests are untouched.
	q = url.Values{"SERVICE": {"WFS"}, "REQUEST": {"GetCapabilities"}}
	applyWFSSafety(q, 500)
	assert.Empty(t, q.Get("MAXFEATURES"))
	assert.Empty(t, q.Get("COUNT"))
}

func TestForwardedURL(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://internal:8080/wms/france", nil)
	r.Host = "internal:8080"

	assert.Equal(t, "http://internal:8080/wms/france", forwardedURL(r))

	r.Header.Set("Forwarded", "for=1.2.3.4;host=public.example.com;proto=https")
	assert.Equal(t, "http://public.example.com/wms/france", forwardedURL(r))

	r.Header.Set("X-Forwarded-Host", "cdn.example.com")
	assert.Equal(t, "http://cdn.example.com/wms/france", forwardedURL(r))
}
