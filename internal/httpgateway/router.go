// Package httpgateway implements the HTTP-facing serving listener: a
// router that picks a backend channel and disambiguates OWS vs API
// requests, and a Gateway that drives the chosen channel's gRPC stream and
// pipes the reply back to the HTTP client.
package httpgateway

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/rpc"
)

// apiMatch decomposes a path remainder into an optional path-embedded
// project, an api name and an api path.
var apiMatch = regexp.MustCompile(`^(?:(.+)/_/)?([^/]+)(/.*)?$`)

// Kind distinguishes an OWS request from an API request.
type Kind int

const (
	KindOWS Kind = iota
	KindAPI
)

// Resolved is the outcome of routing one HTTP request: the backend channel
// to dispatch to, the request kind, and (for OWS) the target project or
// (for API) the decomposed name/path.
type Resolved struct {
	Channel *rpc.Channel
	Route   string
	Kind    Kind

	// OWS fields
	Project string

	// API fields
	APIName     string
	APIPath     string
	APIProject  string
	APIHTML     bool   // api name carried a ".html" suffix
	RedirectTo  string // non-empty => caller must 302 here before proceeding
}

// Router holds the channel pool and resolves incoming requests to a
// backend + request kind.
type Router struct {
	pool *rpc.ChannelPool
}

func NewRouter(pool *rpc.ChannelPool) *Router {
	return &Router{pool: pool}
}

// Resolve routes one request: the longest matching route prefix picks the
// backend, then a SERVICE query parameter marks an OWS request and anything
// else is an API request. path is the raw request path (including the
// matched route prefix); query is the parsed query string; mapHeader is the
// value of X-Qgis-Project, if any.
func (r *Router) Resolve(path string, query url.Values, mapHeader string) (*Resolved, error) {
	route, remainder, err := r.matchRoute(path)
	if err != nil {
		return nil, err
	}
	ch, err := r.pool.ByRoute(route)
	if err != nil {
		return nil, err
	}

	if query.Get("SERVICE") != "" {
		project := query.Get("MAP")
		if project == "" {
			project = mapHeader
		}
		if project == "" {
			project = strings.TrimPrefix(remainder, "/")
		}
		if project != "" {
			project = qualify(route, project)
		}
		return &Resolved{Channel: ch, Route: route, Kind: KindOWS, Project: project}, nil
	}

	return r.resolveAPI(ch, route, remainder, query, mapHeader)
}

// qualify turns a project spelling into its full logical path: absolute
// spellings (MAP=/france/france_parts) pass through, relative ones
// (path-embedded or remainder-derived) are anchored under the route prefix,
// matching the worker's search-path locations.
func qualify(route, project string) string {
	if strings.HasPrefix(project, "/") {
		return project
	}
	return route + "/" + project
}

// matchRoute returns the longest configured route prefix that is a proper
// prefix of path, and the path remainder after it.
func (r *Router) matchRoute(path string) (route, remainder string, err error) {
	best := ""
	for _, candidate := range r.pool.Routes() {
		if candidate == "" {
			continue
		}
		if path == candidate || strings.HasPrefix(path, candidate+"/") {
			best = candidate
			break // Routes() is sorted longest-first
		}
	}
	if best == "" {
		return "", "", apperror.New(apperror.KindNotFound, "Resource not found: %s", path)
	}
	return best, strings.TrimPrefix(path, best), nil
}

func (r *Router) resolveAPI(ch *rpc.Channel, route, remainder string, query url.Values, mapHeader string) (*Resolved, error) {
	trimmed := strings.TrimPrefix(remainder, "/")
	m := apiMatch.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, apperror.New(apperror.KindInvalidArgument, "malformed api path %q", remainder)
	}
	pathProject, apiName, apiPath := m[1], m[2], strings.TrimPrefix(m[3], "/")

	isHTML := strings.HasSuffix(apiName, ".html")
	apiName = strings.TrimSuffix(strings.TrimSuffix(apiName, ".json"), ".html")

	headerProject := query.Get("MAP")
	if headerProject == "" {
		headerProject = mapHeader
	}

	res := &Resolved{
		Channel: ch, Route: route, Kind: KindAPI,
		APIName: apiName, APIPath: apiPath, APIHTML: isHTML,
	}

	switch {
	case pathProject != "" && headerProject != "" && qualify(route, headerProject) != qualify(route, pathProject):
		// Both a path-embedded project and a MAP/header project are
		// present and disagree: normalize with a redirect to the
		// path-embedded form of the MAP/header project.
		full := qualify(route, headerProject)
		res.APIProject = full
		redirectPath := full + "/_/" + apiName
		if apiPath != "" {
			redirectPath += "/" + apiPath
		}
		res.RedirectTo = redirectPath
	case pathProject != "":
		res.APIProject = qualify(route, pathProject)
	case headerProject != "":
		// MAP/header alone names the project: dispatch directly, no
		// redirect.
		res.APIProject = qualify(route, headerProject)
	}
	return res, nil
}

// Endpoint looks up the matching api_endpoints entry for name on cfg, or
// reports KindNotFound.
func Endpoint(cfg config.BackendConfig, name string) (config.ApiEndpoint, error) {
	for _, ep := range cfg.ApiEndpoints {
		if ep.Name == name {
			return ep, nil
		}
	}
	return config.ApiEndpoint{}, apperror.New(apperror.KindNotFound, "no api endpoint %q configured", name)
}
