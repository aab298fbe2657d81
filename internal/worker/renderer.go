// Package worker implements the long-lived worker process: it embeds one
// renderer instance, owns the process-local cache manager, and dispatches
// framed pipe messages to operations.
//
// The renderer is a native binary dependency modeled here only as an opaque
// contract, a request handler plus a project-loading primitive, so the rest
// of the worker can be implemented and tested against a stand-in.
package worker

import (
	"github.com/3liz/qjazz-gateway/internal/cache"
)

// Request is the renderer-facing request built from a wire OWS/API message:
// URL, method, filtered headers and an optional body.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// ResponseWriter is how the renderer reports a status/headers and streams
// a body back through the worker, which frames it over the pipe. The status
// and every header set here are carried verbatim in the reply envelope; the
// gRPC server then exposes them as "x-reply-status-code" and
// "x-reply-header-<name>" metadata.
type ResponseWriter interface {
	SetStatus(code int)
	SetHeader(name, value string)
	Write(chunk []byte) (int, error)
}

// bufferedResponse is a minimal in-memory ResponseWriter implementation
// used by both the renderer stand-in and the worker's own dispatch code
// before chunks are flushed to the pipe.
type bufferedResponse struct {
	status  int
	headers map[string]string
	body    [][]byte
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{status: 200, headers: make(map[string]string)}
}

func (r *bufferedResponse) SetStatus(code int)          { r.status = code }
func (r *bufferedResponse) SetHeader(name, value string) { r.headers[name] = value }
func (r *bufferedResponse) Write(chunk []byte) (int, error) {
	r.body = append(r.body, chunk)
	return len(chunk), nil
}

// Renderer is the boundary to the native mapping/GIS rendering engine.
type Renderer interface {
	// HandleRequest synchronously answers req against the given project,
	// writing status/headers/body through resp.
	HandleRequest(req Request, resp ResponseWriter, project cache.ProjectHandle) error
	// ReleaseProjectConfig notifies the renderer that a cache entry for
	// path has been dropped, so it can release any per-project state.
	ReleaseProjectConfig(path string)
}

// StubRenderer is a minimal Renderer used where no native renderer library
// is linked (e.g. unit tests, and any environment exercising only the
// serving-layer plumbing this repository implements). It answers
// GetCapabilities-shaped OWS requests and echoes a small JSON body for API
// requests, which is enough to exercise the full worker/supervisor/router
// pipeline end to end without the renderer binary dependency.
type StubRenderer struct{}

func NewStubRenderer() *StubRenderer { return &StubRenderer{} }

func (r *StubRenderer) HandleRequest(req Request, resp ResponseWriter, project cache.ProjectHandle) error {
	resp.SetStatus(200)
	if req.Headers["x-qgis-api"] != "" {
		resp.SetHeader("content-type", "application/json")
		_, err := resp.Write([]byte(`{"collections":[]}`))
		return err
	}
	resp.SetHeader("content-type", "text/xml")
	name := ""
	if project != nil {
		name = project.FileName()
	}
	_, err := resp.Write([]byte(`<WMS_Capabilities project="` + name + `"/>`))
	return err
}

func (r *StubRenderer) ReleaseProjectConfig(path string) {}
