package worker

import (
	"net/url"
	"strings"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/cache"
	"github.com/3liz/qjazz-gateway/internal/wire"
)

// checkoutForRequest performs the checkout-then-possibly-load sequence for
// a request naming a target project, returning the resolved entry and
// whether it was already resident (a cache hit), or an HTTP-shaped error.
func (w *Worker) checkoutForRequest(target string, direct bool) (*cache.CacheEntry, bool, error) {
	u, err := w.resolveTarget(target, direct)
	if err != nil {
		return nil, false, err
	}
	result, status, err := w.Cache.Checkout(u)
	if err != nil {
		return nil, false, err
	}
	cfg := w.Cfg.Get().Projects

	switch status {
	case cache.StatusUnchanged:
		entry := result.(*cache.CacheEntry)
		entry.HitMe()
		return entry, true, nil

	case cache.StatusNeedUpdate:
		entry := result.(*cache.CacheEntry)
		if !cfg.ReloadOutdatedOnRequest {
			entry.HitMe()
			return entry, true, nil
		}
		updated, _, err := w.Cache.Update(entry.MD, cache.StatusNeedUpdate, entry.Pinned())
		if err != nil {
			return nil, false, err
		}
		updated.HitMe()
		return updated, false, nil

	case cache.StatusNew:
		md := result.(cache.ProjectMetadata)
		if !cfg.LoadProjectOnRequest {
			return nil, false, apperror.New(apperror.KindNotFound, "project loading on request is disabled: %s", target)
		}
		entry, _, err := w.Cache.Update(md, cache.StatusNew, false)
		if err != nil {
			return nil, false, err // CapacityExhausted -> 409 via apperror.HTTPStatus
		}
		entry.HitMe()
		return entry, false, nil

	case cache.StatusRemoved:
		return nil, false, apperror.New(apperror.KindRemoved, "project was removed: %s", target)

	case cache.StatusNotFound:
		return nil, false, apperror.New(apperror.KindNotFound, "project not found: %s", target)

	default:
		return nil, false, apperror.New(apperror.KindInternal, "unexpected checkout status %s for %s", status, target)
	}
}

// resolveTarget turns a logical target into a storage URL: explicit URIs
// (carrying a scheme) are parsed as-is, logical paths go through the cache
// manager's search-path resolution.
func (w *Worker) resolveTarget(target string, direct bool) (*url.URL, error) {
	if strings.Contains(target, "://") {
		return parseURI(target)
	}
	return w.Cache.ResolvePath(target, direct)
}

// requestHeaders flattens the wire header pairs into the renderer-facing
// map. The gateway has already filtered them against the backend's
// forward_headers globs, so no further allowlisting happens here.
func requestHeaders(in []wire.Header) map[string]string {
	out := make(map[string]string, len(in))
	for _, h := range in {
		out[h.Name] = h.Value
	}
	return out
}

// projectReplyHeaders copies the status and every header of a buffered
// renderer response, unchanged, into the wire RequestReply envelope.
func projectReplyHeaders(resp *bufferedResponse) (int, []wire.Header) {
	status := resp.status
	var headers []wire.Header
	for name, value := range resp.headers {
		headers = append(headers, wire.Header{Name: name, Value: value})
	}
	return status, headers
}

func (w *Worker) handleOwsRequest(m wire.OwsRequestMsg) error {
	var entry *cache.CacheEntry
	var hit bool
	var err error
	if m.Target != "" {
		entry, hit, err = w.checkoutForRequest(m.Target, m.Direct)
		if err != nil {
			return wire.SendReplyErr(w.out, err)
		}
	}

	req := Request{
		URL:     m.URL,
		Method:  string(m.Method),
		Headers: requestHeaders(m.Headers),
		Body:    m.Body,
	}
	req.Headers["x-qgis-service"] = m.Service
	req.Headers["x-qgis-request"] = m.Request

	var project cache.ProjectHandle
	if entry != nil {
		project = entry.Project
	}

	resp := newBufferedResponse()
	if err := w.Renderer.HandleRequest(req, resp, project); err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	if m.Target != "" {
		resp.SetHeader("x-qgis-cache", cacheHeader(hit))
	}
	return w.sendChunkedResponse(resp)
}

func (w *Worker) handleApiRequest(m wire.ApiRequestMsg) error {
	var entry *cache.CacheEntry
	var hit bool
	var err error
	if m.Target != "" {
		entry, hit, err = w.checkoutForRequest(m.Target, m.Direct)
		if err != nil {
			return wire.SendReplyErr(w.out, err)
		}
	}

	req := Request{
		URL:     m.URL,
		Method:  string(m.Method),
		Headers: requestHeaders(m.Headers),
		Body:    m.Data,
	}
	req.Headers["x-qgis-api"] = m.Name
	req.Headers["x-qgis-api-path"] = m.Path

	var project cache.ProjectHandle
	if entry != nil {
		project = entry.Project
	}

	resp := newBufferedResponse()
	if err := w.Renderer.HandleRequest(req, resp, project); err != nil {
		return wire.SendReplyErr(w.out, err)
	}
	if m.Target != "" {
		resp.SetHeader("x-qgis-cache", cacheHeader(hit))
	}
	return w.sendChunkedResponse(resp)
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}

// sendChunkedResponse writes the initial RequestReply envelope followed by
// body chunks bounded by max_chunk_size, terminated by SendEOT.
func (w *Worker) sendChunkedResponse(resp *bufferedResponse) error {
	status, headers := projectReplyHeaders(resp)
	if err := wire.SendReply(w.out, wire.StatusOK, wire.RequestReply{
		StatusCode: status,
		Headers:    headers,
	}); err != nil {
		return err
	}

	maxChunk := w.Cfg.Get().Server.MaxChunkSize
	if maxChunk <= 0 {
		maxChunk = 1 << 20
	}
	for _, part := range resp.body {
		for len(part) > 0 {
			if w.Cancelled() {
				return wire.SendEOT(w.out)
			}
			n := len(part)
			if n > maxChunk {
				n = maxChunk
			}
			if err := wire.SendChunk(w.out, part[:n]); err != nil {
				return err
			}
			part = part[n:]
		}
	}
	return wire.SendEOT(w.out)
}
