package httpgateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/metrics"
	"github.com/3liz/qjazz-gateway/internal/rpc"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gateway is the serving HTTP listener: it resolves each request to a
// backend channel, opens the matching gRPC stream, and pipes the reply back
// to the client one chunk at a time.
type Gateway struct {
	router *Router
	cfg    *config.Store
	sink   EmitSink
}

func NewGateway(cfg *config.Store, pool *rpc.ChannelPool, sink EmitSink) *Gateway {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Gateway{router: NewRouter(pool), cfg: cfg, sink: sink}
}

func (g *Gateway) backendFor(route string) (config.BackendConfig, bool) {
	for _, b := range g.cfg.Get().Gateway.Backends {
		if b.Route == route {
			return b, true
		}
	}
	return config.BackendConfig{}, false
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", uuid.NewString())
	}
	w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))

	resolved, err := g.router.Resolve(r.URL.Path, r.URL.Query(), r.Header.Get("X-Qgis-Project"))
	if err != nil {
		writeError(w, err)
		return
	}

	backendCfg, _ := g.backendFor(resolved.Route)

	if applyCORS(w, r, backendCfg) {
		return
	}

	if resolved.RedirectTo != "" {
		http.Redirect(w, r, resolved.RedirectTo, http.StatusFound)
		return
	}

	if resolved.Kind == KindAPI {
		endpoint, err := Endpoint(backendCfg, resolved.APIName)
		if err != nil {
			writeError(w, err)
			return
		}
		if endpoint.DelegateTo != "" && resolved.APIHTML && !endpoint.EnableHTMLDelegate {
			writeMessage(w, http.StatusUnsupportedMediaType, "html rendering is disabled for delegated endpoint "+resolved.APIName)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperror.Wrap(apperror.KindInvalidArgument, err, "reading request body"))
		return
	}

	ctx := r.Context()
	if backendCfg.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(backendCfg.TimeoutSec)*time.Second)
		defer cancel()
	}

	if !resolved.Channel.Acquire() {
		writeError(w, apperror.New(apperror.KindBackendUnavailable, "backend %s is not serving", backendCfg.Name))
		return
	}
	defer resolved.Channel.Release()

	stream, err := g.openStream(ctx, resolved, backendCfg, r, body)
	if err != nil {
		writeGRPCError(w, err)
		return
	}

	md, err := stream.Header()
	if err != nil {
		writeGRPCError(w, err)
		return
	}
	httpStatus := rpc.StatusCode(md)
	replyHeaders := rpc.ReplyHeaders(md)
	cached := strings.EqualFold(replyHeaders["x-qgis-cache"], "HIT")

	for k, v := range replyHeaders {
		w.Header().Set(k, v)
	}
	w.WriteHeader(httpStatus)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	for {
		var chunk []byte
		recvErr := stream.RecvMsg(&chunk)
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			log.Errorf("httpgateway: stream recv failed", recvErr)
			break
		}
		bw.Write(chunk)
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	label := kindLabel(resolved.Kind)
	metrics.HTTPRequestsTotal.WithLabelValues(resolved.Route, label, strconv.Itoa(httpStatus)).Inc()
	metrics.HTTPRequestDuration.WithLabelValues(resolved.Route).Observe(time.Since(start).Seconds())
	metrics.HTTPCacheStatusTotal.WithLabelValues(strconv.FormatBool(cached)).Inc()

	_ = g.sink.Emit(EmitRecord{
		Status:         httpStatus,
		Service:        label,
		Request:        r.URL.Path,
		Project:        projectLabel(resolved),
		ResponseTimeMs: float64(time.Since(start).Milliseconds()),
		LatencyMs:      float64(time.Since(start).Milliseconds()),
		Cached:         cached,
	})
}

// openStream builds the OWS or API request message and opens the matching
// Server-service streaming RPC.
func (g *Gateway) openStream(ctx context.Context, resolved *Resolved, backendCfg config.BackendConfig, r *http.Request, body []byte) (grpc.ClientStream, error) {
	conn := resolved.Channel.Conn()
	publicURL := forwardedURL(r)
	headers := resolved.Channel.GetMetadata(flattenHeaders(r.Header))

	if resolved.Kind == KindOWS {
		query := r.URL.Query()
		applyWFSSafety(query, backendCfg.GetFeatureLimit)
		msg := wire.OwsRequestMsg{
			MsgID:       wire.MsgOwsRequest,
			Service:     query.Get("SERVICE"),
			Request:     query.Get("REQUEST"),
			Target:      resolved.Project,
			URL:         publicURL + "?" + query.Encode(),
			Version:     query.Get("VERSION"),
			Options:     query.Encode(),
			Headers:     headers,
			RequestID:   r.Header.Get("X-Request-Id"),
			ContentType: r.Header.Get("Content-Type"),
			Method:      wire.HTTPMethod(r.Method),
			Body:        body,
		}
		s, err := rpc.ExecuteOwsRequest(ctx, conn, msg)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindBackendUnavailable, err, "dispatching ows request")
		}
		return s, nil
	}

	endpoint, _ := Endpoint(backendCfg, resolved.APIName)
	msg := wire.ApiRequestMsg{
		MsgID:       wire.MsgApiRequest,
		Name:        resolved.APIName,
		Path:        resolved.APIPath,
		Method:      wire.HTTPMethod(r.Method),
		URL:         publicURL,
		Data:        body,
		Delegate:    endpoint.DelegateTo != "",
		Target:      resolved.APIProject,
		Headers:     headers,
		RequestID:   r.Header.Get("X-Request-Id"),
		ContentType: r.Header.Get("Content-Type"),
	}
	s, err := rpc.ExecuteApiRequest(ctx, conn, msg)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, err, "dispatching api request")
	}
	return s, nil
}

func kindLabel(k Kind) string {
	if k == KindOWS {
		return "ows"
	}
	return "api"
}

func projectLabel(r *Resolved) string {
	if r.Kind == KindOWS {
		return r.Project
	}
	return r.APIProject
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func forwardedURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		return scheme + "://" + fh + r.URL.Path
	}
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		for _, part := range strings.Split(fwd, ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(strings.ToLower(part), "host=") {
				return scheme + "://" + strings.TrimPrefix(part, "host=") + r.URL.Path
			}
		}
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// applyWFSSafety injects a COUNT (WFS 2.x) or MAXFEATURES (WFS 1.x) limit
// into query for a WFS GetFeature request, bounded by limit. limit<=0 disables the check.
func applyWFSSafety(query url.Values, limit int) {
	if limit <= 0 {
		return
	}
	if !strings.EqualFold(query.Get("SERVICE"), "WFS") || !strings.EqualFold(query.Get("REQUEST"), "GetFeature") {
		return
	}
	version := query.Get("VERSION")
	if strings.HasPrefix(version, "2.") {
		userCount := limit
		if v := query.Get("COUNT"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n < userCount {
				userCount = n
			}
		}
		query.Set("COUNT", strconv.Itoa(userCount))
		return
	}
	userMax := limit
	if v := query.Get("MAXFEATURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n < userMax {
			userMax = n
		}
	}
	query.Set("MAXFEATURES", strconv.Itoa(userMax))
}

func writeError(w http.ResponseWriter, err error) {
	writeMessage(w, apperror.HTTPStatus(err), err.Error())
}

// writeGRPCError maps a failed backend call onto the HTTP surface:
// NOT_FOUND to 404, UNAVAILABLE to 502, PERMISSION_DENIED to 403,
// INVALID_ARGUMENT to 400, DEADLINE_EXCEEDED to 504, RESOURCE_EXHAUSTED to
// 409, everything else 500
// (or the apperror projection when the failure never reached gRPC).
func writeGRPCError(w http.ResponseWriter, err error) {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			writeMessage(w, http.StatusNotFound, st.Message())
		case codes.Unavailable:
			writeMessage(w, http.StatusBadGateway, st.Message())
		case codes.PermissionDenied:
			writeMessage(w, http.StatusForbidden, st.Message())
		case codes.InvalidArgument:
			writeMessage(w, http.StatusBadRequest, st.Message())
		case codes.DeadlineExceeded:
			writeMessage(w, http.StatusGatewayTimeout, st.Message())
		case codes.ResourceExhausted:
			writeMessage(w, http.StatusConflict, st.Message())
		default:
			writeMessage(w, http.StatusInternalServerError, st.Message())
		}
		return
	}
	writeError(w, err)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"message":%q}`, msg)
}
