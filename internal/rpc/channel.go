package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/metrics"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// backoffInterval is the health-watch reconnect delay.
const backoffInterval = 5 * time.Second

// Channel wraps one gRPC client connection to a backend's server pool,
// tracking SERVING/NOT_SERVING transitions from the Health service so the
// HTTP gateway can fail fast instead of blocking on a dead backend.
type Channel struct {
	Cfg  config.BackendConfig
	conn *grpc.ClientConn

	serving atomic.Bool
	closing atomic.Bool
	inUse   atomic.Int64
}

// defaultForwardHeaders is applied when a backend declares no
// forward_headers globs of its own.
var defaultForwardHeaders = []string{"x-qgis-*", "x-lizmap-*"}

// Dial connects to cfg.Address and starts the background health watch.
func Dial(ctx context.Context, cfg config.BackendConfig) (*Channel, error) {
	if len(cfg.ForwardHeaders) == 0 {
		cfg.ForwardHeaders = defaultForwardHeaders
	}
	creds := insecure.NewCredentials()
	if cfg.SSL != nil {
		tlsCreds, err := loadTLSCredentials(*cfg.SSL)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, err, "loading TLS credentials for backend %s", cfg.Name)
		}
		creds = tlsCreds
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Codec.Name())),
		grpc.WithDefaultServiceConfig(`{"loadBalancingConfig":[{"round_robin":{}}]}`),
	)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, err, "dialing backend %s at %s", cfg.Name, cfg.Address)
	}

	c := &Channel{Cfg: cfg, conn: conn}
	go c.watchHealth(ctx)
	return c, nil
}

func loadTLSCredentials(ssl config.SSLConfig) (credentials.TransportCredentials, error) {
	tlsCfg := &tls.Config{}
	if ssl.CA != "" {
		pem, err := os.ReadFile(ssl.CA)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, apperror.New(apperror.KindInvalidArgument, "no CA certificate found in %s", ssl.CA)
		}
		tlsCfg.RootCAs = pool
	}
	if ssl.Cert != "" && ssl.Key != "" {
		cert, err := tls.LoadX509KeyPair(ssl.Cert, ssl.Key)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}

// watchHealth runs for the Channel's lifetime, tracking the backend's
// SERVING/NOT_SERVING status for the "qjazz.QgisServer" logical service and
// reconnecting the watch on transport failure after backoffInterval.
func (c *Channel) watchHealth(ctx context.Context) {
	client := healthpb.NewHealthClient(c.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		stream, err := client.Watch(ctx, &healthpb.HealthCheckRequest{Service: "qjazz.QgisServer"})
		if err != nil {
			log.Errorf("rpc: channel "+c.Cfg.Name+": health watch failed", err)
			time.Sleep(backoffInterval)
			continue
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				log.Errorf("rpc: channel "+c.Cfg.Name+": health stream closed", err)
				c.setServing(false)
				break
			}
			c.setServing(resp.Status == healthpb.HealthCheckResponse_SERVING)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffInterval):
		}
	}
}

func (c *Channel) setServing(serving bool) {
	c.serving.Store(serving)
	v := 0.0
	if serving {
		v = 1.0
	}
	metrics.ChannelServingStatus.WithLabelValues(c.Cfg.Name).Set(v)
}

// Serving reports the last observed health status.
func (c *Channel) Serving() bool { return c.serving.Load() }

// Acquire is the entry guard of the stub() contract:
// it may be entered only while serving and not closing, and each entry
// increments the in-use counter. Callers must pair it with Release.
func (c *Channel) Acquire() bool {
	if !c.serving.Load() || c.closing.Load() {
		return false
	}
	metrics.ChannelInUse.WithLabelValues(c.Cfg.Name).Set(float64(c.inUse.Add(1)))
	return true
}

// Release exits the stub() contract, decrementing the in-use counter.
func (c *Channel) Release() {
	metrics.ChannelInUse.WithLabelValues(c.Cfg.Name).Set(float64(c.inUse.Add(-1)))
}

// CloseWithGrace marks the channel closing (rejecting new Acquire calls)
// and waits up to grace for in-flight uses to drain before closing the
// connection. Per the Open Question resolution in DESIGN.md, the close
// proceeds on timeout even while in_use>0; callers racing it may observe a
// mid-stream failure.
func (c *Channel) CloseWithGrace(grace time.Duration) error {
	c.closing.Store(true)
	deadline := time.Now().Add(grace)
	for c.inUse.Load() > 0 {
		if time.Now().After(deadline) {
			log.Warn("rpc: channel " + c.Cfg.Name + ": closing with requests still in flight")
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c.conn.Close()
}

// GetMetadata filters headers against the backend's forward_headers glob
// list; only matching pairs are forwarded to the worker.
func (c *Channel) GetMetadata(headers map[string]string) []wire.Header {
	var out []wire.Header
	for k, v := range headers {
		for _, pat := range c.Cfg.ForwardHeaders {
			if ok, _ := path.Match(pat, k); ok {
				out = append(out, wire.Header{Name: k, Value: v})
				break
			}
		}
	}
	return out
}

// StatusCode extracts the x-reply-status-code initial-metadata value a
// Server-service RPC sends, defaulting to 200 when absent.
func StatusCode(md metadata.MD) int {
	vals := md.Get("x-reply-status-code")
	if len(vals) == 0 {
		return 200
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return 200
	}
	return n
}

// ReplyHeaders extracts every x-reply-header-<name> projection from md.
func ReplyHeaders(md metadata.MD) map[string]string {
	out := make(map[string]string)
	for k, vals := range md {
		const prefix = "x-reply-header-"
		if len(vals) == 0 || len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		out[k[len(prefix):]] = vals[0]
	}
	return out
}

// Conn exposes the underlying *grpc.ClientConn for constructing service
// clients (e.g. manual stub calls against ServiceDesc/AdminServiceDesc).
func (c *Channel) Conn() *grpc.ClientConn { return c.conn }

// Close shuts down the channel's connection.
func (c *Channel) Close() error { return c.conn.Close() }
