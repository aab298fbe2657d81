package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/config"
)

// closeGrace is the drain window applied when a channel is removed or
// replaced at runtime.
const closeGrace = 10 * time.Second

// ChannelPool is the HTTP gateway's named set of backend Channels, keyed
// by the route prefix configured for each backend.
type ChannelPool struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// DialAll connects a Channel for every configured backend.
func DialAll(ctx context.Context, backends []config.BackendConfig) (*ChannelPool, error) {
	p := &ChannelPool{channels: make(map[string]*Channel, len(backends))}
	for _, b := range backends {
		ch, err := Dial(ctx, b)
		if err != nil {
			p.CloseAll()
			return nil, err
		}
		p.channels[b.Route] = ch
	}
	return p, nil
}

// NewTestPool builds a pool whose channels carry configuration but no live
// connection, for router tests that never dial a backend.
func NewTestPool(routes ...string) *ChannelPool {
	p := &ChannelPool{channels: make(map[string]*Channel, len(routes))}
	for _, r := range routes {
		ch := &Channel{Cfg: config.BackendConfig{Name: r, Route: r}}
		ch.serving.Store(true)
		p.channels[r] = ch
	}
	return p
}

// ByRoute returns the channel registered for an exact route prefix.
func (p *ChannelPool) ByRoute(route string) (*Channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ch, ok := p.channels[route]
	if !ok {
		return nil, apperror.New(apperror.KindNotFound, "no backend configured for route %q", route)
	}
	return ch, nil
}

// Routes returns every configured route prefix, longest first, for the
// router's longest-prefix match.
func (p *ChannelPool) Routes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.channels))
	for r := range p.channels {
		out = append(out, r)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && len(out[j]) > len(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ByName returns the channel whose backend carries the given name.
func (p *ChannelPool) ByName(name string) (*Channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.channels {
		if ch.Cfg.Name == name {
			return ch, nil
		}
	}
	return nil, apperror.New(apperror.KindNotFound, "no backend named %q", name)
}

// Backends returns the configuration of every channel in the pool.
func (p *ChannelPool) Backends() []config.BackendConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]config.BackendConfig, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch.Cfg)
	}
	return out
}

// AddBackend dials a channel for cfg and installs it under cfg.Route,
// replacing (with grace) any channel already registered there.
func (p *ChannelPool) AddBackend(ctx context.Context, cfg config.BackendConfig) error {
	ch, err := Dial(ctx, cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.channels[cfg.Route]
	p.channels[cfg.Route] = ch
	p.mu.Unlock()
	if old != nil {
		go func() { _ = old.CloseWithGrace(closeGrace) }()
	}
	return nil
}

// RemoveBackend closes and unregisters the channel named name, draining
// in-flight requests for the grace period first.
func (p *ChannelPool) RemoveBackend(name string) error {
	p.mu.Lock()
	var victim *Channel
	for route, ch := range p.channels {
		if ch.Cfg.Name == name {
			victim = ch
			delete(p.channels, route)
			break
		}
	}
	p.mu.Unlock()
	if victim == nil {
		return apperror.New(apperror.KindNotFound, "no backend named %q", name)
	}
	go func() { _ = victim.CloseWithGrace(closeGrace) }()
	return nil
}

// Sync reissues the full channel set from a fresh backend list: every listed
// route is re-dialed, whether new, changed or unchanged, and channels for
// dropped routes are closed (grace).
func (p *ChannelPool) Sync(ctx context.Context, backends []config.BackendConfig) error {
	keep := make(map[string]bool, len(backends))
	for _, b := range backends {
		keep[b.Route] = true
		if err := p.AddBackend(ctx, b); err != nil {
			return err
		}
	}
	p.mu.Lock()
	var victims []*Channel
	for route, ch := range p.channels {
		if !keep[route] {
			victims = append(victims, ch)
			delete(p.channels, route)
		}
	}
	p.mu.Unlock()
	for _, ch := range victims {
		go func(c *Channel) { _ = c.CloseWithGrace(closeGrace) }(ch)
	}
	return nil
}

// CloseAll closes every channel in the pool.
func (p *ChannelPool) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.channels {
		_ = ch.Close()
	}
}
