package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/log"
)

// Pool holds pool_size supervisors behind one gRPC server.
// Acquisition is FIFO; request concurrency equals pool size because each
// supervisor is strictly sequential.
//
// Supervisors are created once at server start and are never replaced: if
// the child exits, the server exits too.
type Pool struct {
	mu      sync.Mutex
	free    chan *Supervisor
	all     []*Supervisor
}

// NewPool spawns size supervisors running workerBin.
func NewPool(ctx context.Context, size int, workerBin string, env []string, maxChunk int, startTimeout time.Duration) (*Pool, error) {
	p := &Pool{free: make(chan *Supervisor, size)}
	for i := 0; i < size; i++ {
		sv := New(fmt.Sprintf("worker-%d", i), workerBin, env, maxChunk)
		if err := sv.Start(ctx, startTimeout); err != nil {
			p.TerminateAll()
			return nil, apperror.Wrap(apperror.KindInternal, err, "starting worker pool")
		}
		p.all = append(p.all, sv)
		p.free <- sv
	}
	log.Info(fmt.Sprintf("worker pool ready with %d supervisors", size))
	return p, nil
}

// Acquire blocks (FIFO via the buffered channel) until a supervisor is
// available, or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Supervisor, error) {
	select {
	case sv := <-p.free:
		return sv, nil
	case <-ctx.Done():
		return nil, apperror.Wrap(apperror.KindTimeout, ctx.Err(), "timed out acquiring a worker supervisor")
	}
}

// Release returns a supervisor to the free pool.
func (p *Pool) Release(sv *Supervisor) {
	p.free <- sv
}

// Size returns the number of supervisors in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// All returns every supervisor, used by admin operations that must fan out
// to every worker (e.g. ClearCache, UpdateCache).
func (p *Pool) All() []*Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Supervisor, len(p.all))
	copy(out, p.all)
	return out
}

// Shutdown sends Quit to every supervisor, allowing grace for in-flight
// requests to finish.
func (p *Pool) Shutdown(grace time.Duration) {
	for _, sv := range p.All() {
		_ = sv.Quit(grace)
	}
}

// TerminateAll forcibly terminates every supervisor, used on startup
// failure.
func (p *Pool) TerminateAll() {
	for _, sv := range p.all {
		_ = sv.Terminate()
	}
}
