package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Pool acquisition semantics are testable without spawning real worker
// processes; the subprocess lifecycle itself is exercised end to end by a
// running deployment, not unit tests.

func newBarePool(size int) *Pool {
	p := &Pool{free: make(chan *Supervisor, size)}
	for i := 0; i < size; i++ {
		sv := New("worker-test", "/bin/false", nil, 0)
		p.all = append(p.all, sv)
		p.free <- sv
	}
	return p
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	p := newBarePool(1)

	sv, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err, "second acquire must block until release")

	p.Release(sv)
	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, sv, got)
}

func TestPoolSizeAndAll(t *testing.T) {
	p := newBarePool(3)
	assert.Equal(t, 3, p.Size())
	assert.Len(t, p.All(), 3)
}

func TestSupervisorInitialState(t *testing.T) {
	sv := New("w0", "/bin/false", nil, 0)
	assert.Equal(t, StateStarting, sv.State())
	assert.False(t, sv.TaskDone())
	assert.Equal(t, 1<<20, sv.MaxChunk, "zero max chunk falls back to the default")
}
