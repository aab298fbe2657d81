// Package supervisor implements the worker supervisor and its pipe:
// subprocess lifecycle, bidirectional length-prefixed framed IPC, the
// rendezvous FIFO readiness signal, cancellation and graceful shutdown.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/3liz/qjazz-gateway/internal/apperror"
	"github.com/3liz/qjazz-gateway/internal/log"
	"github.com/3liz/qjazz-gateway/internal/metrics"
	"github.com/3liz/qjazz-gateway/internal/wire"
	"golang.org/x/sys/unix"
)

// State is the supervisor's own lifecycle state (distinct from the
// rendezvous busy/done signal, which tracks the child's readiness).
type State int

const (
	StateStarting State = iota
	StateIdle
	StateBusy
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateTerminating:
		return "terminating"
	default:
		return "starting"
	}
}

const (
	rendezvousDone byte = 0x00
	rendezvousBusy byte = 0x01
)

// Supervisor owns one child worker process, its framed bidirectional pipe
// and its rendezvous FIFO.
type Supervisor struct {
	ID         string
	WorkerBin  string
	Env        []string
	MaxChunk   int

	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	rendezvousPath string
	rendezvousFile *os.File

	state   atomic.Int32 // State
	done    atomic.Bool  // rendezvous: true == DONE
	reqMu   sync.Mutex   // enforces "exactly one request in flight"
	closeCh chan struct{}
}

// New constructs a Supervisor for the given worker binary. Start must be
// called before use.
func New(id, workerBin string, env []string, maxChunk int) *Supervisor {
	if maxChunk <= 0 {
		maxChunk = 1 << 20
	}
	s := &Supervisor{ID: id, WorkerBin: workerBin, Env: env, MaxChunk: maxChunk, closeCh: make(chan struct{})}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// TaskDone reports the rendezvous state: true once the child has signalled
// readiness for the next request.
func (s *Supervisor) TaskDone() bool { return s.done.Load() }

// Start spawns the child process and waits up to startTimeout for the
// first rendezvous "done" token.
func (s *Supervisor) Start(ctx context.Context, startTimeout time.Duration) error {
	dir, err := os.MkdirTemp("", "qjazz-rendezvous-*")
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "creating rendezvous dir")
	}
	s.rendezvousPath = filepath.Join(dir, "rendezvous")
	if err := unix.Mkfifo(s.rendezvousPath, 0o600); err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "creating rendezvous fifo")
	}

	cmd := exec.CommandContext(ctx, s.WorkerBin)
	cmd.Env = append(append([]string{}, s.Env...), "RENDEZ_VOUS="+s.rendezvousPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "opening worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "opening worker stdout")
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "starting worker process %s", s.WorkerBin)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = bufio.NewReader(stdout)

	// The rendezvous FIFO is single-writer (child) / single-reader
	// (supervisor); open for reading blocks until the child opens it for
	// writing, which is how we detect the child is alive without racing
	// pipe-level backpressure.
	rfile, err := os.OpenFile(s.rendezvousPath, os.O_RDONLY, 0)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "opening rendezvous fifo for read")
	}
	s.rendezvousFile = rfile
	go s.rendezvousLoop()

	deadline := time.Now().Add(startTimeout)
	for !s.done.Load() {
		if time.Now().After(deadline) {
			s.Terminate()
			return apperror.New(apperror.KindInternal, "worker %s did not signal readiness within %s", s.ID, startTimeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.state.Store(int32(StateIdle))
	log.Info(fmt.Sprintf("supervisor %s: worker ready", s.ID))
	return nil
}

// rendezvousLoop reads single bytes from the FIFO for the supervisor's
// lifetime, updating the done flag.
func (s *Supervisor) rendezvousLoop() {
	buf := make([]byte, 1)
	for {
		n, err := s.rendezvousFile.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case rendezvousDone:
			s.done.Store(true)
		case rendezvousBusy:
			s.done.Store(false)
		}
		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

// Send submits one request-reply exchange, enforcing the "exactly one
// request in flight" concurrency contract via reqMu.
func (s *Supervisor) Send(payload []byte) (wire.Envelope, error) {
	frame, err := s.SendRaw(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.DecodeEnvelope(frame)
}

// SendRaw submits one request-reply exchange and returns the raw reply
// frame bytes, for callers that need to decode the body into a concrete
// type via wire.DecodeEnvelopeInto rather than the generic map/slice shape
// DecodeEnvelope produces.
func (s *Supervisor) SendRaw(payload []byte) ([]byte, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.state.Store(int32(StateBusy))
	defer s.state.Store(int32(StateIdle))

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SupervisorBusyDuration, s.ID)

	if err := wire.WriteFrame(s.stdin, payload); err != nil {
		metrics.SupervisorRequestsTotal.WithLabelValues(s.ID, "error").Inc()
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, err, "writing request to worker %s", s.ID)
	}
	frame, err := wire.ReadFrame(s.stdout)
	if err != nil {
		metrics.SupervisorRequestsTotal.WithLabelValues(s.ID, "error").Inc()
		return nil, apperror.Wrap(apperror.KindBackendUnavailable, err, "reading reply from worker %s", s.ID)
	}
	metrics.SupervisorRequestsTotal.WithLabelValues(s.ID, "ok").Inc()
	return frame, nil
}

// Stream submits one request expected to yield a chunked reply (ListCache,
// Catalog, UpdateCache): it writes payload and then drains chunk frames
// until the StatusEOT sentinel, invoking onChunk with each chunk's decoded
// body ([]byte for byte streams, a decoded value otherwise), all under the
// same "exactly one request in flight" lock Send uses.
func (s *Supervisor) Stream(payload []byte, onChunk func(any) error) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	s.state.Store(int32(StateBusy))
	defer s.state.Store(int32(StateIdle))

	if err := wire.WriteFrame(s.stdin, payload); err != nil {
		return apperror.Wrap(apperror.KindBackendUnavailable, err, "writing stream request to worker %s", s.ID)
	}
	return s.streamBytesLocked(onChunk)
}

// StreamBytes reads chunk frames from the worker until the StatusEOT
// sentinel, invoking onChunk for each chunk body. Exported for callers that
// manage the request-write half themselves; prefer Stream otherwise.
func (s *Supervisor) StreamBytes(onChunk func(any) error) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	return s.streamBytesLocked(onChunk)
}

func (s *Supervisor) streamBytesLocked(onChunk func(any) error) error {
	for {
		frame, err := wire.ReadFrame(s.stdout)
		if err != nil {
			return apperror.Wrap(apperror.KindBackendUnavailable, err, "reading stream chunk from worker %s", s.ID)
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			// Might be the bare EOT sentinel (not wrapped in an envelope).
			var status int
			if decErr := wire.Decode(frame, &status); decErr == nil && status == wire.StatusEOT {
				return nil
			}
			return err
		}
		switch env.Status {
		case wire.StatusEOT:
			return nil
		case wire.StatusChunk:
			if err := onChunk(env.Body); err != nil {
				return err
			}
		default:
			// An error envelope ends the stream: the worker sends nothing
			// after it.
			return apperror.New(apperror.KindInternal, "worker %s replied %d mid-stream", s.ID, env.Status)
		}
	}
}

// Cancel signals the child to abandon its in-flight request (SIGHUP) and
// drains output until the rendezvous returns to done.
func (s *Supervisor) Cancel(drainTimeout time.Duration) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "sending SIGHUP to worker %s", s.ID)
	}
	deadline := time.Now().Add(drainTimeout)
	for !s.done.Load() {
		if time.Now().After(deadline) {
			return apperror.New(apperror.KindTimeout, "worker %s did not return to idle after cancel", s.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Quit sends a graceful Quit message and waits up to grace for the process
// to exit; otherwise Terminate is called.
func (s *Supervisor) Quit(grace time.Duration) error {
	s.state.Store(int32(StateTerminating))
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	payload, err := wire.Encode(wire.QuitMsg{MsgID: wire.MsgQuit})
	if err == nil && s.stdin != nil {
		_ = wire.WriteFrame(s.stdin, payload)
	}
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
		close(s.closeCh)
		return nil
	case <-time.After(grace):
		return s.Terminate()
	}
}

// Terminate sends SIGTERM, waits up to 10s, then sends SIGKILL.
func (s *Supervisor) Terminate() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		_ = s.cmd.Process.Kill()
		<-done
	}
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
	if s.rendezvousFile != nil {
		_ = s.rendezvousFile.Close()
		_ = os.RemoveAll(filepath.Dir(s.rendezvousPath))
	}
	return nil
}
