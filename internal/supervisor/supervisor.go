// ABOUTME: Supervises composed server processes and their transport sessions.
// ABOUTME: Applies restart policy with bounded, backed-off retries on crash.

package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/2389/mcp-composer/internal/transport"
)

// ErrServerNotFound indicates no record exists for the given server id.
var ErrServerNotFound = errors.New("supervisor: server not found")

// ErrServerExists indicates a record with the same id is already managed.
var ErrServerExists = errors.New("supervisor: server already exists")

// ErrLaunchFailed indicates a server could not be spawned or connected.
var ErrLaunchFailed = errors.New("supervisor: launch failed")

// ErrShutdownTimeout indicates a process outlived the absolute stop bound.
var ErrShutdownTimeout = errors.New("supervisor: shutdown timeout")

// ErrInvalidState indicates a lifecycle op is not legal in the current state.
var ErrInvalidState = errors.New("supervisor: invalid state for operation")

// ErrHealthCheckFailed indicates a protocol-level ping did not complete.
var ErrHealthCheckFailed = errors.New("supervisor: health check failed")

// forceKillGrace bounds each escalation step after the graceful timeout.
const forceKillGrace = 2 * time.Second

// Listener observes session lifecycle so the aggregator can keep the
// capability namespace in sync. Callbacks run on supervisor goroutines and
// must not call back into lifecycle operations for the same server id.
type Listener interface {
	// SessionOpened fires once a server reaches Running with a live session.
	SessionOpened(id string, session transport.Session)
	// SessionClosed fires when a server's session is torn down, whether by
	// explicit stop or by crash.
	SessionClosed(id string)
}

// Pinger performs an optional protocol-level health probe over the server's
// session. A nil Pinger reduces health checks to liveness only.
type Pinger func(ctx context.Context, id string) error

// Supervisor owns every process record and serializes lifecycle operations
// per server id.
type Supervisor struct {
	logger   *slog.Logger
	listener Listener
	pinger   Pinger

	mu    sync.RWMutex
	procs map[string]*process
}

// New creates a Supervisor. Pass nil logger for the default.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		logger: logger.With("component", "supervisor"),
		procs:  make(map[string]*process),
	}
}

// SetListener registers the session lifecycle observer. Call before Start.
func (s *Supervisor) SetListener(l Listener) { s.listener = l }

// SetPinger registers the protocol-level health probe. Call before Start.
func (s *Supervisor) SetPinger(p Pinger) { s.pinger = p }

// Add registers a descriptor without starting it.
func (s *Supervisor) Add(desc Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc = desc.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.procs[desc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrServerExists, desc.ID)
	}
	s.procs[desc.ID] = newProcess(desc)
	s.logger.Info("server added", "server_id", desc.ID, "kind", desc.Kind)
	return nil
}

// Remove stops a server if needed and discards its record.
func (s *Supervisor) Remove(ctx context.Context, id string, gracefulTimeout time.Duration) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	if err := s.Stop(ctx, id, gracefulTimeout); err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	s.logger.Info("server removed", "server_id", p.descriptor.ID)
	return nil
}

func (s *Supervisor) get(id string) (*process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return p, nil
}

// Start launches or connects the server, transitioning it to Running. On
// launch failure the state is left Stopped and the error wraps
// ErrLaunchFailed.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	p.crashStreak = 0
	p.mu.Unlock()

	return s.startLocked(ctx, p)
}

// startLocked performs the actual launch. Caller holds p.opMu.
func (s *Supervisor) startLocked(ctx context.Context, p *process) error {
	switch st := p.getState(); st {
	case StateStopped, StateCrashed, StateFailed:
	default:
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, p.descriptor.ID, st)
	}
	p.setState(StateStarting)

	var session transport.Session
	var err error
	switch p.descriptor.Kind {
	case transport.KindStdio:
		session, err = s.spawn(p)
	case transport.KindStreaming:
		session, err = s.dial(ctx, p)
	default:
		err = fmt.Errorf("unknown transport kind %q", p.descriptor.Kind)
	}
	if err != nil {
		p.setState(StateStopped)
		return fmt.Errorf("%w: %s: %v", ErrLaunchFailed, p.descriptor.ID, err)
	}

	p.mu.Lock()
	p.session = session
	p.startedAt = time.Now().UTC()
	p.state = StateRunning
	p.mu.Unlock()

	s.logger.Info("server running", "server_id", p.descriptor.ID, "kind", p.descriptor.Kind)
	if s.listener != nil {
		s.listener.SessionOpened(p.descriptor.ID, session)
	}
	return nil
}

// spawn starts a subprocess-backed server and wires its pipes to a session.
func (s *Supervisor) spawn(p *process) (transport.Session, error) {
	desc := p.descriptor
	cmd := exec.Command(desc.Command[0], desc.Command[1:]...)
	cmd.Dir = desc.Dir
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	session := transport.NewStdioSession(desc.ID, stdin, stdout, s.logger)

	p.mu.Lock()
	p.cmd = cmd
	p.generation++
	gen := p.generation
	exitCh := make(chan struct{})
	p.exitCh = exitCh
	p.mu.Unlock()

	go s.drainStderr(desc.ID, stderr)
	go s.watchExit(p, cmd, session, gen, exitCh)

	return session, nil
}

// dial connects to a streaming-backed server.
func (s *Supervisor) dial(ctx context.Context, p *process) (transport.Session, error) {
	desc := p.descriptor
	session := transport.NewSSESession(desc.ID, desc.URL, desc.MessageURL, s.logger)
	if err := session.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cmd = nil
	p.generation++
	gen := p.generation
	p.exitCh = nil
	p.mu.Unlock()

	go s.watchSession(p, session, gen)
	return session, nil
}

// drainStderr logs the child's stderr line by line.
func (s *Supervisor) drainStderr(id string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("server stderr", "server_id", id, "line", scanner.Text())
	}
}

// watchExit waits for the subprocess to exit, records the exit code, tears
// down the session so pending receives fail, then evaluates restart policy.
func (s *Supervisor) watchExit(p *process, cmd *exec.Cmd, session transport.Session, gen int, exitCh chan struct{}) {
	err := cmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.mu.Lock()
	if p.generation == gen {
		p.lastExitCode = exitCode
		p.stoppedAt = time.Now().UTC()
	}
	p.mu.Unlock()

	session.Close()
	close(exitCh)
	s.handleExit(p, gen, exitCode)
}

// watchSession waits for a streaming session to tear down, then evaluates
// restart policy. Exit code -1 marks a connection loss.
func (s *Supervisor) watchSession(p *process, session transport.Session, gen int) {
	<-session.Done()
	s.handleExit(p, gen, -1)
}

// handleExit reconciles an observed exit with the state machine. Explicit
// stops have already moved the state to Stopping or Stopped; anything else
// is an unexpected exit.
func (s *Supervisor) handleExit(p *process, gen int, exitCode int) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.generation != gen {
		// A newer start superseded this observation.
		p.mu.Unlock()
		return
	}
	st := p.state
	p.mu.Unlock()

	switch st {
	case StateStopping, StateStopped, StateFailed:
		return
	}

	s.logger.Warn("server exited unexpectedly",
		"server_id", p.descriptor.ID,
		"exit_code", exitCode,
	)
	p.setState(StateCrashed)
	if s.listener != nil {
		s.listener.SessionClosed(p.descriptor.ID)
	}

	s.applyRestartPolicy(p, gen, exitCode)
}

// applyRestartPolicy decides Crashed -> Starting or Crashed -> Failed.
// Caller holds p.opMu.
func (s *Supervisor) applyRestartPolicy(p *process, gen int, exitCode int) {
	desc := p.descriptor

	restart := false
	switch desc.RestartPolicy {
	case RestartAlways:
		restart = true
	case RestartOnFailure:
		restart = exitCode != 0
	case RestartNever:
	}

	if !restart {
		if exitCode == 0 {
			// A clean self-exit is not a failure under any non-restarting
			// policy.
			p.setState(StateStopped)
			return
		}
		s.logger.Error("server failed, restart policy forbids relaunch",
			"server_id", desc.ID)
		p.setState(StateFailed)
		return
	}

	p.mu.Lock()
	streak := p.crashStreak
	p.mu.Unlock()

	if streak >= desc.MaxRestarts {
		s.logger.Error("server failed, retry budget exhausted",
			"server_id", desc.ID,
			"restarts", streak,
		)
		p.setState(StateFailed)
		return
	}

	p.mu.Lock()
	p.crashStreak++
	p.restartCount++
	attempt := p.crashStreak
	p.mu.Unlock()

	// Backoff doubles per consecutive crash.
	delay := desc.RestartDelay << (attempt - 1)
	s.logger.Info("scheduling restart",
		"server_id", desc.ID,
		"attempt", attempt,
		"delay", delay,
	)
	go s.restartAfter(p, gen, delay)
}

// restartAfter sleeps out the backoff then relaunches, unless an explicit
// operation intervened.
func (s *Supervisor) restartAfter(p *process, gen int, delay time.Duration) {
	time.Sleep(delay)

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.RLock()
	stale := p.generation != gen || p.state != StateCrashed
	p.mu.RUnlock()
	if stale {
		return
	}

	if err := s.startLocked(context.Background(), p); err != nil {
		s.logger.Error("restart attempt failed",
			"server_id", p.descriptor.ID,
			"error", err,
		)
		// A failed relaunch consumes budget like a crash.
		s.applyRestartPolicy(p, gen, -1)
	}
}

// Stop gracefully terminates a server, escalating to SIGTERM and SIGKILL
// after the timeout. Returns ErrShutdownTimeout if the process is still
// alive at the absolute bound. Stopping an already stopped server is a
// no-op.
func (s *Supervisor) Stop(ctx context.Context, id string, gracefulTimeout time.Duration) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	switch st := p.getState(); st {
	case StateStopped:
		return nil
	case StateCrashed, StateFailed:
		// No live process; cancel any pending restart by moving to Stopped.
		p.setState(StateStopped)
		return nil
	case StateStopping:
		return fmt.Errorf("%w: %s is already stopping", ErrInvalidState, id)
	}

	p.setState(StateStopping)
	if s.listener != nil {
		s.listener.SessionClosed(id)
	}

	p.mu.RLock()
	session := p.session
	cmd := p.cmd
	exitCh := p.exitCh
	p.mu.RUnlock()

	// Closing the session closes stdin, the graceful shutdown signal for
	// stdio servers, and tears down streaming sessions entirely.
	if session != nil {
		session.Close()
	}

	if cmd == nil || cmd.Process == nil {
		p.setState(StateStopped)
		s.logger.Info("server stopped", "server_id", id)
		return nil
	}

	if !waitOrTimeout(exitCh, gracefulTimeout) {
		s.logger.Warn("graceful stop timed out, sending SIGTERM", "server_id", id)
		cmd.Process.Signal(syscall.SIGTERM)
		if !waitOrTimeout(exitCh, forceKillGrace) {
			s.logger.Error("SIGTERM ignored, sending SIGKILL", "server_id", id)
			cmd.Process.Kill()
			if !waitOrTimeout(exitCh, forceKillGrace) {
				return fmt.Errorf("%w: %s", ErrShutdownTimeout, id)
			}
		}
	}

	p.setState(StateStopped)
	s.logger.Info("server stopped", "server_id", id, "exit_code", p.status().LastExitCode)
	return nil
}

func waitOrTimeout(ch <-chan struct{}, d time.Duration) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// Restart stops then starts a server, preserving its descriptor and
// incrementing the restart count.
func (s *Supervisor) Restart(ctx context.Context, id string, gracefulTimeout time.Duration) error {
	if err := s.Stop(ctx, id, gracefulTimeout); err != nil {
		return err
	}

	p, err := s.get(id)
	if err != nil {
		return err
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := s.startLocked(ctx, p); err != nil {
		return err
	}

	p.mu.Lock()
	p.restartCount++
	p.crashStreak = 0
	p.mu.Unlock()
	return nil
}

// HealthCheck reports Healthy, Degraded, or Dead for a server. A configured
// Pinger upgrades the check from bare liveness to a protocol round-trip; a
// ping failure reports Degraded with an error wrapping ErrHealthCheckFailed.
func (s *Supervisor) HealthCheck(ctx context.Context, id string) (Health, error) {
	p, err := s.get(id)
	if err != nil {
		return HealthDead, err
	}

	health := HealthDead
	var checkErr error

	if p.getState() == StateRunning {
		session := p.getSession()
		alive := session != nil
		if alive {
			select {
			case <-session.Done():
				alive = false
			default:
			}
		}
		switch {
		case !alive:
			health = HealthDead
		case s.pinger != nil:
			if err := s.pinger(ctx, id); err != nil {
				health = HealthDegraded
				checkErr = fmt.Errorf("%w: %s: %v", ErrHealthCheckFailed, id, err)
			} else {
				health = HealthHealthy
			}
		default:
			health = HealthHealthy
		}
	}

	p.mu.Lock()
	p.lastHealth = health
	p.mu.Unlock()
	return health, checkErr
}

// Session returns the live transport session for a Running server.
func (s *Supervisor) Session(id string) (transport.Session, error) {
	p, err := s.get(id)
	if err != nil {
		return nil, err
	}
	session := p.getSession()
	if session == nil || p.getState() != StateRunning {
		return nil, fmt.Errorf("%w: %s has no live session", ErrInvalidState, id)
	}
	return session, nil
}

// Status returns a snapshot for one server.
func (s *Supervisor) Status(id string) (Status, error) {
	p, err := s.get(id)
	if err != nil {
		return Status{}, err
	}
	return p.status(), nil
}

// List returns snapshots for every managed server.
func (s *Supervisor) List() []Status {
	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.status())
	}
	return out
}

// StartAll starts every auto-start server, collecting launch errors.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var errs []error
	for _, st := range s.List() {
		p, err := s.get(st.ID)
		if err != nil {
			continue
		}
		if !p.descriptor.AutoStart {
			continue
		}
		if err := s.Start(ctx, st.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every server concurrently; servers with different ids do not
// wait on each other.
func (s *Supervisor) StopAll(ctx context.Context, gracefulTimeout time.Duration) error {
	statuses := s.List()

	var wg sync.WaitGroup
	errCh := make(chan error, len(statuses))
	for _, st := range statuses {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id, gracefulTimeout); err != nil && !errors.Is(err, ErrInvalidState) {
				errCh <- err
			}
		}(st.ID)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
