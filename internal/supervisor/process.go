// ABOUTME: Process record tracking one managed server's state and transport session.
// ABOUTME: Exclusively owned by the Supervisor; retained across restarts.

package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/2389/mcp-composer/internal/transport"
)

// State is the lifecycle state of a managed server.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// Terminal reports whether no further automatic transitions occur from s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Health is the result of a health check.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Status is a point-in-time snapshot of a process record, safe to hand to
// callers outside the supervisor.
type Status struct {
	ID           string
	Kind         transport.Kind
	State        State
	PID          int
	RestartCount int
	LastExitCode int
	LastHealth   Health
	StartedAt    time.Time
	StoppedAt    time.Time
}

// process is the supervisor's record for one server. The opMu serializes
// lifecycle operations on this server; mu guards the mutable fields.
type process struct {
	descriptor Descriptor

	opMu sync.Mutex

	mu           sync.RWMutex
	state        State
	cmd          *exec.Cmd
	session      transport.Session
	restartCount int
	crashStreak  int
	lastExitCode int
	lastHealth   Health
	startedAt    time.Time
	stoppedAt    time.Time
	// generation increments on every start so stale exit watchers can tell
	// they are observing a process that has already been replaced.
	generation int
	// exitCh is closed by the exit watcher once the current subprocess is
	// confirmed dead; recreated on every spawn.
	exitCh chan struct{}
}

func newProcess(desc Descriptor) *process {
	return &process{
		descriptor: desc,
		state:      StateStopped,
	}
}

func (p *process) getState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *process) getSession() transport.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *process) status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		ID:           p.descriptor.ID,
		Kind:         p.descriptor.Kind,
		State:        p.state,
		RestartCount: p.restartCount,
		LastExitCode: p.lastExitCode,
		LastHealth:   p.lastHealth,
		StartedAt:    p.startedAt,
		StoppedAt:    p.stoppedAt,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		st.PID = p.cmd.Process.Pid
	}
	return st
}
