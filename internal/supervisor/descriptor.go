// ABOUTME: Server descriptor describing how to launch or reach one server.
// ABOUTME: Immutable once created; replaced wholesale on reconfiguration.

package supervisor

import (
	"fmt"
	"time"

	"github.com/2389/mcp-composer/internal/transport"
)

// RestartPolicy governs whether a crashed server is relaunched.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Default restart limits, matching the configuration defaults.
const (
	DefaultMaxRestarts  = 3
	DefaultRestartDelay = 5 * time.Second
)

// Descriptor describes one composed server. Descriptors are immutable; a
// reconfigured server is removed and re-added with a fresh descriptor.
type Descriptor struct {
	// ID uniquely names the server across the composer.
	ID string

	// Kind selects the channel variant.
	Kind transport.Kind

	// Command, Env, and Dir describe how to spawn a subprocess-backed
	// server. Command includes the executable as its first element.
	Command []string
	Env     map[string]string
	Dir     string

	// URL and MessageURL locate a streaming-backed server. MessageURL
	// defaults to URL + "/message".
	URL        string
	MessageURL string

	RestartPolicy RestartPolicy
	MaxRestarts   int
	RestartDelay  time.Duration

	// AutoStart marks the server for StartAll.
	AutoStart bool
}

// Validate checks the descriptor for structural problems.
func (d *Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: id is required")
	}
	switch d.Kind {
	case transport.KindStdio:
		if len(d.Command) == 0 {
			return fmt.Errorf("descriptor %s: command is required for stdio servers", d.ID)
		}
	case transport.KindStreaming:
		if d.URL == "" {
			return fmt.Errorf("descriptor %s: url is required for streaming servers", d.ID)
		}
	default:
		return fmt.Errorf("descriptor %s: unknown transport kind %q", d.ID, d.Kind)
	}
	switch d.RestartPolicy {
	case RestartNever, RestartOnFailure, RestartAlways:
	case "":
		return fmt.Errorf("descriptor %s: restart policy is required", d.ID)
	default:
		return fmt.Errorf("descriptor %s: unknown restart policy %q", d.ID, d.RestartPolicy)
	}
	return nil
}

// withDefaults returns a copy with zero restart limits filled in.
func (d Descriptor) withDefaults() Descriptor {
	if d.MaxRestarts == 0 {
		d.MaxRestarts = DefaultMaxRestarts
	}
	if d.RestartDelay == 0 {
		d.RestartDelay = DefaultRestartDelay
	}
	return d
}
