// ABOUTME: Capability and conflict record types for the aggregated namespace.
// ABOUTME: Strategies, per-name overrides, and the custom resolver contract.

package registry

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind classifies a capability.
type Kind string

const (
	KindTool     Kind = "tool"
	KindPrompt   Kind = "prompt"
	KindResource Kind = "resource"
)

// Strategy selects the behavior on a name collision.
type Strategy string

const (
	StrategyPrefix   Strategy = "prefix"
	StrategySuffix   Strategy = "suffix"
	StrategyIgnore   Strategy = "ignore"
	StrategyError    Strategy = "error"
	StrategyOverride Strategy = "override"
	StrategyCustom   Strategy = "custom"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyPrefix, StrategySuffix, StrategyIgnore, StrategyError,
		StrategyOverride, StrategyCustom:
		return true
	}
	return false
}

// Capability is one discovered tool, prompt, or resource. Name is the owning
// server's original name; ResolvedName is the public name assigned by the
// registry and is empty until registration.
type Capability struct {
	Name         string
	ResolvedName string
	Kind         Kind
	ServerID     string
	Version      string
	Description  string
	Schema       json.RawMessage
	URI          string
}

// Override selects a strategy for names matching a wildcard pattern
// (path.Match syntax), taking precedence over the aggregate default.
type Override struct {
	Pattern  string
	Strategy Strategy
}

// Resolver decides the outcome of a collision under StrategyCustom. It
// returns the public name for the incoming capability; returning an empty
// string keeps the existing mapping and drops the incoming registrant.
// Returning the existing public name replaces the mapping.
type Resolver func(name string, existing, incoming *Capability) string

// TemplateResolver builds a Resolver from a naming template supporting the
// {server_name} and {tool_name} placeholders.
func TemplateResolver(template string) Resolver {
	return func(name string, existing, incoming *Capability) string {
		out := strings.ReplaceAll(template, "{server_name}", incoming.ServerID)
		return strings.ReplaceAll(out, "{tool_name}", name)
	}
}

// ConflictRecord is one append-only entry in the conflict history.
type ConflictRecord struct {
	Time           time.Time
	Kind           Kind
	Name           string
	ResolvedName   string
	Strategy       Strategy
	PreviousServer string
	NewServer      string
	// Rejected marks collisions that failed registration (ERROR strategy).
	Rejected bool
}
