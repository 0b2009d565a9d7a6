// ABOUTME: Collision-free capability namespace with per-name conflict resolution.
// ABOUTME: Incremental add/remove, version lists, aliases, and shadow revival.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"
)

// ErrConflict indicates a registration was rejected under StrategyError.
var ErrConflict = errors.New("registry: capability name conflict")

// ErrCapabilityNotFound indicates no mapping exists for the given name.
var ErrCapabilityNotFound = errors.New("registry: capability not found")

// ErrNoResolver indicates StrategyCustom was selected without a Resolver.
var ErrNoResolver = errors.New("registry: custom strategy requires a resolver")

// Config configures a Registry.
type Config struct {
	// DefaultStrategy applies to collisions not matched by an override.
	DefaultStrategy Strategy
	// Overrides select per-name strategies by wildcard pattern, first
	// match wins.
	Overrides []Override
	// Resolver handles StrategyCustom collisions.
	Resolver Resolver
	// Sink, if set, receives every conflict record as it is appended.
	Sink   func(ConflictRecord)
	Logger *slog.Logger
}

// Registry owns the resolved-name namespace. All mutation goes through its
// operations; reads proceed concurrently under the read lock and mutations
// on a single name are O(1) map updates, so no lookup ever observes a
// partially applied change.
type Registry struct {
	defaultStrategy Strategy
	overrides       []Override
	resolver        Resolver
	sink            func(ConflictRecord)
	logger          *slog.Logger

	mu       sync.RWMutex
	entries  map[string]*Capability          // resolved name -> winning capability
	byServer map[string]map[string]struct{}  // server id -> resolved names
	regs     map[string][]*Capability        // base name -> ordered registrants
	aliases  map[string]string               // alias -> resolved name
	// qualified marks base names whose registrants have been renamed under
	// prefix/suffix, so later same-name registrants qualify immediately.
	qualified map[string]Strategy
	history   []ConflictRecord
}

// New creates a Registry. An empty DefaultStrategy falls back to prefix.
func New(cfg Config) *Registry {
	strategy := cfg.DefaultStrategy
	if strategy == "" {
		strategy = StrategyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defaultStrategy: strategy,
		overrides:       cfg.Overrides,
		resolver:        cfg.Resolver,
		sink:            cfg.Sink,
		logger:          logger.With("component", "registry"),
		entries:         make(map[string]*Capability),
		byServer:        make(map[string]map[string]struct{}),
		regs:            make(map[string][]*Capability),
		aliases:         make(map[string]string),
		qualified:       make(map[string]Strategy),
	}
}

// strategyFor returns the strategy governing collisions on name. Override
// patterns are consulted in order; the first match wins.
func (r *Registry) strategyFor(name string) Strategy {
	for _, o := range r.overrides {
		if ok, err := path.Match(o.Pattern, name); err == nil && ok {
			return o.Strategy
		}
	}
	return r.defaultStrategy
}

// Register adds one capability to the namespace and returns its resolved
// public name. A dropped registration (ignore, or a custom resolver keeping
// the existing mapping) returns an empty name with a nil error. Under
// StrategyError a collision returns ErrConflict and creates no mapping.
func (r *Registry) Register(cap *Capability) (string, error) {
	r.mu.Lock()
	resolved, rec, err := r.registerLocked(cap)
	r.mu.Unlock()

	// The sink may block on I/O or call back into the registry, so it runs
	// outside the critical section.
	if rec != nil && r.sink != nil {
		r.sink(*rec)
	}
	return resolved, err
}

func (r *Registry) registerLocked(cap *Capability) (string, *ConflictRecord, error) {
	base := cap.Name
	existing := r.entries[base]

	if existing == nil {
		if q, ok := r.qualified[base]; ok {
			// Earlier collisions renamed every registrant of this base
			// name; qualify immediately for consistency.
			resolved := r.qualify(base, cap.ServerID, q)
			rec := ConflictRecord{
				Time:         time.Now().UTC(),
				Kind:         cap.Kind,
				Name:         base,
				ResolvedName: resolved,
				Strategy:     q,
				NewServer:    cap.ServerID,
			}
			r.record(rec)
			r.put(cap, resolved)
			r.regs[base] = append(r.regs[base], cap)
			return resolved, &rec, nil
		}
		r.put(cap, base)
		r.regs[base] = append(r.regs[base], cap)
		return base, nil, nil
	}

	strategy := r.strategyFor(base)
	rec := ConflictRecord{
		Time:           time.Now().UTC(),
		Kind:           cap.Kind,
		Name:           base,
		Strategy:       strategy,
		PreviousServer: existing.ServerID,
		NewServer:      cap.ServerID,
	}

	switch strategy {
	case StrategyError:
		rec.Rejected = true
		r.record(rec)
		return "", &rec, fmt.Errorf("%w: %q provided by both %s and %s",
			ErrConflict, base, existing.ServerID, cap.ServerID)

	case StrategyIgnore:
		r.logger.Warn("ignoring capability due to name conflict",
			"name", base,
			"server_id", cap.ServerID,
			"existing_server_id", existing.ServerID,
		)
		rec.ResolvedName = existing.ResolvedName
		r.record(rec)
		r.regs[base] = append(r.regs[base], cap)
		return "", &rec, nil

	case StrategyOverride:
		r.logger.Warn("overriding capability",
			"name", base,
			"server_id", cap.ServerID,
			"previous_server_id", existing.ServerID,
		)
		r.unput(existing)
		rec.ResolvedName = base
		r.record(rec)
		r.put(cap, base)
		r.regs[base] = append(r.regs[base], cap)
		return base, &rec, nil

	case StrategyPrefix, StrategySuffix:
		// Qualify every registrant of this name, the existing one included.
		r.unput(existing)
		r.put(existing, r.qualify(base, existing.ServerID, strategy))
		r.qualified[base] = strategy

		resolved := r.qualify(base, cap.ServerID, strategy)
		rec.ResolvedName = resolved
		r.record(rec)
		r.put(cap, resolved)
		r.regs[base] = append(r.regs[base], cap)
		return resolved, &rec, nil

	case StrategyCustom:
		if r.resolver == nil {
			return "", nil, ErrNoResolver
		}
		resolved := r.resolver(base, existing, cap)
		if resolved == "" {
			rec.ResolvedName = existing.ResolvedName
			r.record(rec)
			r.regs[base] = append(r.regs[base], cap)
			return "", &rec, nil
		}
		if resolved == existing.ResolvedName {
			r.unput(existing)
		} else if _, taken := r.entries[resolved]; taken {
			rec.Rejected = true
			r.record(rec)
			return "", &rec, fmt.Errorf("%w: resolver produced occupied name %q", ErrConflict, resolved)
		}
		rec.ResolvedName = resolved
		r.record(rec)
		r.put(cap, resolved)
		r.regs[base] = append(r.regs[base], cap)
		return resolved, &rec, nil
	}

	return "", nil, fmt.Errorf("registry: unknown strategy %q", strategy)
}

// qualify builds a server-qualified name, uniquified with a counter when the
// obvious form is already taken.
func (r *Registry) qualify(base, serverID string, strategy Strategy) string {
	var resolved string
	if strategy == StrategySuffix {
		resolved = base + "_" + serverID
	} else {
		resolved = serverID + "_" + base
	}
	candidate := resolved
	for n := 1; ; n++ {
		if _, taken := r.entries[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", resolved, n)
	}
}

// put maps cap under resolved. Caller holds the write lock.
func (r *Registry) put(cap *Capability, resolved string) {
	cap.ResolvedName = resolved
	r.entries[resolved] = cap
	names, ok := r.byServer[cap.ServerID]
	if !ok {
		names = make(map[string]struct{})
		r.byServer[cap.ServerID] = names
	}
	names[resolved] = struct{}{}
	r.logger.Debug("capability registered",
		"name", cap.Name,
		"resolved_name", resolved,
		"kind", cap.Kind,
		"server_id", cap.ServerID,
	)
}

// unput removes cap's current mapping, leaving it shadowed. Caller holds the
// write lock.
func (r *Registry) unput(cap *Capability) {
	if cap.ResolvedName == "" {
		return
	}
	delete(r.entries, cap.ResolvedName)
	if names, ok := r.byServer[cap.ServerID]; ok {
		delete(names, cap.ResolvedName)
		if len(names) == 0 {
			delete(r.byServer, cap.ServerID)
		}
	}
	cap.ResolvedName = ""
}

// record appends one conflict history entry. Caller holds the write lock;
// Register forwards the record to the sink after releasing it.
func (r *Registry) record(rec ConflictRecord) {
	r.history = append(r.history, rec)
}

// RemoveServer atomically removes every capability owned by serverID and
// returns the resolved names that were unmapped. Registrants shadowed by a
// removed override/ignore winner become visible again under the base name.
func (r *Registry) RemoveServer(serverID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.byServer[serverID]
	removed := make([]string, 0, len(names))
	for name := range names {
		cap := r.entries[name]
		delete(r.entries, name)
		if cap != nil {
			cap.ResolvedName = ""
		}
		removed = append(removed, name)
	}
	delete(r.byServer, serverID)

	// Purge the removed server's registrants from every version list.
	affected := make([]string, 0)
	for base, list := range r.regs {
		kept := list[:0]
		purged := false
		for _, c := range list {
			if c.ServerID == serverID {
				purged = true
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(r.regs, base)
			delete(r.qualified, base)
			continue
		}
		r.regs[base] = kept
		if purged {
			affected = append(affected, base)
		}
	}

	// Revive the most recent surviving shadowed registrant of any base name
	// whose mapping just vanished.
	for _, base := range affected {
		r.revive(base)
	}

	sort.Strings(removed)
	if len(removed) > 0 {
		r.logger.Info("server capabilities removed",
			"server_id", serverID,
			"count", len(removed),
		)
	}
	return removed
}

// RemoveCapability explicitly withdraws one capability by its base name.
func (r *Registry) RemoveCapability(serverID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.regs[name]
	idx := -1
	for i, c := range list {
		if c.ServerID == serverID {
			idx = i
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s from %s", ErrCapabilityNotFound, name, serverID)
	}

	cap := list[idx]
	hadMapping := cap.ResolvedName != ""
	r.unput(cap)
	r.regs[name] = append(list[:idx], list[idx+1:]...)
	if len(r.regs[name]) == 0 {
		delete(r.regs, name)
		delete(r.qualified, name)
	} else if hadMapping {
		r.revive(name)
	}
	return nil
}

// revive maps the most recent surviving shadowed registrant of base back
// under the base name, if the name is free. Caller holds the write lock.
func (r *Registry) revive(base string) {
	if _, occupied := r.entries[base]; occupied {
		return
	}
	list := r.regs[base]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].ResolvedName == "" {
			r.put(list[i], base)
			r.logger.Info("shadowed capability restored",
				"name", base,
				"server_id", list[i].ServerID,
			)
			return
		}
	}
}

// AddAlias maps an alternative name onto an existing resolved name.
func (r *Registry) AddAlias(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[target]; !ok {
		return fmt.Errorf("%w: alias target %q", ErrCapabilityNotFound, target)
	}
	r.aliases[alias] = target
	r.logger.Info("alias added", "alias", alias, "target", target)
	return nil
}

// Lookup returns the capability mapped under name or one of its aliases.
func (r *Registry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	cap, ok := r.entries[name]
	if !ok {
		return Capability{}, false
	}
	return *cap, true
}

// LookupVersion returns the registrant of base with the given version tag,
// or the most recent registrant when version is empty.
func (r *Registry) LookupVersion(base, version string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.regs[base]
	if len(list) == 0 {
		return Capability{}, false
	}
	if version == "" {
		return *list[len(list)-1], true
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Version == version {
			return *list[i], true
		}
	}
	return Capability{}, false
}

// Versions returns the ordered version list for base.
func (r *Registry) Versions(base string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.regs[base]))
	for _, c := range r.regs[base] {
		out = append(out, *c)
	}
	return out
}

// List returns every active mapping sorted by resolved name.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedName < out[j].ResolvedName })
	return out
}

// ListByServer returns the active mappings owned by one server.
func (r *Registry) ListByServer(serverID string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.byServer[serverID]))
	for name := range r.byServer[serverID] {
		if c, ok := r.entries[name]; ok {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvedName < out[j].ResolvedName })
	return out
}

// History returns a copy of the append-only conflict history.
func (r *Registry) History() []ConflictRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConflictRecord, len(r.history))
	copy(out, r.history)
	return out
}

// Summary aggregates namespace statistics for diagnostics.
type Summary struct {
	Tools     int
	Prompts   int
	Resources int
	Servers   int
	Conflicts int
	Aliases   int
}

// Summarize returns current namespace statistics.
func (r *Registry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Summary{
		Servers:   len(r.byServer),
		Conflicts: len(r.history),
		Aliases:   len(r.aliases),
	}
	for _, c := range r.entries {
		switch c.Kind {
		case KindTool:
			s.Tools++
		case KindPrompt:
			s.Prompts++
		case KindResource:
			s.Resources++
		}
	}
	return s
}
