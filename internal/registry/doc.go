// Package registry maintains the unified, collision-free capability
// namespace over all composed servers.
//
// # Conflict resolution
//
// When two servers register a capability under the same public name, the
// collision is resolved by the configured strategy:
//
//	prefix    qualify the incoming name with the owning server id
//	suffix    append the owning server id to the incoming name
//	ignore    first registrant wins; later ones are dropped and logged
//	error     registration fails with ErrConflict; no mapping is created
//	override  latest registrant replaces the previous mapping
//	custom    a caller-supplied Resolver chooses the surviving mapping
//
// Per-name wildcard patterns (path.Match syntax) can select a different
// strategy than the aggregate default for matching names.
//
// # Versions and aliases
//
// All registrants of one base name coexist in an ordered version list;
// LookupVersion targets a specific version tag or the latest. Aliases map
// alternative names onto resolved names at lookup time.
//
// # Shadowing
//
// When the server providing the winning OVERRIDE or IGNORE mapping is
// removed, the most recent surviving registrant of the same base name
// becomes visible again under that name.
//
// # Diagnostics
//
// Every collision, including failed ERROR registrations, is appended to a
// queryable conflict history. An optional sink receives each record as it
// is written, which the composer uses to persist an audit trail.
package registry
