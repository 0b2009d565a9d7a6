// Package store provides SQLite persistence for the composer.
//
// # What is persisted
//
// Two concerns survive restarts:
//
//   - Role definitions and user-role assignments, so an administrator's
//     RBAC setup does not reset with the process. The RoleManager loads
//     them at startup and writes through on every mutation.
//
//   - The capability conflict audit log, an append-only record of every
//     name collision the aggregator resolved or rejected.
//
// Server descriptors are not persisted; they come from configuration on
// every start.
//
// # Implementation
//
// Backed by modernc.org/sqlite (pure Go, no cgo). The schema is created
// automatically, parent directories are created as needed, and WAL mode is
// enabled for concurrent readers.
package store
