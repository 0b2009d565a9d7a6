// ABOUTME: Append-only persistence for capability conflict records.
// ABOUTME: Plugs into the registry's conflict sink for post-hoc auditing.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-composer/internal/registry"
)

// AppendConflict writes one conflict record to the audit log.
func (s *SQLiteStore) AppendConflict(ctx context.Context, rec registry.ConflictRecord) error {
	rejected := 0
	if rec.Rejected {
		rejected = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_log
			(id, occurred_at, kind, name, resolved_name, strategy, previous_server, new_server, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), rec.Time.UTC(), string(rec.Kind), rec.Name, rec.ResolvedName,
		string(rec.Strategy), rec.PreviousServer, rec.NewServer, rejected)
	if err != nil {
		return fmt.Errorf("appending conflict record: %w", err)
	}
	return nil
}

// ConflictSink adapts the store to the registry's sink callback. Write
// failures are logged, never surfaced into registration.
func (s *SQLiteStore) ConflictSink() func(registry.ConflictRecord) {
	return func(rec registry.ConflictRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.AppendConflict(ctx, rec); err != nil {
			s.logger.Error("failed to persist conflict record", "name", rec.Name, "error", err)
		}
	}
}

// ListConflicts returns persisted conflict records ordered oldest first,
// up to limit entries. A non-positive limit returns everything.
func (s *SQLiteStore) ListConflicts(ctx context.Context, limit int) ([]registry.ConflictRecord, error) {
	query := `
		SELECT occurred_at, kind, name, resolved_name, strategy, previous_server, new_server, rejected
		FROM conflict_log ORDER BY occurred_at`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conflict log: %w", err)
	}
	defer rows.Close()

	var records []registry.ConflictRecord
	for rows.Next() {
		var rec registry.ConflictRecord
		var kind, strategy string
		var rejected int
		if err := rows.Scan(&rec.Time, &kind, &rec.Name, &rec.ResolvedName,
			&strategy, &rec.PreviousServer, &rec.NewServer, &rejected); err != nil {
			return nil, fmt.Errorf("scanning conflict record: %w", err)
		}
		rec.Kind = registry.Kind(kind)
		rec.Strategy = registry.Strategy(strategy)
		rec.Rejected = rejected != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}
