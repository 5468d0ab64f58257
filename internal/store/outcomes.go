package store

import (
	"context"
	"time"

	"reactbot/internal/domain"
)

// AppendOutcome adds o to the outcome log. Re-appending the same outcome ID
// is a no-op.
func (s *SQLiteStore) AppendOutcome(ctx context.Context, o domain.Outcome) error {
	return s.withRetry(ctx, "append outcome", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO outcomes
			 (id, intent_id, scope, platform, message_id, emoji, status, error_class, error,
			  attempts, total_wait_ms, latency_ms, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.IntentID, string(o.Scope), o.Scope.Platform(), o.MessageID, o.Emoji,
			string(o.Status), string(o.ErrorClass), o.Error, o.Attempts,
			o.TotalWait.Milliseconds(), o.Latency.Milliseconds(), o.RecordedAt.UnixNano(),
		)
		return err
	})
}

// ListOutcomes returns outcomes recorded in [since, until) in log order.
// A zero until means no upper bound.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, since, until time.Time) ([]domain.Outcome, error) {
	hi := int64(1<<63 - 1)
	if !until.IsZero() {
		hi = until.UnixNano()
	}

	var out []domain.Outcome
	err := s.withRetry(ctx, "list outcomes", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, intent_id, scope, message_id, emoji, status, error_class, error,
			        attempts, total_wait_ms, latency_ms, recorded_at
			 FROM outcomes WHERE recorded_at >= ? AND recorded_at < ?
			 ORDER BY recorded_at, rowid`,
			since.UnixNano(), hi,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				o                   domain.Outcome
				scope, status, cls  string
				waitMs, latMs, nano int64
			)
			if err := rows.Scan(&o.ID, &o.IntentID, &scope, &o.MessageID, &o.Emoji, &status, &cls, &o.Error,
				&o.Attempts, &waitMs, &latMs, &nano); err != nil {
				return err
			}
			o.Scope = domain.ScopeID(scope)
			o.Status = domain.Status(status)
			o.ErrorClass = domain.ErrorClass(cls)
			o.TotalWait = time.Duration(waitMs) * time.Millisecond
			o.Latency = time.Duration(latMs) * time.Millisecond
			o.RecordedAt = time.Unix(0, nano).UTC()
			out = append(out, o)
		}
		return rows.Err()
	})
	return out, err
}

// PlatformTotals counts outcomes per platform and status.
func (s *SQLiteStore) PlatformTotals(ctx context.Context) (map[string]map[domain.Status]int64, error) {
	totals := make(map[string]map[domain.Status]int64)
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform, status, COUNT(*) FROM outcomes GROUP BY platform, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var platform, status string
		var n int64
		if err := rows.Scan(&platform, &status, &n); err != nil {
			return nil, err
		}
		if totals[platform] == nil {
			totals[platform] = make(map[domain.Status]int64)
		}
		totals[platform][domain.Status(status)] = n
	}
	return totals, rows.Err()
}
