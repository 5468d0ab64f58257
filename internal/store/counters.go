package store

import (
	"context"
	"time"

	"reactbot/internal/domain"
)

// IncrementCounter adds c.Value to the stored counter.
func (s *SQLiteStore) IncrementCounter(ctx context.Context, c domain.Counter) error {
	return s.upsertCounter(ctx, "increment counter", c,
		`ON CONFLICT(key) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at`)
}

// SetGauge overwrites the stored value.
func (s *SQLiteStore) SetGauge(ctx context.Context, c domain.Counter) error {
	return s.upsertCounter(ctx, "set gauge", c,
		`ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
}

func (s *SQLiteStore) upsertCounter(ctx context.Context, op string, c domain.Counter, conflict string) error {
	if c.Key == "" {
		c.Key = domain.CounterKey(c.Name, c.Scope, c.Bucket)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	return s.withRetry(ctx, op, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO counters (key, name, scope, bucket, value, updated_at) VALUES (?, ?, ?, ?, ?, ?) `+conflict,
			c.Key, c.Name, string(c.Scope), c.Bucket, c.Value, c.UpdatedAt.UnixNano(),
		)
		return err
	})
}

// ListCounters returns counters named name, or every counter when name is
// empty, ordered by key.
func (s *SQLiteStore) ListCounters(ctx context.Context, name string) ([]domain.Counter, error) {
	query := `SELECT key, name, scope, bucket, value, updated_at FROM counters`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Counter
	for rows.Next() {
		var (
			c     domain.Counter
			scope string
			nano  int64
		)
		if err := rows.Scan(&c.Key, &c.Name, &scope, &c.Bucket, &c.Value, &nano); err != nil {
			return nil, err
		}
		c.Scope = domain.ScopeID(scope)
		c.UpdatedAt = time.Unix(0, nano).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
