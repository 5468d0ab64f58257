package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LoadWindow returns the admission stamps stored for key.
func (s *SQLiteStore) LoadWindow(ctx context.Context, key string) ([]time.Time, error) {
	var raw string
	err := s.withRetry(ctx, "load window", func() error {
		err := s.db.QueryRowContext(ctx, `SELECT stamps FROM rate_windows WHERE key = ?`, key).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil || raw == "" {
		return nil, err
	}

	var nanos []int64
	if err := json.Unmarshal([]byte(raw), &nanos); err != nil {
		return nil, fmt.Errorf("decode window %s: %w", key, err)
	}
	stamps := make([]time.Time, len(nanos))
	for i, n := range nanos {
		stamps[i] = time.Unix(0, n).UTC()
	}
	return stamps, nil
}

// SaveWindow replaces the stamps for key in one statement.
func (s *SQLiteStore) SaveWindow(ctx context.Context, key string, stamps []time.Time) error {
	nanos := make([]int64, len(stamps))
	for i, t := range stamps {
		nanos[i] = t.UnixNano()
	}
	raw, err := json.Marshal(nanos)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "save window", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO rate_windows (key, stamps, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET stamps = excluded.stamps, updated_at = excluded.updated_at`,
			key, string(raw), time.Now().UnixNano(),
		)
		return err
	})
}
