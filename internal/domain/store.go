package domain

import (
	"context"
	"time"
)

// OutcomeStore is the append-only outcome log.
type OutcomeStore interface {
	AppendOutcome(ctx context.Context, o Outcome) error
	ListOutcomes(ctx context.Context, since, until time.Time) ([]Outcome, error)
}

// WindowStore persists rate-limit windows. Callers serialize access per key;
// the store only has to make each call atomic.
type WindowStore interface {
	LoadWindow(ctx context.Context, key string) ([]time.Time, error)
	SaveWindow(ctx context.Context, key string, stamps []time.Time) error
}

// Counter is one persisted analytics value.
type Counter struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Scope     ScopeID   `json:"scope,omitempty"`
	Bucket    string    `json:"bucket,omitempty"`
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CounterStore persists analytics counters (increment) and gauges (overwrite).
type CounterStore interface {
	IncrementCounter(ctx context.Context, c Counter) error
	SetGauge(ctx context.Context, c Counter) error
	ListCounters(ctx context.Context, name string) ([]Counter, error)
}

// CounterKey builds the storage key of a counter from its dimensions.
func CounterKey(name string, scope ScopeID, bucket string) string {
	return name + "|" + string(scope) + "|" + bucket
}
