package domain

import (
	"context"
	"time"
)

// Intent is a pending decision to react to one message. It lives only in
// memory; its Outcome is what gets persisted.
type Intent struct {
	ID        string
	Scope     ScopeID
	MessageID string
	Emoji     string
	CreatedAt time.Time
	Attempts  int
}

// Status is the terminal state of one dispatch.
type Status string

const (
	StatusSent      Status = "sent"
	StatusThrottled Status = "throttled"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// DeniedPolicy decides what happens to an intent the rate limit guard
// denies: record it throttled at once, or wait one window and try again.
type DeniedPolicy string

const (
	DeniedTerminal DeniedPolicy = "terminal"
	DeniedRequeue  DeniedPolicy = "requeue"
)

// Outcome is the immutable record of one intent's terminal result.
type Outcome struct {
	ID         string        `json:"id"`
	IntentID   string        `json:"intentId"`
	Scope      ScopeID       `json:"scope"`
	MessageID  string        `json:"messageId"`
	Emoji      string        `json:"emoji"`
	Status     Status        `json:"status"`
	ErrorClass ErrorClass    `json:"errorClass,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	TotalWait  time.Duration `json:"totalWait"`
	Latency    time.Duration `json:"latency"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// ReactionSender is the single outbound call to a messaging platform.
// Errors should be *ThrottleError or *PlatformError; anything else is
// treated as transient.
type ReactionSender interface {
	SendReaction(ctx context.Context, scope ScopeID, messageID, emoji string) error
}

// OutcomeRecorder receives every terminal outcome.
type OutcomeRecorder interface {
	Record(ctx context.Context, o Outcome)
}
