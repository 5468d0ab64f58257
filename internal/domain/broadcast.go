package domain

import "time"

// Well-known delta metric names.
const (
	MetricReactionsTotal  = "reactions_total"
	MetricReactionsPerSec = "reactions_per_second"
	MetricScopeReactions  = "scope_reactions"
	MetricEmojiUsage      = "emoji_usage"
	MetricThrottledTotal  = "throttled_total"
	MetricErrorsTotal     = "errors_total"
	MetricSkippedTotal    = "skipped_total"
	MetricOutcome         = "outcome"
	MetricDegraded        = "degraded"
	MetricChatAdded       = "chat_added"
	MetricChatUpdated     = "chat_updated"
	MetricChatRemoved     = "chat_removed"
)

// Delta is one live update pushed to broadcast subscribers.
type Delta struct {
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	Scope  ScopeID   `json:"scope,omitempty"`
	Emoji  string    `json:"emoji,omitempty"`
	Status Status    `json:"status,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// DeltaPublisher receives aggregator updates.
type DeltaPublisher interface {
	Publish(d Delta)
}
