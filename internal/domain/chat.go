package domain

import (
	"fmt"
	"strings"
	"time"
)

// ScopeID identifies one reaction target as "<platform>:<native chat id>",
// e.g. "telegram:-1001234567890" or "discord:1122334455".
type ScopeID string

// NewScopeID joins a platform name and a native chat identifier.
func NewScopeID(platform, chatID string) ScopeID {
	return ScopeID(platform + ":" + chatID)
}

// Platform returns the platform prefix of the scope.
func (s ScopeID) Platform() string {
	p, _, ok := strings.Cut(string(s), ":")
	if !ok {
		return ""
	}
	return p
}

// ChatID returns the native chat identifier without the platform prefix.
func (s ScopeID) ChatID() string {
	_, id, ok := strings.Cut(string(s), ":")
	if !ok {
		return string(s)
	}
	return id
}

func (s ScopeID) String() string { return string(s) }

// ReactionMode selects how an emoji is picked from a chat's candidate set.
type ReactionMode string

const (
	ModeRandom     ReactionMode = "random"
	ModeFixed      ReactionMode = "fixed"
	ModeSequential ReactionMode = "sequential"
)

// ParseReactionMode validates a mode name. An empty string yields ModeRandom.
func ParseReactionMode(s string) (ReactionMode, error) {
	switch ReactionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRandom:
		return ModeRandom, nil
	case ModeFixed:
		return ModeFixed, nil
	case ModeSequential:
		return ModeSequential, nil
	default:
		return "", fmt.Errorf("unknown reaction mode %q (want random, fixed or sequential)", s)
	}
}

// ChatConfig is the per-scope reaction configuration. It is owned by the
// configuration store and treated as a read-only snapshot by the dispatcher.
type ChatConfig struct {
	Scope           ScopeID       `json:"scope"`
	Title           string        `json:"title,omitempty"`
	Enabled         bool          `json:"enabled"`
	Mode            ReactionMode  `json:"mode"`
	Emojis          []string      `json:"emojis"`
	DelayMin        time.Duration `json:"delayMin"`
	DelayMax        time.Duration `json:"delayMax"`
	ReactToMedia    bool          `json:"reactToMedia"`
	ReactToText     bool          `json:"reactToText"`
	ReactToForwards bool          `json:"reactToForwards"`
}

// GlobalSettings are the bot-wide dispatch parameters.
type GlobalSettings struct {
	AutoReact           bool          `json:"autoReact"`
	DefaultEmojis       []string      `json:"defaultEmojis"`
	DefaultDelayMin     time.Duration `json:"defaultDelayMin"`
	DefaultDelayMax     time.Duration `json:"defaultDelayMax"`
	MaxRetries          int           `json:"maxRetries"`
	RetryDelay          time.Duration `json:"retryDelay"`
	FloodWaitMultiplier float64       `json:"floodWaitMultiplier"`
	MaxRetryDelay       time.Duration `json:"maxRetryDelay"`
	MaxThrottleWait     time.Duration `json:"maxThrottleWait"`
}

// DelayBounds returns the anti-spam delay range for a chat, falling back to
// the global defaults when the chat leaves them unset.
func (gs GlobalSettings) DelayBounds(cfg *ChatConfig) (time.Duration, time.Duration) {
	lo, hi := gs.DefaultDelayMin, gs.DefaultDelayMax
	if cfg != nil && (cfg.DelayMin > 0 || cfg.DelayMax > 0) {
		lo, hi = cfg.DelayMin, cfg.DelayMax
	}
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// ConfigSource is the read contract of the configuration store.
// Implementations must be cheap to call; the dispatcher does not cache.
type ConfigSource interface {
	ChatConfig(scope ScopeID) (*ChatConfig, bool)
	GlobalSettings() GlobalSettings
}
