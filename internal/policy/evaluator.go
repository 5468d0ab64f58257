// Package policy decides whether an inbound event gets a reaction and which
// emoji it uses.
package policy

import (
	"math/rand/v2"
	"sync"
	"time"

	"reactbot/internal/domain"

	"github.com/google/uuid"
)

// FallbackEmoji is used when neither the chat nor the global settings carry
// any candidate emoji.
const FallbackEmoji = "❤️"

// Evaluator maps events to reaction intents. The only state it owns is the
// sequential-mode cursor per scope and the random source.
type Evaluator struct {
	mu      sync.Mutex
	cursors map[domain.ScopeID]int
	pick    func(n int) int
	now     func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithRand sets the random source used by random mode.
func WithRand(r *rand.Rand) Option {
	return func(e *Evaluator) {
		e.pick = r.IntN
	}
}

// WithClock overrides time.Now for intent timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		cursors: make(map[domain.ScopeID]int),
		pick:    rand.IntN,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns an intent for ev, or false when the event must not be
// reacted to. cfg may be nil for an unknown scope.
func (e *Evaluator) Evaluate(ev domain.Event, cfg *domain.ChatConfig, gs domain.GlobalSettings) (domain.Intent, bool) {
	if cfg == nil || !cfg.Enabled || !gs.AutoReact {
		return domain.Intent{}, false
	}
	if excluded(ev, cfg) {
		return domain.Intent{}, false
	}

	candidates := cfg.Emojis
	if len(candidates) == 0 {
		candidates = gs.DefaultEmojis
	}
	if len(candidates) == 0 {
		candidates = []string{FallbackEmoji}
	}

	return domain.Intent{
		ID:        uuid.NewString(),
		Scope:     ev.Scope,
		MessageID: ev.MessageID,
		Emoji:     e.choose(ev.Scope, cfg.Mode, candidates),
		CreatedAt: e.now(),
	}, true
}

func excluded(ev domain.Event, cfg *domain.ChatConfig) bool {
	if ev.IsForward && !cfg.ReactToForwards {
		return true
	}
	if ev.IsMedia && !cfg.ReactToMedia {
		return true
	}
	if ev.IsText && !ev.IsMedia && !cfg.ReactToText {
		return true
	}
	return false
}

func (e *Evaluator) choose(scope domain.ScopeID, mode domain.ReactionMode, candidates []string) string {
	switch mode {
	case domain.ModeFixed:
		return candidates[0]
	case domain.ModeSequential:
		e.mu.Lock()
		defer e.mu.Unlock()
		next, seen := e.cursors[scope]
		if !seen || next >= len(candidates) {
			next = 0
		}
		e.cursors[scope] = (next + 1) % len(candidates)
		return candidates[next]
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		return candidates[e.pick(len(candidates))]
	}
}

// ResetCursor restarts sequential rotation for scope. Call it when the chat's
// candidate list changes.
func (e *Evaluator) ResetCursor(scope domain.ScopeID) {
	e.mu.Lock()
	delete(e.cursors, scope)
	e.mu.Unlock()
}
