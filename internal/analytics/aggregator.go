// Package analytics turns dispatch outcomes into counters, rates and time
// bucketed summaries.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"reactbot/internal/domain"

	"github.com/google/uuid"
)

// Counter names persisted through domain.CounterStore.
const (
	CounterStatus = "status_total" // bucket: status
	CounterScope  = "scope_total"  // scope + bucket: status
	CounterEmoji  = "emoji_usage"  // bucket: emoji
	CounterRate   = "reactions_per_second"
)

// HourlyCounter and DailyCounter name the time-bucketed counter for status.
func HourlyCounter(s domain.Status) string { return "hourly_" + string(s) }
func DailyCounter(s domain.Status) string  { return "daily_" + string(s) }

// Observer is notified of every recorded outcome and degradation.
type Observer interface {
	ObserveOutcome(o domain.Outcome)
	ObserveDegraded(op string)
}

type Config struct {
	Outcomes   domain.OutcomeStore
	Counters   domain.CounterStore
	Publisher  domain.DeltaPublisher
	Observer   Observer
	RateWindow time.Duration // window of the reactions/second estimator
	Logger     *slog.Logger
	Now        func() time.Time
}

// ScopeStats are the per-chat totals.
type ScopeStats struct {
	Scope     domain.ScopeID `json:"scope"`
	Sent      int64          `json:"sent"`
	Throttled int64          `json:"throttled"`
	Failed    int64          `json:"failed"`
	Skipped   int64          `json:"skipped"`
	LastAt    time.Time      `json:"lastAt"`
}

// Snapshot is the in-memory view of the counters at one instant.
type Snapshot struct {
	TotalReactions     int64                   `json:"totalReactions"`
	ByStatus           map[domain.Status]int64 `json:"byStatus"`
	ReactionsPerSecond float64                 `json:"reactionsPerSecond"`
	ThrottledTotal     int64                   `json:"throttledTotal"`
	ErrorsTotal        int64                   `json:"errorsTotal"`
	SkippedTotal       int64                   `json:"skippedTotal"`
	ErrorRate          float64                 `json:"errorRate"`
	EmojiUsage         map[string]int64        `json:"emojiUsage"`
	TopScopes          []ScopeStats            `json:"topScopes"`
	ActiveScopes       int                     `json:"activeScopes"`
	StartedAt          time.Time               `json:"startedAt"`
	Uptime             time.Duration           `json:"uptime"`
	Degraded           bool                    `json:"degraded"`
	LastDegradation    string                  `json:"lastDegradation,omitempty"`
	GeneratedAt        time.Time               `json:"generatedAt"`
}

const topScopes = 10

// Aggregator receives every outcome. All methods are safe for concurrent use.
type Aggregator struct {
	outcomes  domain.OutcomeStore
	counters  domain.CounterStore
	publisher domain.DeltaPublisher
	observer  Observer
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time

	mu          sync.Mutex
	byStatus    map[domain.Status]int64
	scopes      map[domain.ScopeID]*ScopeStats
	emojis      map[string]int64
	sentStamps  []time.Time
	degraded    bool
	lastDegrade string
}

func New(cfg Config) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	a := &Aggregator{
		outcomes:  cfg.Outcomes,
		counters:  cfg.Counters,
		publisher: cfg.Publisher,
		observer:  cfg.Observer,
		window:    cfg.RateWindow,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	a.startedAt = a.now()
	a.reset()
	return a
}

func (a *Aggregator) reset() {
	a.byStatus = make(map[domain.Status]int64)
	a.scopes = make(map[domain.ScopeID]*ScopeStats)
	a.emojis = make(map[string]int64)
	a.sentStamps = nil
}

// Record appends o to the outcome log and updates every counter. The
// counters only ever reflect logged outcomes: when the append fails the
// outcome is dropped from analytics and the degraded signal is raised.
func (a *Aggregator) Record(ctx context.Context, o domain.Outcome) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = a.now()
	}

	if a.observer != nil {
		a.observer.ObserveOutcome(o)
	}

	if a.outcomes != nil {
		if err := a.outcomes.AppendOutcome(ctx, o); err != nil {
			a.Degrade("append outcome", err)
			return
		}
	}

	a.mu.Lock()
	a.apply(o)
	deltas := a.deltasFor(o)
	// Publishing under the lock keeps delta order equal to update order.
	if a.publisher != nil {
		for _, d := range deltas {
			a.publisher.Publish(d)
		}
	}
	rate := a.rateLocked(o.RecordedAt)
	a.mu.Unlock()

	a.persistCounters(ctx, o, rate)
}

// apply updates in-memory state. Caller holds mu.
func (a *Aggregator) apply(o domain.Outcome) {
	a.byStatus[o.Status]++

	s, ok := a.scopes[o.Scope]
	if !ok {
		s = &ScopeStats{Scope: o.Scope}
		a.scopes[o.Scope] = s
	}
	switch o.Status {
	case domain.StatusSent:
		s.Sent++
		a.emojis[o.Emoji]++
		a.sentStamps = append(a.sentStamps, o.RecordedAt)
	case domain.StatusThrottled:
		s.Throttled++
	case domain.StatusFailed:
		s.Failed++
	case domain.StatusSkipped:
		s.Skipped++
	}
	if o.RecordedAt.After(s.LastAt) {
		s.LastAt = o.RecordedAt
	}
}

func (a *Aggregator) deltasFor(o domain.Outcome) []domain.Delta {
	at := o.RecordedAt
	deltas := []domain.Delta{{
		Metric: domain.MetricOutcome, Value: 1, Scope: o.Scope, Emoji: o.Emoji,
		Status: o.Status, Detail: string(o.ErrorClass), At: at,
	}}

	switch o.Status {
	case domain.StatusSent:
		deltas = append(deltas,
			domain.Delta{Metric: domain.MetricReactionsTotal, Value: float64(a.byStatus[domain.StatusSent]), At: at},
			domain.Delta{Metric: domain.MetricScopeReactions, Value: float64(a.scopes[o.Scope].Sent), Scope: o.Scope, At: at},
			domain.Delta{Metric: domain.MetricEmojiUsage, Value: float64(a.emojis[o.Emoji]), Emoji: o.Emoji, At: at},
			domain.Delta{Metric: domain.MetricReactionsPerSec, Value: a.rateLocked(at), At: at},
		)
	case domain.StatusThrottled:
		deltas = append(deltas, domain.Delta{Metric: domain.MetricThrottledTotal, Value: float64(a.byStatus[domain.StatusThrottled]), Scope: o.Scope, At: at})
	case domain.StatusFailed:
		deltas = append(deltas, domain.Delta{Metric: domain.MetricErrorsTotal, Value: float64(a.byStatus[domain.StatusFailed]), Scope: o.Scope, Detail: string(o.ErrorClass), At: at})
	case domain.StatusSkipped:
		deltas = append(deltas, domain.Delta{Metric: domain.MetricSkippedTotal, Value: float64(a.byStatus[domain.StatusSkipped]), Scope: o.Scope, At: at})
	}
	return deltas
}

// rateLocked prunes the sent stamps and returns reactions per second over
// the estimator window. Caller holds mu.
func (a *Aggregator) rateLocked(now time.Time) float64 {
	cutoff := now.Add(-a.window)
	i := 0
	for i < len(a.sentStamps) && a.sentStamps[i].Before(cutoff) {
		i++
	}
	a.sentStamps = a.sentStamps[i:]
	return float64(len(a.sentStamps)) / a.window.Seconds()
}

func (a *Aggregator) persistCounters(ctx context.Context, o domain.Outcome, rate float64) {
	if a.counters == nil {
		return
	}
	at := o.RecordedAt
	incs := []domain.Counter{
		{Name: CounterStatus, Bucket: string(o.Status), Value: 1},
		{Name: CounterScope, Scope: o.Scope, Bucket: string(o.Status), Value: 1},
		{Name: HourlyCounter(o.Status), Bucket: BucketKey(at, Hour), Value: 1},
		{Name: DailyCounter(o.Status), Bucket: BucketKey(at, Day), Value: 1},
	}
	if o.Status == domain.StatusSent {
		incs = append(incs, domain.Counter{Name: CounterEmoji, Bucket: o.Emoji, Value: 1})
	}
	for _, c := range incs {
		c.UpdatedAt = at
		if err := a.counters.IncrementCounter(ctx, c); err != nil {
			a.Degrade("increment "+c.Name, err)
			return
		}
	}
	if o.Status == domain.StatusSent {
		if err := a.counters.SetGauge(ctx, domain.Counter{Name: CounterRate, Value: rate, UpdatedAt: at}); err != nil {
			a.Degrade("set rate gauge", err)
		}
	}
}

// Degrade raises the operator-facing signal for a dropped persistence effect.
func (a *Aggregator) Degrade(op string, err error) {
	detail := fmt.Sprintf("%s: %v", op, err)
	a.logger.Error("analytics persistence degraded", "op", op, "error", err)

	a.mu.Lock()
	a.degraded = true
	a.lastDegrade = detail
	if a.publisher != nil {
		a.publisher.Publish(domain.Delta{Metric: domain.MetricDegraded, Value: 1, Detail: detail, At: a.now()})
	}
	a.mu.Unlock()

	if a.observer != nil {
		a.observer.ObserveDegraded(op)
	}
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		TotalReactions:     a.byStatus[domain.StatusSent],
		ByStatus:           make(map[domain.Status]int64, len(a.byStatus)),
		ReactionsPerSecond: a.rateLocked(now),
		ThrottledTotal:     a.byStatus[domain.StatusThrottled],
		ErrorsTotal:        a.byStatus[domain.StatusFailed],
		SkippedTotal:       a.byStatus[domain.StatusSkipped],
		EmojiUsage:         make(map[string]int64, len(a.emojis)),
		StartedAt:          a.startedAt,
		Uptime:             now.Sub(a.startedAt),
		Degraded:           a.degraded,
		LastDegradation:    a.lastDegrade,
		GeneratedAt:        now,
	}

	var total int64
	for st, n := range a.byStatus {
		snap.ByStatus[st] = n
		total += n
	}
	if total > 0 {
		snap.ErrorRate = float64(snap.ErrorsTotal) / float64(total)
	}
	for e, n := range a.emojis {
		snap.EmojiUsage[e] = n
	}

	scopes := make([]ScopeStats, 0, len(a.scopes))
	for _, s := range a.scopes {
		if s.Sent > 0 {
			snap.ActiveScopes++
		}
		scopes = append(scopes, *s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].Sent != scopes[j].Sent {
			return scopes[i].Sent > scopes[j].Sent
		}
		return scopes[i].Scope < scopes[j].Scope
	})
	if len(scopes) > topScopes {
		scopes = scopes[:topScopes]
	}
	snap.TopScopes = scopes
	return snap
}

// Scope returns the totals for one chat.
func (a *Aggregator) Scope(scope domain.ScopeID) (ScopeStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.scopes[scope]
	if !ok {
		return ScopeStats{Scope: scope}, false
	}
	return *s, true
}

// Summaries derives bucketed summaries from the outcome log for [since, until).
func (a *Aggregator) Summaries(ctx context.Context, g Granularity, since, until time.Time) ([]Summary, error) {
	if a.outcomes == nil {
		return nil, fmt.Errorf("%w: no outcome log configured", domain.ErrStorageUnavailable)
	}
	outcomes, err := a.outcomes.ListOutcomes(ctx, since, until)
	if err != nil {
		return nil, err
	}
	return Summarize(outcomes, g), nil
}

// Rebuild re-derives the in-memory counters from the outcome log and
// rewrites the persisted counters to match.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	if a.outcomes == nil {
		return nil
	}
	outcomes, err := a.outcomes.ListOutcomes(ctx, time.Time{}, time.Time{})
	if err != nil {
		return fmt.Errorf("rebuild analytics: %w", err)
	}

	a.mu.Lock()
	a.reset()
	for _, o := range outcomes {
		a.apply(o)
	}
	rate := a.rateLocked(a.now())
	a.mu.Unlock()

	if a.counters != nil {
		for _, c := range deriveCounters(outcomes) {
			if err := a.counters.SetGauge(ctx, c); err != nil {
				return fmt.Errorf("rebuild counter %s: %w", c.Name, err)
			}
		}
		if err := a.counters.SetGauge(ctx, domain.Counter{Name: CounterRate, Value: rate, UpdatedAt: a.now()}); err != nil {
			return fmt.Errorf("rebuild rate gauge: %w", err)
		}
	}

	a.logger.Info("analytics rebuilt from outcome log", "outcomes", len(outcomes))
	return nil
}

// deriveCounters computes the persisted counter set from an outcome log.
func deriveCounters(outcomes []domain.Outcome) []domain.Counter {
	acc := make(map[string]*domain.Counter)
	add := func(c domain.Counter, at time.Time) {
		key := domain.CounterKey(c.Name, c.Scope, c.Bucket)
		if cur, ok := acc[key]; ok {
			cur.Value++
			if at.After(cur.UpdatedAt) {
				cur.UpdatedAt = at
			}
			return
		}
		c.Key, c.Value, c.UpdatedAt = key, 1, at
		acc[key] = &c
	}

	for _, o := range outcomes {
		at := o.RecordedAt
		add(domain.Counter{Name: CounterStatus, Bucket: string(o.Status)}, at)
		add(domain.Counter{Name: CounterScope, Scope: o.Scope, Bucket: string(o.Status)}, at)
		add(domain.Counter{Name: HourlyCounter(o.Status), Bucket: BucketKey(at, Hour)}, at)
		add(domain.Counter{Name: DailyCounter(o.Status), Bucket: BucketKey(at, Day)}, at)
		if o.Status == domain.StatusSent {
			add(domain.Counter{Name: CounterEmoji, Bucket: o.Emoji}, at)
		}
	}

	out := make([]domain.Counter, 0, len(acc))
	for _, c := range acc {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
