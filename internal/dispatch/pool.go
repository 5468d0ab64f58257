// Package dispatch runs reaction intents through delay, admission, retry and
// outcome recording on a fixed pool of workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"reactbot/internal/domain"
	"reactbot/internal/policy"
	"reactbot/internal/ratelimit"
	"reactbot/internal/retry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Limits are the chat and global windows every intent must pass.
type Limits struct {
	ChatQuota    int
	ChatWindow   time.Duration
	GlobalQuota  int
	GlobalWindow time.Duration
}

func (l Limits) forScope(scope domain.ScopeID) []ratelimit.Limit {
	return []ratelimit.Limit{
		{Key: ratelimit.ChatKey(scope), Quota: l.ChatQuota, Window: l.ChatWindow},
		{Key: ratelimit.GlobalKey, Quota: l.GlobalQuota, Window: l.GlobalWindow},
	}
}

// Degrader surfaces persistence failures that were absorbed rather than
// stopping dispatch.
type Degrader interface {
	Degrade(op string, err error)
}

// Observer receives pool events for metrics.
type Observer interface {
	ObserveAdmission(in domain.Intent, dec ratelimit.Decision)
	ObserveInFlight(delta int)
}

type Config struct {
	Workers      int
	QueueSize    int
	Limits       Limits
	DeniedPolicy domain.DeniedPolicy

	Source   domain.ConfigSource
	Policy   *policy.Evaluator
	Guard    *ratelimit.Guard
	Retry    *retry.Controller
	Sender   domain.ReactionSender
	Recorder domain.OutcomeRecorder
	Degrader Degrader // optional; told about guard storage failures
	Observer Observer
	Logger   *slog.Logger

	Sleep retry.SleepFunc     // anti-spam delay wait
	Rand  func(n int64) int64 // uniform in [0, n)
	Now   func() time.Time
}

// Pool is the bounded intent queue plus its workers.
type Pool struct {
	cfg    Config
	logger *slog.Logger
	queue  chan domain.Intent

	mu     sync.RWMutex
	closed bool

	// waitCtx ends every delay and backoff wait at Stop. callCtx ends
	// in-flight platform calls once the grace period is over.
	waitCtx    context.Context
	cancelWait context.CancelFunc
	callCtx    context.Context
	cancelCall context.CancelFunc

	wg        sync.WaitGroup
	started   atomic.Bool
	inFlight  atomic.Int64
	discarded atomic.Int64
}

func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.DeniedPolicy == "" {
		cfg.DeniedPolicy = domain.DeniedTerminal
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Int64N
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.New()
	}

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan domain.Intent, cfg.QueueSize),
	}
	p.waitCtx, p.cancelWait = context.WithCancel(context.Background())
	p.callCtx, p.cancelCall = context.WithCancel(context.Background())
	return p
}

// Start launches the workers. It is a no-op after the first call.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("dispatch pool started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize, "denied_policy", p.cfg.DeniedPolicy)
}

// ErrStopped is returned by Enqueue once Stop has been called.
var ErrStopped = errors.New("dispatch pool stopped")

// Enqueue hands in to the workers without blocking. A full queue records a
// skipped outcome and returns domain.ErrQueueSaturated. After Stop the
// intent is dropped without an outcome, like the queued intents Stop
// discards.
func (p *Pool) Enqueue(in domain.Intent) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = p.cfg.Now()
	}

	p.mu.RLock()
	closed, accepted := p.closed, false
	if !closed {
		select {
		case p.queue <- in:
			accepted = true
		default:
		}
	}
	p.mu.RUnlock()

	if accepted {
		return nil
	}
	if closed {
		p.logger.Debug("intent dropped: pool stopped", "scope", in.Scope, "message_id", in.MessageID)
		return ErrStopped
	}
	p.logger.Warn("intent dropped: queue saturated", "scope", in.Scope, "message_id", in.MessageID)
	p.record(in, domain.Outcome{
		Status:     domain.StatusSkipped,
		ErrorClass: domain.ClassQueueSaturated,
		Error:      domain.ErrQueueSaturated.Error(),
	})
	return domain.ErrQueueSaturated
}

// Submit evaluates ev against the current configuration and enqueues the
// resulting intent, if any. Unknown scopes are dropped silently.
func (p *Pool) Submit(ev domain.Event) error {
	cfg, ok := p.cfg.Source.ChatConfig(ev.Scope)
	if !ok {
		p.logger.Debug("event for unconfigured scope ignored", "scope", ev.Scope)
		return nil
	}
	in, ok := p.cfg.Policy.Evaluate(ev, cfg, p.cfg.Source.GlobalSettings())
	if !ok {
		return nil
	}
	return p.Enqueue(in)
}

// Intake feeds events into the pool until ctx ends or events closes.
func (p *Pool) Intake(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			err := p.Submit(ev)
			if errors.Is(err, ErrStopped) {
				return
			}
			if err != nil && !errors.Is(err, domain.ErrQueueSaturated) {
				p.logger.Error("submit event", "scope", ev.Scope, "error", err)
			}
		}
	}
}

// Stop closes the queue, cancels every wait and lets in-flight platform calls
// finish until grace expires. Queued intents that never ran are discarded
// without an outcome; Stop returns how many.
func (p *Pool) Stop(grace time.Duration) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return int(p.discarded.Load())
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.cancelWait()

	if !p.started.Load() {
		for range p.queue {
			p.discarded.Add(1)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("shutdown grace expired, abandoning in-flight calls", "in_flight", p.inFlight.Load())
		p.cancelCall()
		<-done
	}
	p.cancelCall()

	n := int(p.discarded.Load())
	p.logger.Info("dispatch pool stopped", "discarded", n)
	return n
}

// QueueDepth returns the number of queued intents.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// InFlight returns the number of intents being processed.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for in := range p.queue {
		if p.waitCtx.Err() != nil {
			p.discarded.Add(1)
			continue
		}
		p.handle(in)
	}
	p.logger.Debug("dispatch worker exited", "worker", id)
}

// handle runs one intent and records its outcome. Admitted intents are
// recorded in per-scope admission order.
func (p *Pool) handle(in domain.Intent) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveInFlight(1)
		defer p.cfg.Observer.ObserveInFlight(-1)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("outcome recording panic", "scope", in.Scope, "intent", in.ID, "panic", r)
		}
	}()

	var dec ratelimit.Decision
	o, ok := p.execute(in, &dec)
	if !ok {
		p.discarded.Add(1)
		return
	}
	p.cfg.Guard.InOrder(dec, func() { p.record(in, o) })
}

// execute returns the outcome for in, or false when in was discarded during
// shutdown before admission. dec is set as soon as admission happens so a
// panic afterwards still releases its ordering slot.
func (p *Pool) execute(in domain.Intent, dec *ratelimit.Decision) (o domain.Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatch worker panic", "scope", in.Scope, "intent", in.ID, "panic", r)
			o = domain.Outcome{
				Status:     domain.StatusFailed,
				ErrorClass: domain.ClassInternal,
				Error:      fmt.Sprintf("panic: %v", r),
				Attempts:   in.Attempts,
			}
			ok = true
		}
	}()

	cfg, found := p.cfg.Source.ChatConfig(in.Scope)
	gs := p.cfg.Source.GlobalSettings()
	if !found || !cfg.Enabled {
		return domain.Outcome{
			Status:     domain.StatusSkipped,
			ErrorClass: domain.ClassConfigAbsent,
			Error:      domain.ErrConfigurationAbsent.Error(),
		}, true
	}

	lo, hi := gs.DelayBounds(cfg)
	delay := lo
	if hi > lo {
		delay += time.Duration(p.cfg.Rand(int64(hi-lo) + 1))
	}
	if err := p.cfg.Sleep(p.waitCtx, delay); err != nil {
		return domain.Outcome{}, false
	}

	limits := p.cfg.Limits.forScope(in.Scope)
	d, err := p.admit(in, limits, gs)
	if err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) && p.cfg.Degrader != nil {
			p.cfg.Degrader.Degrade("rate limit window", err)
		}
		return domain.Outcome{
			Status:     domain.StatusFailed,
			ErrorClass: domain.Classify(err),
			Error:      err.Error(),
		}, true
	}
	*dec = d
	if !d.Admitted {
		return domain.Outcome{
			Status:     domain.StatusThrottled,
			ErrorClass: domain.ClassRateLimited,
			Error:      fmt.Sprintf("admission denied by %s, retry after %s", d.DeniedBy, d.RetryAfter),
		}, true
	}

	res := p.cfg.Retry.Do(p.waitCtx, gs, func(attemptCtx context.Context) error {
		ctx := trace.ContextWithSpan(p.callCtx, trace.SpanFromContext(attemptCtx))
		return p.cfg.Sender.SendReaction(ctx, in.Scope, in.MessageID, in.Emoji)
	},
		attribute.String("reactbot.scope", string(in.Scope)),
		attribute.String("reactbot.intent", in.ID),
	)

	o = domain.Outcome{
		Status:     res.Status,
		ErrorClass: res.Class,
		Attempts:   in.Attempts + res.Attempts,
		TotalWait:  res.TotalWait,
	}
	if res.Err != nil {
		o.Error = res.Err.Error()
	}
	return o, true
}

// admit runs the guard, and under the requeue policy waits once for the
// window to advance before giving up.
func (p *Pool) admit(in domain.Intent, limits []ratelimit.Limit, gs domain.GlobalSettings) (ratelimit.Decision, error) {
	dec, err := p.cfg.Guard.TryAdmit(p.callCtx, limits, p.cfg.Now())
	if err != nil {
		return dec, err
	}
	p.observe(in, dec)
	if dec.Admitted || p.cfg.DeniedPolicy != domain.DeniedRequeue || dec.RetryAfter > gs.MaxThrottleWait {
		return dec, nil
	}

	p.logger.Debug("admission denied, waiting for window", "scope", in.Scope, "retry_after", dec.RetryAfter)
	if err := p.cfg.Sleep(p.waitCtx, dec.RetryAfter); err != nil {
		return dec, nil
	}
	dec, err = p.cfg.Guard.TryAdmit(p.callCtx, limits, p.cfg.Now())
	if err == nil {
		p.observe(in, dec)
	}
	return dec, err
}

func (p *Pool) observe(in domain.Intent, dec ratelimit.Decision) {
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveAdmission(in, dec)
	}
}

func (p *Pool) record(in domain.Intent, o domain.Outcome) {
	now := p.cfg.Now()
	o.ID = uuid.NewString()
	o.IntentID = in.ID
	o.Scope = in.Scope
	o.MessageID = in.MessageID
	o.Emoji = in.Emoji
	o.RecordedAt = now
	if !in.CreatedAt.IsZero() {
		o.Latency = now.Sub(in.CreatedAt)
	}

	p.logger.Debug("intent finished",
		"scope", in.Scope, "message_id", in.MessageID, "status", o.Status,
		"class", o.ErrorClass, "attempts", o.Attempts, "wait", o.TotalWait)
	p.cfg.Recorder.Record(context.Background(), o)
}
