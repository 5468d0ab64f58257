// Package retry wraps a single platform call with throttle waits and bounded
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"reactbot/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "reactbot/retry"

// minThrottleWait keeps a zero "retry after" from turning into a hot loop.
const minThrottleWait = time.Second

// Call is one platform invocation.
type Call func(ctx context.Context) error

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result is the terminal state of a retried call.
type Result struct {
	Status    domain.Status
	Attempts  int
	TotalWait time.Duration
	Class     domain.ErrorClass
	Err       error
}

type Config struct {
	Logger *slog.Logger
	Sleep  SleepFunc    // defaults to a timer wait
	Tracer trace.Tracer // defaults to the global provider
}

// Controller runs calls under the retry policy of the current global settings.
type Controller struct {
	logger *slog.Logger
	sleep  SleepFunc
	tracer trace.Tracer
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Controller{logger: cfg.Logger, sleep: cfg.Sleep, tracer: cfg.Tracer}
}

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the delay before transient retry n (0-based):
// RetryDelay * FloodWaitMultiplier^n, capped at MaxRetryDelay.
func Backoff(gs domain.GlobalSettings, n int) time.Duration {
	mult := gs.FloodWaitMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(gs.RetryDelay) * math.Pow(mult, float64(n))
	if gs.MaxRetryDelay > 0 && d > float64(gs.MaxRetryDelay) {
		return gs.MaxRetryDelay
	}
	return time.Duration(d)
}

// Do runs call until it succeeds, fails permanently, exhausts the transient
// budget or exceeds the throttle wait cap. Platform throttle waits are slept
// exactly as indicated and do not consume transient retries. The calling
// goroutine is the only one that waits.
func (c *Controller) Do(ctx context.Context, gs domain.GlobalSettings, call Call, attrs ...attribute.KeyValue) Result {
	var res Result
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return c.canceled(res, err)
		}

		res.Attempts++
		err := c.attempt(ctx, res.Attempts, call, attrs)
		if err == nil {
			res.Status = domain.StatusSent
			res.Class = domain.ClassNone
			res.Err = nil
			return res
		}
		res.Err = err
		res.Class = domain.Classify(err)

		var wait time.Duration
		switch res.Class {
		case domain.ClassThrottled:
			var te *domain.ThrottleError
			errors.As(err, &te)
			wait = max(te.Wait, minThrottleWait)
			if res.TotalWait+wait > gs.MaxThrottleWait {
				c.logger.Warn("throttle wait cap reached",
					"attempts", res.Attempts, "waited", res.TotalWait, "requested", wait, "cap", gs.MaxThrottleWait)
				res.Status = domain.StatusThrottled
				return res
			}
			c.logger.Warn("platform throttle, waiting", "attempt", res.Attempts, "wait", wait)

		case domain.ClassTransient:
			if retries >= gs.MaxRetries {
				c.logger.Warn("retries exhausted", "attempts", res.Attempts, "error", err)
				res.Status = domain.StatusFailed
				return res
			}
			wait = Backoff(gs, retries)
			retries++
			c.logger.Warn("transient error, will retry", "attempt", res.Attempts, "backoff", wait, "error", err)

		case domain.ClassCanceled:
			return c.canceled(res, err)

		default:
			res.Status = domain.StatusFailed
			return res
		}

		if err := c.sleep(ctx, wait); err != nil {
			return c.canceled(res, err)
		}
		res.TotalWait += wait
	}
}

func (c *Controller) canceled(res Result, err error) Result {
	res.Status = domain.StatusFailed
	res.Class = domain.ClassCanceled
	res.Err = err
	return res
}

func (c *Controller) attempt(ctx context.Context, n int, call Call, attrs []attribute.KeyValue) error {
	spanCtx, span := c.tracer.Start(ctx, "reaction.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{attribute.Int("reactbot.attempt", n)}, attrs...)...),
	)
	defer span.End()

	err := call(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("reactbot.error_class", string(domain.Classify(err))))
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
