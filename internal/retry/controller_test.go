package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"reactbot/internal/domain"
)

type fakeSleeper struct {
	waits []time.Duration
	err   error
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.waits = append(f.waits, d)
	return f.err
}

func newController() (*Controller, *fakeSleeper) {
	fs := &fakeSleeper{}
	c := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Sleep: fs.sleep})
	return c, fs
}

var settings = domain.GlobalSettings{
	MaxRetries:          3,
	RetryDelay:          time.Second,
	FloodWaitMultiplier: 2,
	MaxRetryDelay:       3 * time.Second,
	MaxThrottleWait:     30 * time.Second,
}

// scripted returns the errors in order, then nil.
func scripted(errs ...error) (Call, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= len(errs) {
			return errs[calls-1]
		}
		return nil
	}, &calls
}

func TestDo_ThrottleTwiceThenSuccess(t *testing.T) {
	c, fs := newController()
	call, _ := scripted(&domain.ThrottleError{Wait: 5 * time.Second}, &domain.ThrottleError{Wait: 5 * time.Second})

	res := c.Do(context.Background(), settings, call)
	if res.Status != domain.StatusSent {
		t.Fatalf("status = %s (%v)", res.Status, res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	if res.TotalWait < 10*time.Second {
		t.Fatalf("total wait = %v", res.TotalWait)
	}
	if len(fs.waits) != 2 || fs.waits[0] != 5*time.Second || fs.waits[1] != 5*time.Second {
		t.Fatalf("waits = %v", fs.waits)
	}
}

func TestDo_PermanentFailsImmediately(t *testing.T) {
	c, fs := newController()
	call, calls := scripted(domain.Permanent(403, errors.New("forbidden")))

	res := c.Do(context.Background(), settings, call)
	if res.Status != domain.StatusFailed || res.Class != domain.ClassPermanent {
		t.Fatalf("got %+v", res)
	}
	if res.Attempts != 1 || *calls != 1 {
		t.Fatalf("attempts = %d calls = %d", res.Attempts, *calls)
	}
	if len(fs.waits) != 0 || res.TotalWait != 0 {
		t.Fatalf("permanent error incurred delay: %v", fs.waits)
	}
}

func TestDo_TransientBackoffAndExhaustion(t *testing.T) {
	c, fs := newController()
	boom := errors.New("connection reset")
	call, calls := scripted(boom, boom, boom, boom, boom)

	res := c.Do(context.Background(), settings, call)
	if res.Status != domain.StatusFailed || res.Class != domain.ClassTransient {
		t.Fatalf("got %+v", res)
	}
	if res.Attempts != 4 || *calls != 4 {
		t.Fatalf("attempts = %d, want maxRetries+1", res.Attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(fs.waits) != len(want) {
		t.Fatalf("waits = %v", fs.waits)
	}
	for i := range want {
		if fs.waits[i] != want[i] {
			t.Fatalf("wait %d = %v, want %v", i, fs.waits[i], want[i])
		}
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestDo_TransientRecovers(t *testing.T) {
	c, _ := newController()
	call, _ := scripted(domain.Transient(502, errors.New("bad gateway")))
	res := c.Do(context.Background(), settings, call)
	if res.Status != domain.StatusSent || res.Attempts != 2 || res.TotalWait != time.Second {
		t.Fatalf("got %+v", res)
	}
}

func TestDo_ThrottleDoesNotConsumeRetryBudget(t *testing.T) {
	c, _ := newController()
	gs := settings
	gs.MaxRetries = 1
	transient := errors.New("timeout")
	throttle := &domain.ThrottleError{Wait: 2 * time.Second}
	call, _ := scripted(throttle, throttle, throttle, transient)

	res := c.Do(context.Background(), gs, call)
	if res.Status != domain.StatusSent || res.Attempts != 5 {
		t.Fatalf("got %+v", res)
	}
}

func TestDo_ThrottleCap(t *testing.T) {
	c, fs := newController()
	gs := settings
	gs.MaxThrottleWait = 12 * time.Second
	throttle := &domain.ThrottleError{Wait: 5 * time.Second}
	call, calls := scripted(throttle, throttle, throttle, throttle)

	res := c.Do(context.Background(), gs, call)
	if res.Status != domain.StatusThrottled || res.Class != domain.ClassThrottled {
		t.Fatalf("got %+v", res)
	}
	if res.Attempts != 3 || *calls != 3 {
		t.Fatalf("attempts = %d", res.Attempts)
	}
	if res.TotalWait != 10*time.Second || len(fs.waits) != 2 {
		t.Fatalf("total wait = %v waits = %v", res.TotalWait, fs.waits)
	}
}

func TestDo_ZeroThrottleWaitHasFloor(t *testing.T) {
	c, fs := newController()
	call, _ := scripted(&domain.ThrottleError{})
	c.Do(context.Background(), settings, call)
	if len(fs.waits) != 1 || fs.waits[0] != minThrottleWait {
		t.Fatalf("waits = %v", fs.waits)
	}
}

func TestDo_CanceledDuringWait(t *testing.T) {
	c, fs := newController()
	fs.err = context.Canceled
	call, calls := scripted(errors.New("flaky"))

	res := c.Do(context.Background(), settings, call)
	if res.Status != domain.StatusFailed || res.Class != domain.ClassCanceled {
		t.Fatalf("got %+v", res)
	}
	if *calls != 1 || res.TotalWait != 0 {
		t.Fatalf("calls = %d wait = %v", *calls, res.TotalWait)
	}
}

func TestDo_CanceledBeforeFirstAttempt(t *testing.T) {
	c, _ := newController()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	call, calls := scripted()
	res := c.Do(ctx, settings, call)
	if res.Class != domain.ClassCanceled || *calls != 0 || res.Attempts != 0 {
		t.Fatalf("got %+v calls=%d", res, *calls)
	}
}

func TestBackoff(t *testing.T) {
	gs := domain.GlobalSettings{RetryDelay: time.Second, FloodWaitMultiplier: 1.5, MaxRetryDelay: 60 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(gs, tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestSleep_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep ignored cancellation")
	}
}
