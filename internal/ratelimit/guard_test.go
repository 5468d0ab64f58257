package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reactbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGuard() *Guard {
	return New(Config{Store: NewMemoryStore(), Logger: testLogger()})
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestTryAdmit_ThreeOfFive(t *testing.T) {
	g := newGuard()
	limits := []Limit{{Key: ChatKey("telegram:S"), Quota: 3, Window: time.Minute}}

	admitted, denied := 0, 0
	for i := 0; i < 5; i++ {
		dec, err := g.TryAdmit(context.Background(), limits, t0.Add(time.Duration(i)*200*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		if dec.Admitted {
			admitted++
		} else {
			denied++
		}
	}
	if admitted != 3 || denied != 2 {
		t.Fatalf("admitted=%d denied=%d, want 3/2", admitted, denied)
	}
}

func TestTryAdmit_WindowSlides(t *testing.T) {
	g := newGuard()
	limits := []Limit{{Key: "k", Quota: 1, Window: 10 * time.Second}}
	ctx := context.Background()

	if dec, _ := g.TryAdmit(ctx, limits, t0); !dec.Admitted {
		t.Fatal("first admission should pass")
	}
	dec, _ := g.TryAdmit(ctx, limits, t0.Add(4*time.Second))
	if dec.Admitted {
		t.Fatal("second admission inside window should be denied")
	}
	if dec.RetryAfter != 6*time.Second || dec.DeniedBy != "k" {
		t.Fatalf("retryAfter=%v deniedBy=%q", dec.RetryAfter, dec.DeniedBy)
	}
	if dec, _ := g.TryAdmit(ctx, limits, t0.Add(10*time.Second+time.Millisecond)); !dec.Admitted {
		t.Fatal("admission after window should pass")
	}
}

func TestTryAdmit_AllOrNothing(t *testing.T) {
	store := NewMemoryStore()
	g := New(Config{Store: store, Logger: testLogger()})
	ctx := context.Background()
	global := Limit{Key: GlobalKey, Quota: 1, Window: time.Minute}

	if dec, _ := g.TryAdmit(ctx, []Limit{{Key: ChatKey("a"), Quota: 5, Window: time.Minute}, global}, t0); !dec.Admitted {
		t.Fatal("expected admission")
	}

	chatB := Limit{Key: ChatKey("b"), Quota: 5, Window: time.Minute}
	dec, _ := g.TryAdmit(ctx, []Limit{chatB, global}, t0.Add(time.Second))
	if dec.Admitted || dec.DeniedBy != GlobalKey {
		t.Fatalf("expected global denial, got %+v", dec)
	}

	stamps, _ := store.LoadWindow(ctx, chatB.Key)
	if len(stamps) != 0 {
		t.Fatalf("denied admission consumed a chat slot: %v", stamps)
	}
}

func TestTryAdmit_SeqPerChat(t *testing.T) {
	g := newGuard()
	ctx := context.Background()
	a := []Limit{{Key: ChatKey("a"), Quota: 10, Window: time.Minute}}
	b := []Limit{{Key: ChatKey("b"), Quota: 10, Window: time.Minute}}

	for i := 1; i <= 3; i++ {
		dec, _ := g.TryAdmit(ctx, a, t0)
		if dec.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", dec.Seq, i)
		}
	}
	if dec, _ := g.TryAdmit(ctx, b, t0); dec.Seq != 1 {
		t.Fatalf("other chat seq = %d", dec.Seq)
	}
}

func TestTryAdmit_DurableAcrossGuards(t *testing.T) {
	store := NewMemoryStore()
	limits := []Limit{{Key: "k", Quota: 2, Window: time.Minute}}
	ctx := context.Background()

	first := New(Config{Store: store, Logger: testLogger()})
	first.TryAdmit(ctx, limits, t0)
	first.TryAdmit(ctx, limits, t0.Add(time.Second))

	restarted := New(Config{Store: store, Logger: testLogger()})
	if dec, _ := restarted.TryAdmit(ctx, limits, t0.Add(2*time.Second)); dec.Admitted {
		t.Fatal("restart must not reset the window")
	}
}

type failingStore struct{ *MemoryStore }

func (f *failingStore) SaveWindow(context.Context, string, []time.Time) error {
	return errors.New("disk full")
}

func TestTryAdmit_StorageError(t *testing.T) {
	g := New(Config{Store: &failingStore{MemoryStore: NewMemoryStore()}, Logger: testLogger()})
	_, err := g.TryAdmit(context.Background(), []Limit{{Key: "k", Quota: 1, Window: time.Second}}, t0)
	if !errors.Is(err, domain.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

// keyFailingStore fails saves for one key only.
type keyFailingStore struct {
	*MemoryStore
	failKey string
}

func (f *keyFailingStore) SaveWindow(ctx context.Context, key string, stamps []time.Time) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveWindow(ctx, key, stamps)
}

func TestTryAdmit_PartialSaveRollsBack(t *testing.T) {
	store := &keyFailingStore{MemoryStore: NewMemoryStore(), failKey: GlobalKey}
	chat := ChatKey("telegram:S")
	earlier := t0.Add(-10 * time.Second)
	store.MemoryStore.SaveWindow(context.Background(), chat, []time.Time{earlier})

	g := New(Config{Store: store, Logger: testLogger()})
	limits := []Limit{
		{Key: chat, Quota: 5, Window: time.Minute},
		{Key: GlobalKey, Quota: 5, Window: time.Minute},
	}
	dec, err := g.TryAdmit(context.Background(), limits, t0)
	if !errors.Is(err, domain.ErrStorageUnavailable) || dec.Admitted {
		t.Fatalf("dec = %+v, err = %v", dec, err)
	}

	stamps, _ := store.LoadWindow(context.Background(), chat)
	if len(stamps) != 1 || !stamps[0].Equal(earlier) {
		t.Fatalf("chat window = %v, want only the earlier stamp", stamps)
	}

	// The next successful admission starts the sequence at 1.
	store.failKey = ""
	dec, err = g.TryAdmit(context.Background(), limits, t0)
	if err != nil || !dec.Admitted || dec.Seq != 1 {
		t.Fatalf("dec = %+v, err = %v", dec, err)
	}
}

func TestTryAdmit_ZeroQuotaDenies(t *testing.T) {
	g := newGuard()
	for _, quota := range []int{0, -1} {
		limits := []Limit{{Key: "k", Quota: quota, Window: time.Minute}}
		dec, err := g.TryAdmit(context.Background(), limits, t0)
		if err != nil {
			t.Fatal(err)
		}
		if dec.Admitted || dec.DeniedBy != "k" || dec.RetryAfter != time.Minute {
			t.Fatalf("quota %d: dec = %+v", quota, dec)
		}
	}
}

func TestTryAdmit_NeverExceedsQuota(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 50; trial++ {
		quota := 1 + r.IntN(5)
		window := time.Duration(1+r.IntN(10)) * time.Second
		limits := []Limit{{Key: "p", Quota: quota, Window: window}}
		g := newGuard()

		now := t0
		var admitted []time.Time
		for i := 0; i < 200; i++ {
			now = now.Add(time.Duration(r.IntN(800)) * time.Millisecond)
			dec, err := g.TryAdmit(context.Background(), limits, now)
			if err != nil {
				t.Fatal(err)
			}
			if dec.Admitted {
				admitted = append(admitted, now)
			}
		}

		for i, end := range admitted {
			n := 0
			for _, s := range admitted[:i+1] {
				if !s.Before(end.Add(-window)) {
					n++
				}
			}
			if n > quota {
				t.Fatalf("trial %d: %d admissions in window ending %v (quota %d)", trial, n, end, quota)
			}
		}
	}
}

func TestTryAdmit_ConcurrentLastSlot(t *testing.T) {
	for round := 0; round < 100; round++ {
		g := newGuard()
		limits := []Limit{{Key: ChatKey("S"), Quota: 3, Window: time.Minute}, {Key: GlobalKey, Quota: 100, Window: time.Minute}}
		ctx := context.Background()
		g.TryAdmit(ctx, limits, t0)
		g.TryAdmit(ctx, limits, t0)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dec, err := g.TryAdmit(ctx, limits, t0.Add(time.Millisecond))
				if err == nil && dec.Admitted {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("round %d: %d workers admitted into one slot", round, wins.Load())
		}
	}
}

func TestTryAdmit_OutOfOrderClocks(t *testing.T) {
	g := newGuard()
	limits := []Limit{{Key: "k", Quota: 1, Window: time.Minute}}
	ctx := context.Background()

	if dec, _ := g.TryAdmit(ctx, limits, t0.Add(time.Second)); !dec.Admitted {
		t.Fatal("expected admission")
	}
	if dec, _ := g.TryAdmit(ctx, limits, t0); dec.Admitted {
		t.Fatal("an earlier clock reading must still see the later admission")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lockAll([]string{"b", "a", "a"})
	if k.size() != 2 {
		t.Fatalf("size = %d", k.size())
	}
	unlock()
	if k.size() != 0 {
		t.Fatalf("entries leaked: %d", k.size())
	}
}

func TestInsertSorted(t *testing.T) {
	s := []time.Time{t0, t0.Add(2 * time.Second)}
	s = insertSorted(s, t0.Add(time.Second))
	if !sort.SliceIsSorted(s, func(i, j int) bool { return s[i].Before(s[j]) }) || len(s) != 3 {
		t.Fatalf("not sorted: %v", s)
	}
}

func TestInOrder_FollowsAdmissionOrder(t *testing.T) {
	g := newGuard()
	limits := []Limit{{Key: ChatKey("S"), Quota: 100, Window: time.Minute}}
	ctx := context.Background()

	const n = 20
	decs := make([]Decision, n)
	for i := range decs {
		decs[i], _ = g.TryAdmit(ctx, limits, t0)
	}

	var mu sync.Mutex
	var order []uint64
	var wg sync.WaitGroup
	// Start them in reverse so later admissions arrive first.
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(d Decision) {
			defer wg.Done()
			g.InOrder(d, func() {
				mu.Lock()
				order = append(order, d.Seq)
				mu.Unlock()
			})
		}(decs[i])
	}
	wg.Wait()

	for i, seq := range order {
		if seq != uint64(i+1) {
			t.Fatalf("position %d ran seq %d: %v", i, seq, order)
		}
	}
}

func TestInOrder_DeniedRunsImmediately(t *testing.T) {
	g := newGuard()
	ran := false
	g.InOrder(Decision{Admitted: false}, func() { ran = true })
	if !ran {
		t.Fatal("denied decision should run fn")
	}
}

func TestInOrder_PanicStillAdvances(t *testing.T) {
	g := newGuard()
	limits := []Limit{{Key: "k", Quota: 10, Window: time.Minute}}
	first, _ := g.TryAdmit(context.Background(), limits, t0)
	second, _ := g.TryAdmit(context.Background(), limits, t0)

	func() {
		defer func() { recover() }()
		g.InOrder(first, func() { panic("boom") })
	}()

	done := make(chan struct{})
	go g.InOrder(second, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second admission blocked after panic in first")
	}
}
