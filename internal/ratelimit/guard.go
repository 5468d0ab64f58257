// Package ratelimit implements sliding-window admission control across
// several keys at once (per chat and global).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"reactbot/internal/domain"
)

// GlobalKey is the window shared by every chat.
const GlobalKey = "global"

// ChatKey returns the window key for one scope.
func ChatKey(scope domain.ScopeID) string {
	return "chat:" + string(scope)
}

// Limit is one sliding window to check: at most Quota admissions within any
// trailing Window.
type Limit struct {
	Key    string
	Quota  int
	Window time.Duration
}

// Decision is the result of one admission attempt.
type Decision struct {
	Admitted bool
	// Seq is the admission sequence number of the first limit's key. It
	// increases by one per admission and orders outcomes within a scope.
	Seq uint64
	// RetryAfter is the earliest time from now at which every denying window
	// would have a free slot.
	RetryAfter time.Duration
	DeniedBy   string

	seqKey string
}

type Config struct {
	Store  domain.WindowStore
	Logger *slog.Logger
}

// Guard admits actions only when every requested window has capacity.
type Guard struct {
	store  domain.WindowStore
	logger *slog.Logger
	locks  *keyedMutex

	seqMu sync.Mutex
	seqs  map[string]uint64

	orderMu   sync.Mutex
	orderCond *sync.Cond
	completed map[string]uint64
}

func New(cfg Config) *Guard {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Guard{
		store:     cfg.Store,
		logger:    cfg.Logger,
		locks:     newKeyedMutex(),
		seqs:      make(map[string]uint64),
		completed: make(map[string]uint64),
	}
	g.orderCond = sync.NewCond(&g.orderMu)
	return g
}

// TryAdmit checks all limits at now. Either every window records now, or
// none does. Only the keys involved are locked, so unrelated scopes proceed
// in parallel.
func (g *Guard) TryAdmit(ctx context.Context, limits []Limit, now time.Time) (Decision, error) {
	if len(limits) == 0 {
		return Decision{Admitted: true}, nil
	}

	keys := make([]string, len(limits))
	for i, l := range limits {
		keys[i] = l.Key
	}
	unlock := g.locks.lockAll(keys)
	defer unlock()

	loaded := make([][]time.Time, len(limits))
	pruned := make([][]time.Time, len(limits))
	var dec Decision
	for i, l := range limits {
		stamps, err := g.store.LoadWindow(ctx, l.Key)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: load window %s: %v", domain.ErrStorageUnavailable, l.Key, err)
		}
		loaded[i] = stamps
		stamps = prune(stamps, now, l.Window)
		pruned[i] = stamps

		if l.Quota <= 0 {
			// A window with no quota never admits.
			if l.Window > dec.RetryAfter {
				dec.RetryAfter = l.Window
			}
			if dec.DeniedBy == "" {
				dec.DeniedBy = l.Key
			}
			continue
		}
		if len(stamps) >= l.Quota {
			// The slot frees when the oldest stamp that keeps us at quota expires.
			oldest := stamps[len(stamps)-l.Quota]
			wait := oldest.Add(l.Window).Sub(now)
			if wait > dec.RetryAfter {
				dec.RetryAfter = wait
			}
			if dec.DeniedBy == "" {
				dec.DeniedBy = l.Key
			}
		}
	}

	if dec.DeniedBy != "" {
		g.logger.Debug("admission denied", "key", dec.DeniedBy, "retry_after", dec.RetryAfter)
		return dec, nil
	}

	for i, l := range limits {
		if err := g.store.SaveWindow(ctx, l.Key, insertSorted(pruned[i], now)); err != nil {
			g.rollback(limits[:i], loaded[:i])
			return Decision{}, fmt.Errorf("%w: save window %s: %v", domain.ErrStorageUnavailable, l.Key, err)
		}
	}

	g.seqMu.Lock()
	g.seqs[keys[0]]++
	seq := g.seqs[keys[0]]
	g.seqMu.Unlock()

	return Decision{Admitted: true, Seq: seq, seqKey: keys[0]}, nil
}

// rollback restores windows already saved during a failed admission so the
// intent holds no slot anywhere. It runs without the caller's context: a
// canceled admission must still be undone.
func (g *Guard) rollback(limits []Limit, windows [][]time.Time) {
	for i, l := range limits {
		if err := g.store.SaveWindow(context.Background(), l.Key, windows[i]); err != nil {
			g.logger.Error("rate limit window rollback failed", "key", l.Key, "error", err)
		}
	}
}

// InOrder runs fn after every earlier admission on the same key has finished
// its own InOrder call. Every admitted Decision must be passed to InOrder
// exactly once, or later admissions on that key wait forever. Denied
// decisions run fn immediately.
func (g *Guard) InOrder(dec Decision, fn func()) {
	if !dec.Admitted || dec.Seq == 0 {
		fn()
		return
	}

	g.orderMu.Lock()
	for g.completed[dec.seqKey] < dec.Seq-1 {
		g.orderCond.Wait()
	}
	g.orderMu.Unlock()

	defer func() {
		g.orderMu.Lock()
		g.completed[dec.seqKey] = dec.Seq
		g.orderCond.Broadcast()
		g.orderMu.Unlock()
	}()
	fn()
}

// prune drops stamps older than now-window. Stamps later than now are kept:
// a caller that sampled its clock before a concurrent admitter still has to
// count that admission.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := stamps[:0:0]
	for _, s := range stamps {
		if s.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func insertSorted(stamps []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(t) })
	stamps = append(stamps, time.Time{})
	copy(stamps[i+1:], stamps[i:])
	stamps[i] = t
	return stamps
}
