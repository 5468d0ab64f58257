// Package broadcast fans analytics deltas out to live subscribers.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"reactbot/internal/domain"
)

// Filter restricts a subscription to a set of scopes. An empty filter
// matches everything; deltas without a scope match every filter.
type Filter struct {
	scopes map[domain.ScopeID]struct{}
}

func NewFilter(scopes ...domain.ScopeID) Filter {
	if len(scopes) == 0 {
		return Filter{}
	}
	f := Filter{scopes: make(map[domain.ScopeID]struct{}, len(scopes))}
	for _, s := range scopes {
		f.scopes[s] = struct{}{}
	}
	return f
}

func (f Filter) Match(d domain.Delta) bool {
	if len(f.scopes) == 0 || d.Scope == "" {
		return true
	}
	_, ok := f.scopes[d.Scope]
	return ok
}

// Subscription is one live subscriber. Its channel is closed when the
// subscriber is removed, either by Unsubscribe or because it fell behind.
type Subscription struct {
	id      uint64
	filter  Filter
	ch      chan domain.Delta
	evicted atomic.Bool
}

func (s *Subscription) C() <-chan domain.Delta { return s.ch }

// Evicted reports whether the hub dropped this subscriber for a full buffer.
func (s *Subscription) Evicted() bool { return s.evicted.Load() }

type Config struct {
	Buffer int // per-subscriber buffer
	Logger *slog.Logger
}

// Hub implements domain.DeltaPublisher. Publish never blocks: a subscriber
// whose buffer is full is removed and the others are unaffected.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	evicted atomic.Int64
	sent    atomic.Int64
}

func NewHub(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		buffer: cfg.Buffer,
		logger: cfg.Logger,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a subscriber. After Close it returns a subscription
// whose channel is already closed.
func (h *Hub) Subscribe(f Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, filter: f, ch: make(chan domain.Delta, h.buffer)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscriber added", "id", sub.id, "subscribers", len(h.subs))
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish pushes d to every matching subscriber.
func (h *Hub) Publish(d domain.Delta) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		if !sub.filter.Match(d) {
			continue
		}
		select {
		case sub.ch <- d:
			h.sent.Add(1)
		default:
			sub.evicted.Store(true)
			h.evicted.Add(1)
			h.removeLocked(sub)
			h.logger.Warn("subscriber removed: buffer full", "id", sub.id)
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Stats returns the number of deliveries and evictions so far.
func (h *Hub) Stats() (sent, evicted int64) {
	return h.sent.Load(), h.evicted.Load()
}

// Close removes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
}
