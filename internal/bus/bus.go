// Package bus carries normalized inbound events from platform adapters to the
// dispatch intake.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"reactbot/internal/domain"
)

const defaultPublishTimeout = 2 * time.Second

type Config struct {
	BufferSize     int
	PublishTimeout time.Duration // how long Publish waits on a full buffer
	Logger         *slog.Logger
}

// InMemoryBus is a Go-channel based event bus for in-process communication.
type InMemoryBus struct {
	inbound chan domain.Event
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// New creates a new InMemoryBus.
func New(cfg Config) *InMemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.Event, cfg.BufferSize),
		timeout: cfg.PublishTimeout,
		logger:  cfg.Logger,
	}
}

// Publish hands ev to the intake. On a full buffer it waits up to the
// publish timeout, then drops the event. It reports whether ev was accepted.
func (b *InMemoryBus) Publish(ev domain.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "scope", ev.Scope)
		return false
	}

	select {
	case b.inbound <- ev:
		return true
	default:
	}

	b.logger.Warn("inbound bus full, waiting", "scope", ev.Scope)
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.inbound <- ev:
		return true
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Error("event dropped: bus full", "scope", ev.Scope, "message_id", ev.MessageID, "waited", b.timeout)
		return false
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Event {
	return b.inbound
}

// Dropped returns the number of events dropped on a full buffer.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Pending returns the number of buffered events.
func (b *InMemoryBus) Pending() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
