// Package platform adapts messaging platforms to the dispatch core: inbound
// messages become domain events and reactions go out through SendReaction.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"reactbot/internal/domain"
)

// Platform is one connected messaging platform.
type Platform interface {
	Name() string
	// Start connects and publishes inbound events until ctx ends.
	Start(ctx context.Context, events domain.EventBus) error
	SendReaction(ctx context.Context, scope domain.ScopeID, messageID, emoji string) error
	Status() Status
}

// Status is a platform's connection state as shown by /health.
type Status struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Account   string `json:"account,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Router sends each reaction to the platform named by the scope prefix.
type Router struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func NewRouter(platforms ...Platform) *Router {
	r := &Router{platforms: make(map[string]Platform)}
	for _, p := range platforms {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any platform with the same name.
func (r *Router) Register(p Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[p.Name()] = p
}

func (r *Router) Get(name string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[name]
	return p, ok
}

// SendReaction implements domain.ReactionSender. A scope whose platform is
// not registered fails permanently.
func (r *Router) SendReaction(ctx context.Context, scope domain.ScopeID, messageID, emoji string) error {
	p, ok := r.Get(scope.Platform())
	if !ok {
		return domain.Permanent(0, fmt.Errorf("no platform registered for scope %q", scope))
	}
	return p.SendReaction(ctx, scope, messageID, emoji)
}

// Statuses returns every platform's status sorted by name.
func (r *Router) Statuses() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p.Status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered platform names, sorted.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.platforms))
	for n := range r.platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll runs every platform's Start in its own goroutine. Errors are sent
// to the returned channel, which is closed once every platform has returned.
func (r *Router) StartAll(ctx context.Context, events domain.EventBus) <-chan error {
	r.mu.RLock()
	platforms := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, p)
	}
	r.mu.RUnlock()

	errs := make(chan error, len(platforms))
	var wg sync.WaitGroup
	for _, p := range platforms {
		wg.Add(1)
		go func(p Platform) {
			defer wg.Done()
			if err := p.Start(ctx, events); err != nil {
				errs <- fmt.Errorf("%s: %w", p.Name(), err)
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(errs)
	}()
	return errs
}
