package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"reactbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// chatFile is the on-disk layout of the chat registry.
type chatFile struct {
	Chats []chatEntry `yaml:"chats"`
}

// chatEntry mirrors domain.ChatConfig with YAML-friendly types. Pointer
// booleans distinguish "unset" from "false" so defaults can apply.
type chatEntry struct {
	Scope           string   `yaml:"scope"`
	Title           string   `yaml:"title,omitempty"`
	Enabled         *bool    `yaml:"enabled,omitempty"`
	Mode            string   `yaml:"mode,omitempty"`
	Emojis          []string `yaml:"emojis,omitempty"`
	DelayMinSeconds float64  `yaml:"delayMinSeconds,omitempty"`
	DelayMaxSeconds float64  `yaml:"delayMaxSeconds,omitempty"`
	ReactToMedia    *bool    `yaml:"reactToMedia,omitempty"`
	ReactToText     *bool    `yaml:"reactToText,omitempty"`
	ReactToForwards *bool    `yaml:"reactToForwards,omitempty"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func (e chatEntry) toChat() (domain.ChatConfig, error) {
	mode, err := domain.ParseReactionMode(e.Mode)
	if err != nil {
		return domain.ChatConfig{}, fmt.Errorf("chat %s: %w", e.Scope, err)
	}
	cfg := domain.ChatConfig{
		Scope:           domain.ScopeID(strings.TrimSpace(e.Scope)),
		Title:           e.Title,
		Enabled:         boolOr(e.Enabled, true),
		Mode:            mode,
		Emojis:          e.Emojis,
		DelayMin:        Seconds(e.DelayMinSeconds),
		DelayMax:        Seconds(e.DelayMaxSeconds),
		ReactToMedia:    boolOr(e.ReactToMedia, true),
		ReactToText:     boolOr(e.ReactToText, true),
		ReactToForwards: boolOr(e.ReactToForwards, false),
	}
	return cfg, ValidateChat(cfg)
}

func fromChat(c domain.ChatConfig) chatEntry {
	enabled, media, text, fwd := c.Enabled, c.ReactToMedia, c.ReactToText, c.ReactToForwards
	return chatEntry{
		Scope:           string(c.Scope),
		Title:           c.Title,
		Enabled:         &enabled,
		Mode:            string(c.Mode),
		Emojis:          c.Emojis,
		DelayMinSeconds: c.DelayMin.Seconds(),
		DelayMaxSeconds: c.DelayMax.Seconds(),
		ReactToMedia:    &media,
		ReactToText:     &text,
		ReactToForwards: &fwd,
	}
}

// ValidateChat checks a single chat configuration.
func ValidateChat(c domain.ChatConfig) error {
	if c.Scope.Platform() == "" || c.Scope.ChatID() == "" {
		return fmt.Errorf("chat scope %q must look like <platform>:<chat id>", c.Scope)
	}
	if _, err := domain.ParseReactionMode(string(c.Mode)); err != nil {
		return err
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		return fmt.Errorf("chat %s: delay bounds must satisfy 0 <= min <= max", c.Scope)
	}
	for _, e := range c.Emojis {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("chat %s: empty emoji in candidate set", c.Scope)
		}
	}
	return nil
}

// Registry is the configuration store for chats. It implements
// domain.ConfigSource and is safe for concurrent use.
type Registry struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	chats    map[domain.ScopeID]domain.ChatConfig
	settings domain.GlobalSettings
}

// NewRegistry creates an empty registry persisted at path.
func NewRegistry(path string, settings domain.GlobalSettings, logger *slog.Logger) *Registry {
	return &Registry{
		path:     path,
		logger:   logger,
		chats:    make(map[domain.ScopeID]domain.ChatConfig),
		settings: settings,
	}
}

// LoadRegistry creates a registry and loads path. A missing file yields an
// empty registry.
func LoadRegistry(path string, settings domain.GlobalSettings, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(path, settings, logger)
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the YAML file and atomically replaces the chat set.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Debug("chat registry file does not exist, starting empty", "path", r.path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chat registry: %w", err)
	}

	var f chatFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse chat registry %s: %w", r.path, err)
	}

	chats := make(map[domain.ScopeID]domain.ChatConfig, len(f.Chats))
	for _, e := range f.Chats {
		c, err := e.toChat()
		if err != nil {
			return err
		}
		if _, dup := chats[c.Scope]; dup {
			return fmt.Errorf("chat registry: duplicate scope %s", c.Scope)
		}
		chats[c.Scope] = c
	}

	r.mu.Lock()
	r.chats = chats
	r.mu.Unlock()

	r.logger.Info("chat registry loaded", "path", r.path, "chats", len(chats))
	return nil
}

// ChatConfig returns a copy of the configuration for scope.
func (r *Registry) ChatConfig(scope domain.ScopeID) (*domain.ChatConfig, bool) {
	r.mu.RLock()
	c, ok := r.chats[scope]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	c.Emojis = append([]string(nil), c.Emojis...)
	return &c, true
}

func (r *Registry) GlobalSettings() domain.GlobalSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gs := r.settings
	gs.DefaultEmojis = append([]string(nil), gs.DefaultEmojis...)
	return gs
}

// SetGlobalSettings replaces the global settings snapshot.
func (r *Registry) SetGlobalSettings(gs domain.GlobalSettings) {
	r.mu.Lock()
	r.settings = gs
	r.mu.Unlock()
}

// List returns all chats sorted by scope.
func (r *Registry) List() []domain.ChatConfig {
	r.mu.RLock()
	out := make([]domain.ChatConfig, 0, len(r.chats))
	for _, c := range r.chats {
		c.Emojis = append([]string(nil), c.Emojis...)
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// EnabledCount returns the number of enabled chats.
func (r *Registry) EnabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.chats {
		if c.Enabled {
			n++
		}
	}
	return n
}

// Upsert validates and stores c. It reports whether the chat was new.
func (r *Registry) Upsert(c domain.ChatConfig) (bool, error) {
	if c.Mode == "" {
		c.Mode = domain.ModeRandom
	}
	if err := ValidateChat(c); err != nil {
		return false, err
	}
	c.Emojis = append([]string(nil), c.Emojis...)

	r.mu.Lock()
	_, existed := r.chats[c.Scope]
	r.chats[c.Scope] = c
	r.mu.Unlock()
	return !existed, nil
}

// Remove deletes scope and reports whether it existed.
func (r *Registry) Remove(scope domain.ScopeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chats[scope]; !ok {
		return false
	}
	delete(r.chats, scope)
	return true
}

// Save writes the registry to disk via a temp file and rename.
func (r *Registry) Save() error {
	chats := r.List()
	f := chatFile{Chats: make([]chatEntry, 0, len(chats))}
	for _, c := range chats {
		f.Chats = append(f.Chats, fromChat(c))
	}

	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal chat registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create chat registry directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write chat registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Path returns the backing file path.
func (r *Registry) Path() string { return r.path }
