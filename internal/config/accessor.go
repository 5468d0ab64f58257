package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// secretPaths name the values Sanitize masks.
var secretPaths = []string{
	"channels.telegram.token",
	"channels.discord.token",
	"web.apiKey",
}

// tree is the JSON object form of a Config, addressed by dot paths such as
// "rateLimit.chat.quota".
type tree map[string]any

func toTree(cfg *Config) (tree, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var t tree
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return t, nil
}

// lookup returns the parent object of path and the final key.
func (t tree) lookup(path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	node := map[string]any(t)
	for i, key := range parts[:len(parts)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("unknown config section: %s", strings.Join(parts[:i+1], "."))
		}
		node = child
	}
	last := parts[len(parts)-1]
	if _, ok := node[last]; !ok {
		return nil, "", fmt.Errorf("unknown config key: %s", path)
	}
	return node, last, nil
}

// GetByPath returns the value at a dot path. Sections come back as maps.
func GetByPath(cfg *Config, path string) (any, error) {
	t, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := t.lookup(path)
	if err != nil {
		return nil, err
	}
	return parent[key], nil
}

// SetByPath parses raw according to the type of the existing value at path
// and stores it in cfg. Only existing leaves can be set. List values are
// comma separated: "👍,🔥,🎉".
func SetByPath(cfg *Config, path, raw string) error {
	t, err := toTree(cfg)
	if err != nil {
		return err
	}
	parent, key, err := t.lookup(path)
	if err != nil {
		return err
	}

	var v any
	switch cur := parent[key].(type) {
	case map[string]any:
		return fmt.Errorf("%s is a section; set one of its keys", path)
	case bool:
		v, err = strconv.ParseBool(raw)
	case float64:
		v, err = strconv.ParseFloat(raw, 64)
	case []any, nil:
		v = splitList(raw)
	case string:
		v = raw
	default:
		return fmt.Errorf("%s: unsupported value type %T", path, cur)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[key] = v

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	// Decode into a fresh value so a type mismatch leaves cfg untouched.
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = next
	return nil
}

func splitList(raw string) []any {
	out := []any{}
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Sanitize returns a copy of cfg with tokens and keys masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Bot.DefaultEmojis = append([]string(nil), cfg.Bot.DefaultEmojis...)
	out.Channels.Telegram.AllowFrom = append(FlexStringList(nil), cfg.Channels.Telegram.AllowFrom...)
	for _, p := range []*string{
		&out.Channels.Telegram.Token,
		&out.Channels.Discord.Token,
		&out.Web.APIKey,
	} {
		if *p != "" {
			*p = maskString(*p)
		}
	}
	return &out
}

// IsSecret reports whether path names a masked value.
func IsSecret(path string) bool {
	for _, p := range secretPaths {
		if p == path {
			return true
		}
	}
	return false
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens cfg into dot paths and their current values.
func ListPaths(cfg *Config) map[string]any {
	t, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", t, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}
