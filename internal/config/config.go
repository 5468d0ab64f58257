package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"reactbot/internal/domain"
)

// Config is the root configuration for reactbot.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Bot       BotConfig       `json:"bot"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Storage   StorageConfig   `json:"storage"`
	Channels  ChannelsConfig  `json:"channels"`
	Web       WebConfig       `json:"web"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	LogFile   string `json:"logFile"`   // optional log file path
	ChatsFile string `json:"chatsFile"` // YAML chat registry
}

// BotConfig holds the global reaction settings. Durations are in seconds so
// the file stays hand-editable.
type BotConfig struct {
	AutoReact              bool     `json:"autoReact"`
	DefaultEmojis          []string `json:"defaultEmojis"`
	DefaultDelayMinSeconds float64  `json:"defaultDelayMinSeconds"`
	DefaultDelayMaxSeconds float64  `json:"defaultDelayMaxSeconds"`
	MaxRetries             int      `json:"maxRetries"`
	RetryDelaySeconds      float64  `json:"retryDelaySeconds"`
	FloodWaitMultiplier    float64  `json:"floodWaitMultiplier"`
	MaxRetryDelaySeconds   float64  `json:"maxRetryDelaySeconds"`
	MaxThrottleWaitSeconds float64  `json:"maxThrottleWaitSeconds"` // cap on cumulative platform waits per intent
}

// Settings converts the file representation into domain settings.
func (b BotConfig) Settings() domain.GlobalSettings {
	return domain.GlobalSettings{
		AutoReact:           b.AutoReact,
		DefaultEmojis:       append([]string(nil), b.DefaultEmojis...),
		DefaultDelayMin:     Seconds(b.DefaultDelayMinSeconds),
		DefaultDelayMax:     Seconds(b.DefaultDelayMaxSeconds),
		MaxRetries:          b.MaxRetries,
		RetryDelay:          Seconds(b.RetryDelaySeconds),
		FloodWaitMultiplier: b.FloodWaitMultiplier,
		MaxRetryDelay:       Seconds(b.MaxRetryDelaySeconds),
		MaxThrottleWait:     Seconds(b.MaxThrottleWaitSeconds),
	}
}

type DispatchConfig struct {
	Workers              int                 `json:"workers"`
	QueueSize            int                 `json:"queueSize"`
	ShutdownGraceSeconds int                 `json:"shutdownGraceSeconds"`
	DeniedPolicy         domain.DeniedPolicy `json:"deniedPolicy"` // "terminal" | "requeue"
	EventBuffer          int                 `json:"eventBuffer"`
}

type RateLimitConfig struct {
	Chat   LimitConfig `json:"chat"`
	Global LimitConfig `json:"global"`
}

type LimitConfig struct {
	Quota         int `json:"quota"`
	WindowSeconds int `json:"windowSeconds"`
}

// Window returns the window length as a duration.
func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

type StorageConfig struct {
	DBPath         string `json:"dbPath"`
	RetryAttempts  int    `json:"retryAttempts"`
	RetryBackoffMs int    `json:"retryBackoffMs"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"` // user IDs allowed to run bot commands
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId"` // optional: restrict to specific guild
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey"` // bearer key for mutating endpoints; empty disables the check
}

type BroadcastConfig struct {
	SubscriberBuffer     int `json:"subscriberBuffer"`
	StatsIntervalSeconds int `json:"statsIntervalSeconds"`
	RateWindowSeconds    int `json:"rateWindowSeconds"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// Seconds converts fractional seconds to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// DefaultConfigDir returns the default config directory (~/.reactbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reactbot"
	}
	return filepath.Join(home, ".reactbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.ChatsFile = ExpandPath(cfg.General.ChatsFile)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	b := cfg.Bot
	if b.MaxRetries < 0 || b.MaxRetries > 20 {
		errs = append(errs, "bot.maxRetries must be between 0 and 20")
	}
	if b.RetryDelaySeconds < 0 {
		errs = append(errs, "bot.retryDelaySeconds must be >= 0")
	}
	if b.FloodWaitMultiplier < 1 {
		errs = append(errs, "bot.floodWaitMultiplier must be >= 1")
	}
	if b.MaxRetryDelaySeconds < b.RetryDelaySeconds {
		errs = append(errs, "bot.maxRetryDelaySeconds must be >= bot.retryDelaySeconds")
	}
	if b.MaxThrottleWaitSeconds <= 0 {
		errs = append(errs, "bot.maxThrottleWaitSeconds must be > 0")
	}
	if b.DefaultDelayMinSeconds < 0 || b.DefaultDelayMaxSeconds < b.DefaultDelayMinSeconds {
		errs = append(errs, "bot.defaultDelayMinSeconds must be >= 0 and <= bot.defaultDelayMaxSeconds")
	}

	d := cfg.Dispatch
	if d.Workers < 1 || d.Workers > 256 {
		errs = append(errs, "dispatch.workers must be between 1 and 256")
	}
	if d.QueueSize < 1 {
		errs = append(errs, "dispatch.queueSize must be >= 1")
	}
	if d.ShutdownGraceSeconds < 0 {
		errs = append(errs, "dispatch.shutdownGraceSeconds must be >= 0")
	}
	switch d.DeniedPolicy {
	case domain.DeniedTerminal, domain.DeniedRequeue:
	default:
		errs = append(errs, "dispatch.deniedPolicy must be one of: terminal, requeue")
	}

	for name, l := range map[string]LimitConfig{"chat": cfg.RateLimit.Chat, "global": cfg.RateLimit.Global} {
		if l.Quota < 1 {
			errs = append(errs, fmt.Sprintf("rateLimit.%s.quota must be >= 1", name))
		}
		if l.WindowSeconds < 1 {
			errs = append(errs, fmt.Sprintf("rateLimit.%s.windowSeconds must be >= 1", name))
		}
	}

	if cfg.Storage.RetryAttempts < 1 {
		errs = append(errs, "storage.retryAttempts must be >= 1")
	}
	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		errs = append(errs, "web.port must be between 0 and 65535")
	}
	if cfg.Broadcast.SubscriberBuffer < 1 {
		errs = append(errs, "broadcast.subscriberBuffer must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
