package config

import "reactbot/internal/domain"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.reactbot",
			LogLevel:  "info",
			ChatsFile: "~/.reactbot/chats.yaml",
		},
		Bot: BotConfig{
			AutoReact:              true,
			DefaultEmojis:          []string{"❤️", "🔥", "👍", "😍", "✨"},
			DefaultDelayMinSeconds: 1,
			DefaultDelayMaxSeconds: 5,
			MaxRetries:             3,
			RetryDelaySeconds:      1,
			FloodWaitMultiplier:    1.5,
			MaxRetryDelaySeconds:   60,
			MaxThrottleWaitSeconds: 300,
		},
		Dispatch: DispatchConfig{
			Workers:              4,
			QueueSize:            1000,
			ShutdownGraceSeconds: 10,
			DeniedPolicy:         domain.DeniedTerminal,
			EventBuffer:          256,
		},
		RateLimit: RateLimitConfig{
			Chat:   LimitConfig{Quota: 20, WindowSeconds: 60},
			Global: LimitConfig{Quota: 30, WindowSeconds: 1},
		},
		Storage: StorageConfig{
			DBPath:         "~/.reactbot/reactbot.db",
			RetryAttempts:  3,
			RetryBackoffMs: 50,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8000,
		},
		Broadcast: BroadcastConfig{
			SubscriberBuffer:     64,
			StatsIntervalSeconds: 5,
			RateWindowSeconds:    60,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
