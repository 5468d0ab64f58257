package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"reactbot/internal/config"
	"reactbot/internal/store"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, storage and gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true, "auto_react", cfg.Bot.AutoReact)

			if reg, err := config.LoadRegistry(cfg.General.ChatsFile, cfg.Bot.Settings(), logger); err != nil {
				logger.Warn("chat registry", "path", cfg.General.ChatsFile, "err", err)
			} else {
				logger.Info("chat registry", "path", reg.Path(), "chats", len(reg.List()), "enabled", reg.EnabledCount())
			}

			if st, err := openStore(cfg); err != nil {
				logger.Warn("storage", "path", cfg.Storage.DBPath, "err", err)
			} else {
				v, _ := store.GetSchemaVersion(st.DB())
				logger.Info("storage", "path", cfg.Storage.DBPath, "schema_version", v)
				st.Close()
			}

			logger.Info("platforms",
				"telegram", cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "",
				"discord", cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "")

			if !cfg.Web.Enabled {
				logger.Info("gateway", "api", "disabled")
				return nil
			}
			health, err := fetchGatewayHealth(cfg.Web)
			if err != nil {
				logger.Info("gateway", "running", false, "err", err)
				return nil
			}
			logger.Info("gateway", "running", true, "status", health["status"], "uptime", health["uptime"])
			return nil
		},
	}
}

// fetchGatewayHealth asks a running gateway for its /health document.
func fetchGatewayHealth(wc config.WebConfig) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "http://" + net.JoinHostPort(wc.Host, strconv.Itoa(wc.Port)) + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}
