package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"reactbot/internal/config"
	"reactbot/internal/store"

	"github.com/spf13/cobra"
)

type checkReport struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	fmt.Fprintf(r.w, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkReport) fail(check, detail string) {
	fmt.Fprintf(r.w, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkReport) warn(check, detail string) {
	fmt.Fprintf(r.w, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your reactbot installation",
		Long: `Verifies that the configuration, chat registry, database and platform
credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &checkReport{w: cmd.OutOrStdout()}
			fmt.Fprintf(r.w, "reactbot doctor v%s\n", version)
			fmt.Fprintf(r.w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.w, "\nRun 'reactbot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			reg, err := config.LoadRegistry(cfg.General.ChatsFile, cfg.Bot.Settings(), logger)
			switch {
			case err != nil:
				r.fail("Chat registry", err.Error())
			case len(reg.List()) == 0:
				r.warn("Chat registry", "no chats configured (reactbot chats add ...)")
			default:
				r.pass("Chat registry", fmt.Sprintf("%d chats, %d enabled", len(reg.List()), reg.EnabledCount()))
			}

			if err := checkDatabase(cfg); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Storage.DBPath)
			}

			platforms := 0
			for _, p := range []struct {
				name    string
				enabled bool
				token   string
			}{
				{"Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token},
				{"Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token},
			} {
				if !p.enabled {
					continue
				}
				platforms++
				if p.token == "" || p.token[0] == '$' {
					r.warn(p.name, "enabled but the token is empty or an unresolved ${VAR}")
				} else {
					r.pass(p.name, "token configured")
				}
			}
			if platforms == 0 {
				r.fail("Platforms", "no platform enabled")
			}

			if cfg.Web.Enabled {
				if err := checkPort(cfg.Web.Host, cfg.Web.Port); err != nil {
					r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.Web.Port, err))
				} else {
					r.pass("API port", fmt.Sprintf(":%d available", cfg.Web.Port))
				}
				if cfg.Web.APIKey == "" {
					r.warn("API key", "chat management endpoints are unauthenticated")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(r.w, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Fprintf(r.w, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Fprintf(r.w, "\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Fprintf(r.w, "\nreactbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Fprintf(r.w, "\nAll checks passed! reactbot is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which runs migrations, and pings it.
func checkDatabase(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	v, err := store.GetSchemaVersion(st.DB())
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	if v == 0 {
		return fmt.Errorf("schema not initialized")
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
