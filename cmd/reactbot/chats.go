package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"reactbot/internal/config"
	"reactbot/internal/domain"

	"github.com/spf13/cobra"
)

func chatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "Manage the chat registry",
		Long:  "List, add and remove chats in the YAML registry. A running gateway picks up changes on SIGHUP.",
	}
	cmd.AddCommand(chatsListCmd(), chatsAddCmd(), chatsRemoveCmd())
	return cmd
}

func openRegistry() (*config.Config, *config.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	reg, err := config.LoadRegistry(cfg.General.ChatsFile, cfg.Bot.Settings(), logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, reg, nil
}

func chatsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCOPE\tENABLED\tMODE\tEMOJIS\tDELAY\tFILTERS\tTITLE")
			for _, c := range reg.List() {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\t%s\n",
					c.Scope, c.Enabled, c.Mode, strings.Join(c.Emojis, " "),
					delayText(c), filterText(c), c.Title)
			}
			return w.Flush()
		},
	}
}

func delayText(c domain.ChatConfig) string {
	if c.DelayMin == 0 && c.DelayMax == 0 {
		return "default"
	}
	return fmt.Sprintf("%s-%s", c.DelayMin, c.DelayMax)
}

func filterText(c domain.ChatConfig) string {
	var f []string
	if c.ReactToText {
		f = append(f, "text")
	}
	if c.ReactToMedia {
		f = append(f, "media")
	}
	if c.ReactToForwards {
		f = append(f, "forwards")
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, ",")
}

func chatsAddCmd() *cobra.Command {
	var (
		title    string
		mode     string
		emojis   []string
		delayMin time.Duration
		delayMax time.Duration
		disabled bool
		noText   bool
		noMedia  bool
		forwards bool
	)
	cmd := &cobra.Command{
		Use:   "add <platform:chat-id>",
		Short: "Add or replace a chat",
		Example: `  reactbot chats add telegram:-1001234567890 --mode sequential --emoji 🔥 --emoji 👍
  reactbot chats add discord:112233445566 --delay-min 2s --delay-max 8s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			m, err := domain.ParseReactionMode(mode)
			if err != nil {
				return err
			}
			c := domain.ChatConfig{
				Scope:           domain.ScopeID(args[0]),
				Title:           title,
				Enabled:         !disabled,
				Mode:            m,
				Emojis:          emojis,
				DelayMin:        delayMin,
				DelayMax:        delayMax,
				ReactToText:     !noText,
				ReactToMedia:    !noMedia,
				ReactToForwards: forwards,
			}
			created, err := reg.Upsert(c)
			if err != nil {
				return err
			}
			if err := reg.Save(); err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "added"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %s %s (%s)\n", c.Scope, verb, reg.Path())
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "display name")
	cmd.Flags().StringVar(&mode, "mode", "random", "emoji selection: random, fixed or sequential")
	cmd.Flags().StringArrayVar(&emojis, "emoji", nil, "candidate emoji (repeatable; default: global set)")
	cmd.Flags().DurationVar(&delayMin, "delay-min", 0, "minimum anti-spam delay (default: global)")
	cmd.Flags().DurationVar(&delayMax, "delay-max", 0, "maximum anti-spam delay (default: global)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the chat without reacting yet")
	cmd.Flags().BoolVar(&noText, "no-text", false, "ignore text-only messages")
	cmd.Flags().BoolVar(&noMedia, "no-media", false, "ignore media messages")
	cmd.Flags().BoolVar(&forwards, "forwards", false, "react to forwarded messages")
	return cmd
}

func chatsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <platform:chat-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a chat",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := openRegistry()
			if err != nil {
				return err
			}
			scope := domain.ScopeID(args[0])
			if !reg.Remove(scope) {
				return fmt.Errorf("chat %s is not configured", scope)
			}
			if err := reg.Save(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chat %s removed\n", scope)
			return nil
		},
	}
}
