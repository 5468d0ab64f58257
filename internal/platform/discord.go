package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"reactbot/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordName = "discord"

// discordAPI is the subset of *discordgo.Session the adapter calls.
type discordAPI interface {
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
}

// Discord reacts to guild and direct messages through the gateway session.
type Discord struct {
	token   string
	guildID string
	logger  *slog.Logger

	mu        sync.RWMutex
	api       discordAPI
	selfID    string
	connected bool
	account   string
	lastErr   string
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token   string
	GuildID string // optional: only this guild's messages become events
	Logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return discordName }

// Start opens the gateway and publishes message events until ctx ends.
func (d *Discord) Start(ctx context.Context, events domain.EventBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		d.setErr(err)
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	// Rate limits must reach the retry controller as throttles.
	session.ShouldRetryOnRateLimit = false

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(m, events)
	})

	if err := session.Open(); err != nil {
		d.setErr(err)
		return fmt.Errorf("discord connect: %w", err)
	}

	d.mu.Lock()
	d.api = session
	d.connected = true
	d.lastErr = ""
	if session.State != nil && session.State.User != nil {
		d.selfID = session.State.User.ID
		d.account = session.State.User.Username
	}
	d.mu.Unlock()
	d.logger.Info("discord bot connected", "user", d.account)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return session.Close()
}

// SendReaction adds emoji to the message. The scope's chat ID is the channel.
func (d *Discord) SendReaction(ctx context.Context, scope domain.ScopeID, messageID, emoji string) error {
	d.mu.RLock()
	api := d.api
	d.mu.RUnlock()
	if api == nil {
		return domain.Transient(0, errors.New("discord not connected"))
	}
	err := api.MessageReactionAdd(scope.ChatID(), messageID, emoji, discordgo.WithContext(ctx))
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyDiscord(err)
}

func (d *Discord) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Status{Name: discordName, Connected: d.connected, Account: d.account, Error: d.lastErr}
}

func (d *Discord) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err.Error()
	d.mu.Unlock()
}

// classifyDiscord maps REST failures onto the dispatch error taxonomy.
func classifyDiscord(err error) error {
	if err == nil {
		return nil
	}
	var rle *discordgo.RateLimitError
	if errors.As(err, &rle) {
		te := &domain.ThrottleError{}
		if rle.RateLimit != nil && rle.TooManyRequests != nil {
			te.Wait = rle.RetryAfter
		}
		return te
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code := rest.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return &domain.ThrottleError{}
		case code >= 400 && code < 500:
			return domain.Permanent(code, err)
		default:
			return domain.Transient(code, err)
		}
	}
	return domain.Transient(0, err)
}

func (d *Discord) handleMessage(m *discordgo.MessageCreate, events domain.EventBus) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	d.mu.RLock()
	selfID := d.selfID
	d.mu.RUnlock()
	if m.Author.ID == selfID {
		return
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return
	}

	ev := discordEvent(m.Message)
	if !events.Publish(ev) {
		d.logger.Warn("discord event dropped", "scope", ev.Scope, "message_id", ev.MessageID)
	}
}

// discordEvent never sets IsForward: the gateway payload carries no forward
// marker the adapter relies on.
func discordEvent(m *discordgo.Message) domain.Event {
	return domain.Event{
		Scope:      domain.NewScopeID(discordName, m.ChannelID),
		MessageID:  m.ID,
		IsMedia:    len(m.Attachments) > 0,
		IsText:     strings.TrimSpace(m.Content) != "",
		ReceivedAt: m.Timestamp,
	}
}
