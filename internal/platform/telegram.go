package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"reactbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramName        = "telegram"
	telegramPollTimeout = 30
)

// telegramAPI is the subset of *tgbotapi.BotAPI the adapter calls.
type telegramAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram reacts to messages and channel posts through the Bot API.
type Telegram struct {
	token     string
	allowFrom []int64 // users allowed to run commands (empty = allow all)
	stats     func() string
	logger    *slog.Logger

	mu        sync.RWMutex
	api       telegramAPI
	connected bool
	account   string
	lastErr   string
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	// Stats renders the reply to /stats.
	Stats  func() string
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		stats:     cfg.Stats,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return telegramName }

// Start connects and long-polls for updates until ctx ends.
func (t *Telegram) Start(ctx context.Context, events domain.EventBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		t.setErr(err)
		return fmt.Errorf("telegram bot init: %w", err)
	}

	t.mu.Lock()
	t.api = bot
	t.connected = true
	t.account = "@" + bot.Self.UserName
	t.lastErr = ""
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	u.AllowedUpdates = []string{"message", "channel_post"}
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram polling stopping")
			bot.StopReceivingUpdates()
			t.setConnected(false)
			return nil
		case update, ok := <-updates:
			if !ok {
				t.setConnected(false)
				return nil
			}
			t.handleUpdate(update, events)
		}
	}
}

// SendReaction sets emoji as the bot's reaction on the message.
func (t *Telegram) SendReaction(ctx context.Context, scope domain.ScopeID, messageID, emoji string) error {
	t.mu.RLock()
	api := t.api
	t.mu.RUnlock()
	if api == nil {
		return domain.Transient(0, errors.New("telegram not connected"))
	}

	params := tgbotapi.Params{}
	params["chat_id"] = scope.ChatID()
	params["message_id"] = messageID
	if err := params.AddInterface("reaction", []reactionType{{Type: "emoji", Emoji: emoji}}); err != nil {
		return domain.Permanent(0, fmt.Errorf("encode reaction: %w", err))
	}

	// MakeRequest has no context, so the call runs aside and ctx bounds the wait.
	done := make(chan error, 1)
	go func() {
		_, err := api.MakeRequest("setMessageReaction", params)
		done <- err
	}()
	select {
	case err := <-done:
		return classifyTelegram(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type reactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

func (t *Telegram) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Status{Name: telegramName, Connected: t.connected, Account: t.account, Error: t.lastErr}
}

func (t *Telegram) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *Telegram) setErr(err error) {
	t.mu.Lock()
	t.lastErr = err.Error()
	t.mu.Unlock()
}

// classifyTelegram maps Bot API failures onto the dispatch error taxonomy.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return domain.Transient(0, err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return &domain.ThrottleError{Wait: time.Duration(apiErr.RetryAfter) * time.Second}
	case apiErr.Code == http.StatusBadRequest, apiErr.Code == http.StatusForbidden,
		apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusNotFound:
		return domain.Permanent(apiErr.Code, err)
	default:
		return domain.Transient(apiErr.Code, err)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update, events domain.EventBus) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	if msg.IsCommand() && update.Message != nil {
		t.handleCommand(msg)
		return
	}

	ev := telegramEvent(msg)
	if !events.Publish(ev) {
		t.logger.Warn("telegram event dropped", "scope", ev.Scope, "message_id", ev.MessageID)
	}
}

func telegramEvent(msg *tgbotapi.Message) domain.Event {
	return domain.Event{
		Scope:     domain.NewScopeID(telegramName, strconv.FormatInt(msg.Chat.ID, 10)),
		MessageID: strconv.Itoa(msg.MessageID),
		IsMedia: len(msg.Photo) > 0 || msg.Video != nil || msg.Document != nil ||
			msg.Animation != nil || msg.Audio != nil || msg.Voice != nil || msg.VideoNote != nil,
		IsText:     strings.TrimSpace(msg.Text) != "",
		IsForward:  msg.ForwardDate != 0,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if msg.From == nil || !t.isAllowed(msg.From.ID) {
		t.logger.Warn("unauthorized telegram command", "chat_id", chatID, "command", msg.Command())
		return
	}

	switch msg.Command() {
	case "start":
		t.reply(chatID, "Reaction bot is running.\n\nCommands:\n/stats - reaction statistics")
	case "stats":
		if t.stats == nil {
			t.reply(chatID, "Statistics are not available.")
			return
		}
		t.reply(chatID, t.stats())
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) reply(chatID int64, text string) {
	t.mu.RLock()
	api := t.api
	t.mu.RUnlock()
	if api == nil {
		return
	}
	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram reply failed", "chat_id", chatID, "err", err)
	}
}
