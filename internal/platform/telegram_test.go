package platform

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"reactbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeTelegramAPI struct {
	mu       sync.Mutex
	endpoint string
	params   tgbotapi.Params
	err      error
	block    chan struct{}
	replies  []tgbotapi.Chattable
}

func (f *fakeTelegramAPI) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpoint
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, c)
	return tgbotapi.Message{}, nil
}

func newTestTelegram(api telegramAPI, allow ...string) *Telegram {
	t := NewTelegram(TelegramConfig{
		AllowFrom: allow,
		Stats:     func() string { return "sent: 3" },
		Logger:    testLogger(),
	})
	t.api = api
	return t
}

func TestTelegram_SendReactionParams(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api)

	if err := tg.SendReaction(context.Background(), "telegram:-1001", "42", "🔥"); err != nil {
		t.Fatal(err)
	}
	if api.endpoint != "setMessageReaction" {
		t.Fatalf("endpoint = %q", api.endpoint)
	}
	if api.params["chat_id"] != "-1001" || api.params["message_id"] != "42" {
		t.Fatalf("params = %v", api.params)
	}
	var reaction []map[string]string
	if err := json.Unmarshal([]byte(api.params["reaction"]), &reaction); err != nil {
		t.Fatal(err)
	}
	if len(reaction) != 1 || reaction[0]["type"] != "emoji" || reaction[0]["emoji"] != "🔥" {
		t.Fatalf("reaction = %v", reaction)
	}
}

func TestTelegram_SendReactionNotConnected(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Logger: testLogger()})
	err := tg.SendReaction(context.Background(), "telegram:1", "1", "x")
	if domain.Classify(err) != domain.ClassTransient {
		t.Fatalf("class = %q", domain.Classify(err))
	}
}

func TestTelegram_SendReactionHonorsContext(t *testing.T) {
	api := &fakeTelegramAPI{block: make(chan struct{})}
	defer close(api.block)
	tg := newTestTelegram(api)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tg.SendReaction(ctx, "telegram:1", "1", "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestClassifyTelegram(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class domain.ErrorClass
		wait  time.Duration
	}{
		{"nil", nil, domain.ClassNone, 0},
		{"flood", &tgbotapi.Error{Code: 429, Message: "Too Many Requests", ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}}, domain.ClassThrottled, 7 * time.Second},
		{"bad request", &tgbotapi.Error{Code: 400, Message: "REACTION_INVALID"}, domain.ClassPermanent, 0},
		{"forbidden", &tgbotapi.Error{Code: 403, Message: "bot was kicked"}, domain.ClassPermanent, 0},
		{"server", &tgbotapi.Error{Code: 502, Message: "Bad Gateway"}, domain.ClassTransient, 0},
		{"network", errors.New("connection reset"), domain.ClassTransient, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyTelegram(tt.err)
			if got := domain.Classify(err); got != tt.class {
				t.Fatalf("class = %q, want %q", got, tt.class)
			}
			var te *domain.ThrottleError
			if errors.As(err, &te) && te.Wait != tt.wait {
				t.Fatalf("wait = %v, want %v", te.Wait, tt.wait)
			}
		})
	}
}

func TestTelegram_UpdatesBecomeEvents(t *testing.T) {
	tg := newTestTelegram(&fakeTelegramAPI{})
	sink := &eventSink{}

	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 10, Chat: &tgbotapi.Chat{ID: -100}, Text: "hello", Date: 1700000000,
	}}, sink)
	tg.handleUpdate(tgbotapi.Update{ChannelPost: &tgbotapi.Message{
		MessageID: 11, Chat: &tgbotapi.Chat{ID: -200}, Photo: []tgbotapi.PhotoSize{{FileID: "p"}}, Caption: "pic",
	}}, sink)
	tg.handleUpdate(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 12, Chat: &tgbotapi.Chat{ID: -100}, Text: "fwd", ForwardDate: 1700000000,
	}}, sink)
	tg.handleUpdate(tgbotapi.Update{}, sink)

	if len(sink.events) != 3 {
		t.Fatalf("events = %+v", sink.events)
	}
	first := sink.events[0]
	if first.Scope != "telegram:-100" || first.MessageID != "10" || !first.IsText || first.IsMedia || first.IsForward {
		t.Fatalf("text event = %+v", first)
	}
	if !first.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("received at = %v", first.ReceivedAt)
	}
	if post := sink.events[1]; post.Scope != "telegram:-200" || !post.IsMedia || post.IsText {
		t.Fatalf("channel post event = %+v", post)
	}
	if !sink.events[2].IsForward {
		t.Fatalf("forward event = %+v", sink.events[2])
	}
}

func command(text string, from int64) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: 5},
		From:      &tgbotapi.User{ID: from},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func TestTelegram_Commands(t *testing.T) {
	api := &fakeTelegramAPI{}
	tg := newTestTelegram(api, "42")
	sink := &eventSink{}

	tg.handleUpdate(command("/stats", 42), sink)
	tg.handleUpdate(command("/start", 42), sink)
	tg.handleUpdate(command("/stats", 99), sink)

	if len(sink.events) != 0 {
		t.Fatal("commands must not become reaction events")
	}
	if len(api.replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(api.replies))
	}
	msg, ok := api.replies[0].(tgbotapi.MessageConfig)
	if !ok || msg.Text != "sent: 3" || msg.ChatID != 5 {
		t.Fatalf("stats reply = %+v", api.replies[0])
	}
}
