package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reactbot/internal/analytics"
	"reactbot/internal/config"
)

func TestStatsText(t *testing.T) {
	s := analytics.Snapshot{
		TotalReactions: 12,
		ThrottledTotal: 2,
		ErrorsTotal:    1,
		ErrorRate:      0.25,
		ActiveScopes:   3,
		Uptime:         90*time.Second + 400*time.Millisecond,
		EmojiUsage: map[string]int64{
			"👍": 5, "🔥": 7, "❤": 1, "🎉": 1, "👀": 2, "😂": 3,
		},
	}
	got := statsText(s)

	for _, want := range []string{
		"Reactions sent: 12",
		"Throttled: 2  Failed: 1  Skipped: 0",
		"Error rate: 25.0%",
		"Active chats: 3",
		"Uptime: 1m30s",
		"Top emojis: 🔥 7 👍 5 😂 3 👀 2",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("statsText missing %q in:\n%s", want, got)
		}
	}
	// Only the top five are listed; the tie at 1 breaks by emoji.
	if strings.Contains(got, "🎉") {
		t.Errorf("expected at most five emojis:\n%s", got)
	}
}

func TestStatsText_NoEmojis(t *testing.T) {
	if got := statsText(analytics.Snapshot{}); strings.Contains(got, "Top emojis") {
		t.Errorf("unexpected emoji line:\n%s", got)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTarGz_RoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgFile := filepath.Join(src, "config.json")
	chatsFile := filepath.Join(src, "chats.yaml")
	os.WriteFile(cfgFile, []byte(`{"bot":{}}`), 0o644)
	os.WriteFile(chatsFile, []byte("chats: []\n"), 0o644)

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	err := createTarGz(archive, []archiveFile{
		{path: cfgFile, name: archiveConfig},
		{path: chatsFile, name: archiveChats},
	})
	if err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	targets := map[string]string{
		archiveConfig: filepath.Join(dst, "conf", "config.json"),
		archiveChats:  filepath.Join(dst, "chats.yaml"),
		archiveDB:     filepath.Join(dst, "reactbot.db"),
	}
	restored, err := extractTarGz(archive, targets)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %v, want 2 files", restored)
	}
	data, err := os.ReadFile(targets[archiveConfig])
	if err != nil || string(data) != `{"bot":{}}` {
		t.Errorf("config = %q, %v", data, err)
	}
	if _, err := os.Stat(targets[archiveDB]); !os.IsNotExist(err) {
		t.Errorf("database should not have been created: %v", err)
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.gz")
	os.WriteFile(path, []byte("plain text"), 0o644)
	if _, err := extractTarGz(path, nil); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestSetupLogger(t *testing.T) {
	prev, prevDefault := logger, slog.Default()
	t.Cleanup(func() {
		logger = prev
		slog.SetDefault(prevDefault)
	})

	logFile := filepath.Join(t.TempDir(), "logs", "reactbot.log")
	closeLog, err := setupLogger(config.GeneralConfig{LogLevel: "warn", LogFile: logFile})
	if err != nil {
		t.Fatalf("setupLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("visible")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "visible") {
		t.Errorf("log content = %q", data)
	}
}
