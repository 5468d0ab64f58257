package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reactbot/internal/domain"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db"), RetryAttempts: 2, Logger: testLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func outcome(id string, status domain.Status, at time.Time) domain.Outcome {
	return domain.Outcome{
		ID: id, IntentID: "i-" + id, Scope: "telegram:1", MessageID: "m" + id, Emoji: "🔥",
		Status: status, Attempts: 2, TotalWait: 1500 * time.Millisecond, Latency: 20 * time.Millisecond,
		RecordedAt: at,
	}
}

// --- Migrations ---

func TestRunMigrations_FreshDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}
	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("second run should be a no-op: %v", err)
	}
	version, err := GetSchemaVersion(db)
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}
}

func TestRunMigrations_RecoversPartialSchema(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	// Column from v3 present, but v3 never recorded.
	for _, m := range migrations[:2] {
		if _, err := db.Exec(m.SQL); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.Exec(`ALTER TABLE outcomes ADD COLUMN platform TEXT NOT NULL DEFAULT ''`); err != nil {
		t.Fatal(err)
	}

	if err := RunMigrations(db, testLogger()); err != nil {
		t.Fatalf("migrations over partial schema: %v", err)
	}
	if v, _ := GetSchemaVersion(db); v != schemaVersion {
		t.Fatalf("version = %d", v)
	}
}

func TestGetSchemaVersion_NoTable(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if v, err := GetSchemaVersion(db); err != nil || v != 0 {
		t.Fatalf("v=%d err=%v", v, err)
	}
}

// --- Outcomes ---

func TestOutcomes_AppendAndList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, st := range []domain.Status{domain.StatusSent, domain.StatusThrottled, domain.StatusFailed} {
		o := outcome(string(rune('a'+i)), st, base.Add(time.Duration(i)*time.Minute))
		if st == domain.StatusFailed {
			o.ErrorClass = domain.ClassPermanent
			o.Error = "forbidden"
		}
		if err := s.AppendOutcome(ctx, o); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// duplicate append is ignored
	if err := s.AppendOutcome(ctx, outcome("a", domain.StatusSent, base)); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListOutcomes(ctx, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(all))
	}
	first := all[0]
	if first.ID != "a" || first.Scope != "telegram:1" || first.TotalWait != 1500*time.Millisecond || !first.RecordedAt.Equal(base) {
		t.Fatalf("round trip mismatch: %+v", first)
	}
	if all[2].ErrorClass != domain.ClassPermanent || all[2].Error != "forbidden" {
		t.Fatalf("error fields lost: %+v", all[2])
	}

	ranged, err := s.ListOutcomes(ctx, base.Add(time.Minute), base.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged) != 1 || ranged[0].ID != "b" {
		t.Fatalf("range query = %+v", ranged)
	}
}

func TestPlatformTotals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.AppendOutcome(ctx, outcome("1", domain.StatusSent, base))
	s.AppendOutcome(ctx, outcome("2", domain.StatusSent, base))
	d := outcome("3", domain.StatusFailed, base)
	d.Scope = "discord:9"
	s.AppendOutcome(ctx, d)

	totals, err := s.PlatformTotals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if totals["telegram"][domain.StatusSent] != 2 || totals["discord"][domain.StatusFailed] != 1 {
		t.Fatalf("totals = %v", totals)
	}
}

// --- Windows ---

func TestWindows_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if stamps, err := s.LoadWindow(ctx, "chat:telegram:1"); err != nil || len(stamps) != 0 {
		t.Fatalf("empty window: %v %v", stamps, err)
	}

	want := []time.Time{base, base.Add(1500 * time.Microsecond)}
	if err := s.SaveWindow(ctx, "chat:telegram:1", want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadWindow(ctx, "chat:telegram:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Equal(want[0]) || !got[1].Equal(want[1]) {
		t.Fatalf("got %v", got)
	}

	if err := s.SaveWindow(ctx, "chat:telegram:1", nil); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadWindow(ctx, "chat:telegram:1"); len(got) != 0 {
		t.Fatalf("expected cleared window, got %v", got)
	}
}

func TestWindows_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	s.SaveWindow(ctx, "global", []time.Time{base})
	s.Close()

	s, err = Open(Config{Path: path, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, _ := s.LoadWindow(ctx, "global"); len(got) != 1 {
		t.Fatalf("window lost on reopen: %v", got)
	}
}

// --- Counters ---

func TestCounters_IncrementAndGauge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.IncrementCounter(ctx, domain.Counter{Name: "reactions_total", Value: 1}); err != nil {
			t.Fatal(err)
		}
	}
	s.IncrementCounter(ctx, domain.Counter{Name: "hourly", Bucket: "2026-03-04T10", Scope: "telegram:1", Value: 2})
	s.SetGauge(ctx, domain.Counter{Name: "reactions_per_second", Value: 4.5})
	s.SetGauge(ctx, domain.Counter{Name: "reactions_per_second", Value: 1.5})

	totals, err := s.ListCounters(ctx, "reactions_total")
	if err != nil {
		t.Fatal(err)
	}
	if len(totals) != 1 || totals[0].Value != 3 {
		t.Fatalf("reactions_total = %+v", totals)
	}

	rate, _ := s.ListCounters(ctx, "reactions_per_second")
	if len(rate) != 1 || rate[0].Value != 1.5 {
		t.Fatalf("gauge = %+v", rate)
	}

	all, _ := s.ListCounters(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 counters, got %d", len(all))
	}
	for _, c := range all {
		if c.Name == "hourly" && (c.Scope != "telegram:1" || c.Bucket != "2026-03-04T10") {
			t.Fatalf("dimensions lost: %+v", c)
		}
	}
}

// --- Failure handling ---

func TestClosedStore_ReportsUnavailable(t *testing.T) {
	s := testStore(t)
	s.Close()

	err := s.AppendOutcome(context.Background(), outcome("x", domain.StatusSent, base))
	if domain.Classify(err) != domain.ClassStorageUnavailable {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestBackup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.AppendOutcome(ctx, outcome("1", domain.StatusSent, base))

	dst := filepath.Join(t.TempDir(), "backup", "copy.db")
	if err := s.Backup(ctx, dst); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if err := s.Backup(ctx, dst); err == nil {
		t.Fatal("backup should refuse to overwrite")
	}

	copyStore, err := Open(Config{Path: dst, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer copyStore.Close()
	got, _ := copyStore.ListOutcomes(ctx, time.Time{}, time.Time{})
	if len(got) != 1 {
		t.Fatalf("backup has %d outcomes", len(got))
	}
}
