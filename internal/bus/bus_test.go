package bus

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"reactbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(Config{BufferSize: 4, Logger: testLogger()})
	ev := domain.Event{Scope: "telegram:1", MessageID: "7", IsText: true}

	if !b.Publish(ev) {
		t.Fatal("publish rejected")
	}
	got := <-b.Subscribe()
	if got != ev {
		t.Fatalf("got %+v", got)
	}
}

func TestInMemoryBus_FullBufferDrops(t *testing.T) {
	b := New(Config{BufferSize: 1, PublishTimeout: 20 * time.Millisecond, Logger: testLogger()})
	b.Publish(domain.Event{MessageID: "1"})

	start := time.Now()
	if b.Publish(domain.Event{MessageID: "2"}) {
		t.Fatal("expected drop on full buffer")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("publish should wait before dropping")
	}
	if b.Dropped() != 1 || b.Pending() != 1 {
		t.Fatalf("dropped=%d pending=%d", b.Dropped(), b.Pending())
	}
}

func TestInMemoryBus_WaitsForSpace(t *testing.T) {
	b := New(Config{BufferSize: 1, PublishTimeout: time.Second, Logger: testLogger()})
	b.Publish(domain.Event{MessageID: "1"})

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.Subscribe()
	}()
	if !b.Publish(domain.Event{MessageID: "2"}) {
		t.Fatal("publish should succeed once space frees")
	}
}

func TestInMemoryBus_Close(t *testing.T) {
	b := New(Config{Logger: testLogger()})
	b.Close()
	b.Close()
	if b.Publish(domain.Event{}) {
		t.Fatal("publish after close should fail")
	}
	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("channel should be closed")
	}
}

func TestInMemoryBus_ConcurrentPublishers(t *testing.T) {
	b := New(Config{BufferSize: 1000, Logger: testLogger()})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Publish(domain.Event{Scope: "s:1"})
			}
		}()
	}
	wg.Wait()
	if b.Pending() != 500 {
		t.Fatalf("pending = %d", b.Pending())
	}
}
