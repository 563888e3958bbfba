package logstream

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"racebot/pkg/types"
)

func newTestBroadcaster(history int) *Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBroadcaster(history, logger)
}

func event(msg string) types.LogEvent {
	return types.LogEvent{Timestamp: time.Now(), Level: types.LevelInfo, Message: msg}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(10)

	a, cancelA := b.Subscribe(4)
	c, cancelC := b.Subscribe(4)
	defer cancelA()
	defer cancelC()

	b.Publish(event("hello"))

	for i, ch := range []<-chan types.LogEvent{a, c} {
		select {
		case got := <-ch:
			if got.Message != "hello" {
				t.Errorf("subscriber %d got %q", i, got.Message)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(10)
	slow, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(event(fmt.Sprintf("e%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := (<-slow).Message; got != "e0" {
		t.Errorf("first buffered event = %q, want e0", got)
	}
	if b.Dropped() != 99 {
		t.Errorf("Dropped() = %d, want 99", b.Dropped())
	}
}

func TestCancelUnsubscribesAndCloses(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(10)
	ch, cancel := b.Subscribe(1)

	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	cancel()
	cancel()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() after cancel = %d, want 0", b.Subscribers())
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	b.Publish(event("after")) // must not panic on the closed channel
}

func TestRecentKeepsNewest(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(3)
	for i := 0; i < 5; i++ {
		b.Publish(event(fmt.Sprintf("e%d", i)))
	}

	got := b.Recent(0)
	if len(got) != 3 {
		t.Fatalf("len(Recent(0)) = %d, want 3", len(got))
	}
	for i, want := range []string{"e2", "e3", "e4"} {
		if got[i].Message != want {
			t.Errorf("Recent[%d] = %q, want %q", i, got[i].Message, want)
		}
	}
	if last := b.Recent(1); len(last) != 1 || last[0].Message != "e4" {
		t.Errorf("Recent(1) = %+v", last)
	}
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, cancel := b.Subscribe(8)
			defer cancel()
			select {
			case <-ch:
			case <-time.After(10 * time.Millisecond):
			}
		}()
		go func(i int) {
			defer wg.Done()
			b.Publish(event(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", b.Subscribers())
	}
}

func TestSubscribeWithHistoryReplaysOnce(t *testing.T) {
	t.Parallel()
	b := newTestBroadcaster(10)
	b.Publish(event("old-1"))
	b.Publish(event("old-2"))
	b.Publish(event("old-3"))

	history, ch, cancel := b.SubscribeWithHistory(8, 2)
	defer cancel()
	if len(history) != 2 || history[0].Message != "old-2" || history[1].Message != "old-3" {
		t.Fatalf("history = %v, want old-2, old-3", history)
	}
	select {
	case got := <-ch:
		t.Fatalf("channel replayed %q", got.Message)
	default:
	}

	b.Publish(event("new"))
	if got := <-ch; got.Message != "new" {
		t.Errorf("got %q, want new", got.Message)
	}
}

func TestSubscribeWithHistoryNoDuplicatesUnderLoad(t *testing.T) {
	t.Parallel()
	const total = 500
	b := newTestBroadcaster(total)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(event(fmt.Sprintf("e%d", i)))
		}
	}()

	history, ch, cancel := b.SubscribeWithHistory(total, 0)
	<-done
	cancel()

	seen := make(map[string]int, total)
	for _, evt := range history {
		seen[evt.Message]++
	}
	for evt := range ch {
		seen[evt.Message]++
	}
	if len(seen) != total {
		t.Errorf("saw %d distinct events, want %d", len(seen), total)
	}
	for msg, n := range seen {
		if n != 1 {
			t.Errorf("event %s delivered %d times", msg, n)
		}
	}
}
