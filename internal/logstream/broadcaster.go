// Package logstream fans race log events out to any number of consumers.
//
// Publish never blocks: each subscriber has a buffered channel and a
// subscriber that falls behind loses events rather than stalling the race
// workers. The broadcaster also keeps the most recent events for late
// joiners and mirrors everything to the structured logger at debug level.
package logstream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"racebot/pkg/types"
)

const defaultHistory = 200

// Broadcaster is a non-blocking pub/sub for LogEvents.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan types.LogEvent
	nextID uint64

	histMu  sync.Mutex
	history []types.LogEvent // ring, oldest at histPos when full
	histPos int
	histCap int

	dropped atomic.Int64
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster remembering the last history events.
// history <= 0 uses 200.
func NewBroadcaster(history int, logger *slog.Logger) *Broadcaster {
	if history <= 0 {
		history = defaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[uint64]chan types.LogEvent),
		histCap: history,
		logger:  logger.With("component", "logstream"),
	}
}

// Publish delivers evt to every subscriber with room in its buffer.
func (b *Broadcaster) Publish(evt types.LogEvent) {
	b.logger.Debug(evt.Message,
		"level", string(evt.Level),
		"race_id", evt.RaceID,
		"worker", evt.Worker,
	)

	// history and fan-out happen under one read lock so a concurrent
	// SubscribeWithHistory sees each event in exactly one of the two
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.remember(evt)
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broadcaster) remember(evt types.LogEvent) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	if len(b.history) < b.histCap {
		b.history = append(b.history, evt)
		return
	}
	b.history[b.histPos] = evt
	b.histPos = (b.histPos + 1) % b.histCap
}

// Recent returns up to the last n events, oldest first. n <= 0 returns all
// retained events.
func (b *Broadcaster) Recent(n int) []types.LogEvent {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.recentLocked(n)
}

func (b *Broadcaster) recentLocked(n int) []types.LogEvent {
	ordered := make([]types.LogEvent, 0, len(b.history))
	ordered = append(ordered, b.history[b.histPos:]...)
	ordered = append(ordered, b.history[:b.histPos]...)
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan types.LogEvent, func()) {
	_, ch, cancel := b.subscribe(buffer, -1)
	return ch, cancel
}

// SubscribeWithHistory registers a consumer and returns up to the last n
// events published before it. Every event lands either in the returned
// history or on the channel, never both.
func (b *Broadcaster) SubscribeWithHistory(buffer, n int) ([]types.LogEvent, <-chan types.LogEvent, func()) {
	return b.subscribe(buffer, n)
}

// subscribe registers a channel; n < 0 skips the history snapshot.
func (b *Broadcaster) subscribe(buffer, n int) ([]types.LogEvent, <-chan types.LogEvent, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan types.LogEvent, buffer)

	var history []types.LogEvent
	b.mu.Lock()
	if n >= 0 {
		b.histMu.Lock()
		history = b.recentLocked(n)
		b.histMu.Unlock()
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return history, ch, cancel
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
