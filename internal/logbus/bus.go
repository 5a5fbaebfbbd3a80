// Package logbus keeps the ordered, process-wide job log and fans every new
// entry out to live observers such as SSE connections. Observers only see
// entries appended after they subscribe; there is no replay.
package logbus

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultObserverBuffer = 256

// Config controls observer buffering.
//   - ObserverBuffer: per-observer channel capacity (default 256). An observer
//     whose buffer is full is treated as disconnected and pruned.
//   - Logger: mirror for every appended entry (defaults to a no-op logger).
//   - Now: clock used to stamp entries (defaults to time.Now).
type Config struct {
	ObserverBuffer int
	Logger         *zap.Logger
	Now            func() time.Time
}

// Bus is safe for concurrent use. Append, Reset, Subscribe and Unsubscribe
// are serialized by a single mutex so every observer receives entries in
// append order.
type Bus struct {
	mu        sync.Mutex
	entries   []Entry
	observers map[*Observer]struct{}
	closed    bool

	bufferSize int
	logger     *zap.Logger
	now        func() time.Time
}

// Observer is a live subscription. Its channel is closed when the observer
// is unsubscribed, pruned, or the bus shuts down.
type Observer struct {
	ch   chan Entry
	once sync.Once
}

// C exposes the receive side of the subscription.
func (o *Observer) C() <-chan Entry {
	return o.ch
}

func (o *Observer) close() {
	o.once.Do(func() { close(o.ch) })
}

// New constructs an empty Bus.
func New(cfg Config) *Bus {
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = defaultObserverBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bus{
		observers:  make(map[*Observer]struct{}),
		bufferSize: cfg.ObserverBuffer,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Append stores the entry and pushes it to every registered observer.
func (b *Bus) Append(entry Entry) {
	if entry.At.IsZero() {
		entry.At = b.now()
	}
	b.mirror(entry)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.entries = append(b.entries, entry)
	for obs := range b.observers {
		select {
		case obs.ch <- entry:
		default:
			delete(b.observers, obs)
			obs.close()
			b.logger.Warn("log observer pruned after falling behind", zap.Int("buffer", b.bufferSize))
		}
	}
}

// Info appends an INFO entry.
func (b *Bus) Info(format string, args ...any) {
	b.Append(Entry{Level: LevelInfo, Message: fmt.Sprintf(format, args...)})
}

// Warn appends a WARNING entry.
func (b *Bus) Warn(format string, args ...any) {
	b.Append(Entry{Level: LevelWarning, Message: fmt.Sprintf(format, args...)})
}

// Error appends an ERROR entry.
func (b *Bus) Error(format string, args ...any) {
	b.Append(Entry{Level: LevelError, Message: fmt.Sprintf(format, args...)})
}

// Success appends a SUCCESS entry.
func (b *Bus) Success(format string, args ...any) {
	b.Append(Entry{Level: LevelSuccess, Message: fmt.Sprintf(format, args...)})
}

// Subscribe registers a new observer. It receives only entries appended
// after this call returns. On a closed bus the observer comes back closed.
func (b *Bus) Subscribe() *Observer {
	obs := &Observer{ch: make(chan Entry, b.bufferSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		obs.close()
		return obs
	}
	b.observers[obs] = struct{}{}
	return obs
}

// Unsubscribe removes the observer and closes its channel. Safe to call for
// observers that were already pruned.
func (b *Bus) Unsubscribe(obs *Observer) {
	if obs == nil {
		return
	}
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
	obs.close()
}

// Reset drops the stored history. Registered observers stay connected.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// History returns a copy of the stored entries in append order.
func (b *Bus) History() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// ObserverCount reports the number of live observers.
func (b *Bus) ObserverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}

// Close disconnects every observer. Later appends are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for obs := range b.observers {
		obs.close()
	}
	b.observers = map[*Observer]struct{}{}
}

func (b *Bus) mirror(entry Entry) {
	switch entry.Level {
	case LevelError:
		b.logger.Error(entry.Message, zap.String("level", string(entry.Level)))
	case LevelWarning:
		b.logger.Warn(entry.Message, zap.String("level", string(entry.Level)))
	default:
		b.logger.Info(entry.Message, zap.String("level", string(entry.Level)))
	}
}
