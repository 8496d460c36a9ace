package logbuf

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 200

// Level is the severity of a log entry as shown to dashboard clients.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Entry is a single immutable log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	// Seq increases by one per Append on the same Buffer, starting at 1.
	Seq uint64 `json:"-"`
}

// Buffer is a ring buffer of log entries with pub/sub support.
// Every appended entry is also mirrored to the default slog logger.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	subs    []chan Entry
	seq     uint64
	now     func() time.Time
}

// New creates a Buffer holding at most max entries.
func New(max int) *Buffer {
	if max <= 0 {
		max = DefaultCapacity
	}
	return &Buffer{max: max, now: time.Now}
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return b.max
}

// Append records a new entry, evicting the oldest ones when the buffer is
// over capacity, and notifies subscribers.
func (b *Buffer) Append(level Level, message string) Entry {
	b.mu.Lock()
	b.seq++
	e := Entry{Timestamp: b.now().UTC(), Level: level, Message: message, Seq: b.seq}
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		// Copy so the backing array does not grow without bound.
		kept := make([]Entry, b.max)
		copy(kept, b.entries[len(b.entries)-b.max:])
		b.entries = kept
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop if subscriber channel is full
		}
	}
	b.mu.Unlock()

	mirror(e)
	return e
}

// Info, Warn, Error and Success are shorthands for Append.
func (b *Buffer) Info(msg string) Entry    { return b.Append(LevelInfo, msg) }
func (b *Buffer) Warn(msg string) Entry    { return b.Append(LevelWarn, msg) }
func (b *Buffer) Error(msg string) Entry   { return b.Append(LevelError, msg) }
func (b *Buffer) Success(msg string) Entry { return b.Append(LevelSuccess, msg) }

// Last returns up to n of the most recent entries in insertion order.
// n <= 0 returns everything.
func (b *Buffer) Last(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if n > 0 && n < len(b.entries) {
		start = len(b.entries) - n
	}
	result := make([]Entry, len(b.entries)-start)
	copy(result, b.entries[start:])
	return result
}

// Entries returns a snapshot of all buffered entries.
func (b *Buffer) Entries() []Entry {
	return b.Last(0)
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops every buffered entry. Subscribers stay registered.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.mu.Unlock()
}

// Subscribe returns a buffered channel that receives new entries as they
// arrive.
func (b *Buffer) Subscribe() chan Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Entry, 256)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes a previously subscribed channel.
func (b *Buffer) Unsubscribe(ch chan Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func mirror(e Entry) {
	switch e.Level {
	case LevelError:
		slog.Error(e.Message)
	case LevelWarn:
		slog.Warn(e.Message)
	case LevelSuccess:
		slog.Info(e.Message, slog.String("outcome", "success"))
	default:
		slog.Info(e.Message)
	}
}
