package logbuf

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestAppendSingleEntry verifies that Append stores a leveled, timestamped entry.
func TestAppendSingleEntry(t *testing.T) {
	t.Parallel()
	b := New(100)
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	e := b.Append(LevelWarn, "hello world")

	assert.Equal(t, Entry{Timestamp: fixed, Level: LevelWarn, Message: "hello world", Seq: 1}, e)
	require.Len(t, b.Entries(), 1)
	assert.Equal(t, e, b.Entries()[0])
}

// TestLevelShorthands verifies each shorthand records its own level.
func TestLevelShorthands(t *testing.T) {
	t.Parallel()
	b := New(10)
	b.Info("i")
	b.Warn("w")
	b.Error("e")
	b.Success("s")

	var levels []Level
	for _, e := range b.Entries() {
		levels = append(levels, e.Level)
	}
	assert.Equal(t, []Level{LevelInfo, LevelWarn, LevelError, LevelSuccess}, levels)
}

// TestRingBufferOverflow verifies that when max is exceeded, oldest entries are dropped.
func TestRingBufferOverflow(t *testing.T) {
	t.Parallel()
	max := 5
	b := New(max)
	for i := 0; i < max+3; i++ {
		b.Info(fmt.Sprintf("line %d", i))
	}
	entries := b.Entries()
	require.Len(t, entries, max)
	// First remaining entry should be line 3 (lines 0, 1, 2 were dropped).
	assert.Equal(t, "line 3", entries[0].Message)
	assert.Equal(t, "line 7", entries[max-1].Message)
}

// TestNonPositiveCapacityUsesDefault verifies New falls back to DefaultCapacity.
func TestNonPositiveCapacityUsesDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-4).Cap())
}

// TestLastReturnsTail verifies Last(n) returns the newest n entries oldest-first.
func TestLastReturnsTail(t *testing.T) {
	t.Parallel()
	b := New(100)
	for i := 0; i < 10; i++ {
		b.Info(fmt.Sprintf("m%d", i))
	}

	last := b.Last(3)
	require.Len(t, last, 3)
	assert.Equal(t, "m7", last[0].Message)
	assert.Equal(t, "m9", last[2].Message)

	assert.Len(t, b.Last(50), 10, "n larger than the buffer returns everything")
	assert.Len(t, b.Last(0), 10, "n <= 0 returns everything")
}

// TestClear verifies Clear empties the buffer but keeps subscribers.
func TestClear(t *testing.T) {
	t.Parallel()
	b := New(100)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	b.Info("before")
	<-ch

	b.Clear()
	assert.Equal(t, 0, b.Len())

	b.Info("after")
	select {
	case e := <-ch:
		assert.Equal(t, "after", e.Message)
	default:
		t.Error("subscriber did not survive Clear")
	}
	assert.Equal(t, 1, b.Len())
}

// TestSubscribeReceivesNewEntries verifies that a subscriber gets new entries.
func TestSubscribeReceivesNewEntries(t *testing.T) {
	t.Parallel()
	b := New(100)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Error("test line")

	select {
	case e := <-ch:
		assert.Equal(t, "test line", e.Message)
		assert.Equal(t, LevelError, e.Level)
	default:
		t.Error("subscriber did not receive the entry")
	}
}

// TestUnsubscribeStopsDelivery verifies that after Unsubscribe, no more entries are sent.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New(100)
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Info("post-unsub line")

	select {
	case e := <-ch:
		t.Errorf("received entry %q after unsubscribe", e.Message)
	default:
	}
}

// TestEntriesSnapshot verifies Entries returns an independent snapshot.
func TestEntriesSnapshot(t *testing.T) {
	t.Parallel()
	b := New(100)
	b.Info("a")
	b.Info("b")
	b.Info("c")

	snap := b.Entries()
	b.Info("d")

	assert.Len(t, snap, 3, "snapshot must not be affected by later appends")
}

// TestSlowSubscriberDoesNotBlock verifies a full subscriber channel drops entries.
func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	b := New(1000)
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 600; i++ {
			b.Info("x")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Append blocked on a full subscriber")
	}
	assert.Equal(t, 256, len(ch))
}

// TestCapacityProperty checks that the buffer never exceeds its capacity and
// keeps the newest entries in insertion order.
func TestCapacityProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 50).Draw(t, "capacity")
		n := rapid.IntRange(0, 200).Draw(t, "n")
		b := New(capacity)
		for i := 0; i < n; i++ {
			b.Info(fmt.Sprint(i))
		}
		entries := b.Entries()
		if len(entries) > capacity {
			t.Fatalf("len = %d exceeds capacity %d", len(entries), capacity)
		}
		want := n
		if want > capacity {
			want = capacity
		}
		if len(entries) != want {
			t.Fatalf("len = %d, want %d", len(entries), want)
		}
		for i, e := range entries {
			if e.Message != fmt.Sprint(n-want+i) {
				t.Fatalf("entries[%d] = %q, want %d", i, e.Message, n-want+i)
			}
		}
	})
}
