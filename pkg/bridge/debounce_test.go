// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitRecorder struct {
	mu    sync.Mutex
	emits []emittedQuit
	ch    chan emittedQuit
}

type emittedQuit struct {
	domain   string
	nick     string
	channels []string
}

func newEmitRecorder() *emitRecorder {
	return &emitRecorder{ch: make(chan emittedQuit, 16)}
}

func (e *emitRecorder) emit(domain, nick string, channels []string) {
	q := emittedQuit{domain: domain, nick: nick, channels: channels}
	e.mu.Lock()
	e.emits = append(e.emits, q)
	e.mu.Unlock()
	e.ch <- q
}

func (e *emitRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.emits)
}

func newTestDebouncer(grace time.Duration, emit *emitRecorder) *QuitDebouncer {
	return NewQuitDebouncer(
		func(string) time.Duration { return grace },
		emit.emit,
		nil,
		zerolog.Nop(),
	)
}

func TestQuitDebouncer_ExpiryEmitsPendingChannels(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(20*time.Millisecond, emit)
	defer d.Stop()

	d.Quit("libera", "alice", []string{"#a", "#b"})

	select {
	case q := <-emit.ch:
		assert.Equal(t, "libera", q.domain)
		assert.Equal(t, "alice", q.nick)
		assert.ElementsMatch(t, []string{"#a", "#b"}, q.channels)
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never expired")
	}
	assert.Empty(t, d.Pending("libera", "alice"))
}

func TestQuitDebouncer_RejoinCancelsOnlyThatChannel(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(30*time.Millisecond, emit)
	defer d.Stop()

	d.Quit("libera", "alice", []string{"#a", "#b", "#c"})
	require.True(t, d.Rejoin("libera", "alice", "#b"))
	assert.ElementsMatch(t, []string{"#a", "#c"}, d.Pending("libera", "alice"))

	select {
	case q := <-emit.ch:
		assert.ElementsMatch(t, []string{"#a", "#c"}, q.channels)
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never expired")
	}
}

func TestQuitDebouncer_FullRejoinCancelsRecord(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(20*time.Millisecond, emit)
	defer d.Stop()

	d.Quit("libera", "alice", []string{"#a", "#b"})
	require.True(t, d.Rejoin("libera", "alice", "#a"))
	require.True(t, d.Rejoin("libera", "alice", "#b"))
	assert.Empty(t, d.Pending("libera", "alice"))

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, emit.count(), "cancelled record must not emit")
}

func TestQuitDebouncer_RepeatedQuitWidensPendingSet(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(40*time.Millisecond, emit)
	defer d.Stop()

	d.Quit("libera", "alice", []string{"#a"})
	d.Quit("libera", "alice", []string{"#b"})
	assert.ElementsMatch(t, []string{"#a", "#b"}, d.Pending("libera", "alice"))

	select {
	case q := <-emit.ch:
		assert.ElementsMatch(t, []string{"#a", "#b"}, q.channels)
	case <-time.After(2 * time.Second):
		t.Fatal("debounce never expired")
	}
	// Only one record existed, so only one emit.
	assert.Equal(t, 1, emit.count())
}

func TestQuitDebouncer_RejoinOfUnknownChannel(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(time.Hour, emit)
	defer d.Stop()

	assert.False(t, d.Rejoin("libera", "alice", "#a"), "no record at all")
	d.Quit("libera", "alice", []string{"#a"})
	assert.False(t, d.Rejoin("libera", "alice", "#other"), "channel not pending")
	assert.ElementsMatch(t, []string{"#a"}, d.Pending("libera", "alice"))
}

func TestQuitDebouncer_StopSuppressesEmits(t *testing.T) {
	t.Parallel()
	emit := newEmitRecorder()
	d := newTestDebouncer(15*time.Millisecond, emit)

	d.Quit("libera", "alice", []string{"#a"})
	d.Stop()
	d.Quit("libera", "bob", []string{"#b"})

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, emit.count())
	assert.Empty(t, d.Pending("libera", "bob"))
}
