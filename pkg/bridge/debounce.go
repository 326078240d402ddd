// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/3nprob/matrix-appservice-irc/pkg/metrics"
)

// QuitDebouncer absorbs transient disconnect/rejoin bursts. A quit starts a
// grace period instead of an immediate mass-leave; channels the identity
// rejoins before the deadline are cancelled individually, and whatever is
// still pending when the deadline elapses is handed to emit as leave work.
//
// IRC disconnects are frequently transient (ping timeout, short netsplit);
// mirroring every quit immediately causes visible membership churn on the
// Matrix side.
type QuitDebouncer struct {
	log zerolog.Logger
	// delay picks the grace period for a network, typically randomized
	// between the configured min and max to spread netsplit recovery.
	delay func(domain string) time.Duration
	// emit receives the channels an expired record still had pending.
	emit    func(domain, nick string, channels []string)
	metrics *metrics.Metrics

	mu      sync.Mutex
	records map[string]*debounceRecord
	stopped bool
}

type debounceRecord struct {
	id       string
	domain   string
	nick     string
	pending  map[string]struct{}
	timer    *time.Timer
	deadline time.Time
}

func debounceKey(domain, nick string) string {
	return domain + " " + nick
}

// NewQuitDebouncer creates a debouncer. metrics may be nil.
func NewQuitDebouncer(delay func(domain string) time.Duration, emit func(domain, nick string, channels []string), m *metrics.Metrics, log zerolog.Logger) *QuitDebouncer {
	return &QuitDebouncer{
		log:     log.With().Str("component", "quit_debouncer").Logger(),
		delay:   delay,
		emit:    emit,
		metrics: m,
		records: make(map[string]*debounceRecord),
	}
}

// Quit starts (or widens) the debounce record for an identity that
// disconnected while occupying the given channels.
func (d *QuitDebouncer) Quit(domain, nick string, channels []string) {
	if len(channels) == 0 {
		return
	}
	key := debounceKey(domain, nick)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if rec, ok := d.records[key]; ok {
		// Already debouncing: a repeated quit only widens the pending set,
		// the original deadline stands.
		for _, ch := range channels {
			rec.pending[ch] = struct{}{}
		}
		return
	}

	grace := d.delay(domain)
	rec := &debounceRecord{
		id:       uuid.NewString(),
		domain:   domain,
		nick:     nick,
		pending:  make(map[string]struct{}, len(channels)),
		deadline: time.Now().Add(grace),
	}
	for _, ch := range channels {
		rec.pending[ch] = struct{}{}
	}
	recID := rec.id
	rec.timer = time.AfterFunc(grace, func() {
		d.expire(key, recID)
	})
	d.records[key] = rec

	d.log.Debug().
		Str("domain", domain).
		Str("nick", nick).
		Int("channels", len(channels)).
		Dur("grace", grace).
		Msg("Debouncing quit")
}

// Rejoin cancels the pending leave for one channel. Returns true if a
// debounce record absorbed the rejoin. When the last pending channel is
// rejoined, the whole record is cancelled.
func (d *QuitDebouncer) Rejoin(domain, nick, channel string) bool {
	key := debounceKey(domain, nick)

	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[key]
	if !ok {
		return false
	}
	if _, pending := rec.pending[channel]; !pending {
		return false
	}
	delete(rec.pending, channel)
	if len(rec.pending) == 0 {
		rec.timer.Stop()
		delete(d.records, key)
		if d.metrics != nil {
			d.metrics.DebounceCancelled.Inc()
		}
		d.log.Debug().Str("domain", domain).Str("nick", nick).Msg("Quit debounce fully cancelled by rejoins")
	}
	return true
}

// Pending reports the channels still awaiting the grace deadline for an
// identity.
func (d *QuitDebouncer) Pending(domain, nick string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[debounceKey(domain, nick)]
	if !ok {
		return nil
	}
	channels := make([]string, 0, len(rec.pending))
	for ch := range rec.pending {
		channels = append(channels, ch)
	}
	return channels
}

// Stop cancels all outstanding records without emitting leaves.
func (d *QuitDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, rec := range d.records {
		rec.timer.Stop()
		delete(d.records, key)
	}
}

// expire converts whatever the record still has pending into leave work.
// The record ID guards against a timer firing for a record that was already
// cancelled and replaced.
func (d *QuitDebouncer) expire(key, recID string) {
	d.mu.Lock()
	rec, ok := d.records[key]
	if !ok || rec.id != recID {
		d.mu.Unlock()
		return
	}
	delete(d.records, key)
	channels := make([]string, 0, len(rec.pending))
	for ch := range rec.pending {
		channels = append(channels, ch)
	}
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DebounceExpired.Inc()
	}
	d.log.Info().
		Str("domain", rec.domain).
		Str("nick", rec.nick).
		Int("channels", len(channels)).
		Msg("Quit debounce expired, emitting leaves")
	d.emit(rec.domain, rec.nick, channels)
}
