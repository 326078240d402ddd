// Copyright 2024-2026 Aiku AI

// Package metrics holds the bridge's passive call-count instrumentation.
// Counters are plain Prometheus collectors registered on the registry the
// caller provides; exposition is left to the embedding process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters the reconciliation engine increments.
type Metrics struct {
	// MatrixCalls counts homeserver API calls by operation name.
	MatrixCalls *prometheus.CounterVec
	// IRCCalls counts IRC client commands by operation name.
	IRCCalls *prometheus.CounterVec
	// LeaveRetries counts re-enqueued leave/kick items.
	LeaveRetries prometheus.Counter
	// LeaveDropped counts leave/kick items dropped after exhausting retries.
	LeaveDropped prometheus.Counter
	// DebounceExpired counts quit debounce records that expired into leaves.
	DebounceExpired prometheus.Counter
	// DebounceCancelled counts quit debounce records fully cancelled by rejoins.
	DebounceCancelled prometheus.Counter
	// VisibilityUpdates counts directory-visibility corrections by visibility.
	VisibilityUpdates *prometheus.CounterVec
	// MentionCacheMisses counts mention-map rebuilds.
	MentionCacheMisses prometheus.Counter
}

// New creates and registers all counters on reg. Passing nil uses a fresh
// private registry, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		MatrixCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_matrix_api_calls_total",
			Help: "Homeserver API calls issued by the reconciliation engine.",
		}, []string{"call"}),
		IRCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_irc_commands_total",
			Help: "IRC client commands issued by the reconciliation engine.",
		}, []string{"command"}),
		LeaveRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_leave_queue_retries_total",
			Help: "Leave/kick items re-enqueued after a retryable failure.",
		}),
		LeaveDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_leave_queue_dropped_total",
			Help: "Leave/kick items dropped after exhausting their retry ceiling.",
		}),
		DebounceExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_quit_debounce_expired_total",
			Help: "Quit debounce records that expired into leave items.",
		}),
		DebounceCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_quit_debounce_cancelled_total",
			Help: "Quit debounce records fully cancelled by rejoins.",
		}),
		VisibilityUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_room_visibility_updates_total",
			Help: "Room directory visibility corrections issued.",
		}, []string{"visibility"}),
		MentionCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_mention_cache_misses_total",
			Help: "Mention map rebuilds caused by cache misses.",
		}),
	}
}
