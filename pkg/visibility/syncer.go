// Copyright 2024-2026 Aiku AI

// Package visibility reconciles IRC channel privacy with Matrix room
// directory visibility across the many-to-many channel↔room mapping.
//
// The governing invariant is privacy monotonicity: a room mapped to any
// channel currently known to be secret must be private, and a room may be
// public only when every channel mapped to it has been observed to be
// non-secret. A channel whose mode has never been observed counts as
// secret.
package visibility

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/metrics"
)

// Visibility is a room's directory visibility.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// ChannelRef identifies a channel on a network.
type ChannelRef struct {
	Domain  string
	Channel string
}

// DirectorySetter issues directory-visibility updates to the homeserver.
type DirectorySetter interface {
	SetRoomDirectoryVisibility(ctx context.Context, networkID string, room id.RoomID, vis Visibility) error
}

// MappingSource resolves the channel↔room mapping table.
type MappingSource interface {
	RoomsForChannel(ctx context.Context, ch ChannelRef) ([]id.RoomID, error)
	ChannelsForRoom(ctx context.Context, room id.RoomID) ([]ChannelRef, error)
}

// Syncer tracks channel secrecy and last-known room visibility and corrects
// any room whose effective visibility no longer matches policy.
type Syncer struct {
	log       zerolog.Logger
	dir       DirectorySetter
	maps      MappingSource
	networkID func(domain string) string
	metrics   *metrics.Metrics

	mu sync.Mutex
	// secret records the last observed secrecy flag per channel. A channel
	// absent from the map has an unknown mode and is treated as secret.
	secret map[ChannelRef]bool
	// roomVis is the last visibility the syncer believes each room has.
	roomVis map[id.RoomID]Visibility
}

// New creates a syncer. networkID maps a network domain to the directory
// list identifier used by the homeserver; metrics may be nil.
func New(dir DirectorySetter, maps MappingSource, networkID func(domain string) string, m *metrics.Metrics, log zerolog.Logger) *Syncer {
	return &Syncer{
		log:       log.With().Str("component", "visibility_syncer").Logger(),
		dir:       dir,
		maps:      maps,
		networkID: networkID,
		metrics:   m,
		secret:    make(map[ChannelRef]bool),
		roomVis:   make(map[id.RoomID]Visibility),
	}
}

// ChannelModeChanged records a channel's secrecy flag and reconciles every
// room directly mapped to that channel. Only the direct mapping is
// recomputed; a room's other channels are consulted when computing that
// room's target visibility, but the fan-out does not recurse into them.
func (s *Syncer) ChannelModeChanged(ctx context.Context, ch ChannelRef, secret bool) {
	s.mu.Lock()
	prev, known := s.secret[ch]
	s.secret[ch] = secret
	s.mu.Unlock()
	if known && prev == secret {
		return
	}

	rooms, err := s.maps.RoomsForChannel(ctx, ch)
	if err != nil {
		s.log.Error().Err(err).
			Str("domain", ch.Domain).
			Str("channel", ch.Channel).
			Msg("Failed to resolve rooms for channel")
		return
	}
	s.reconcileRooms(ctx, ch.Domain, rooms)
}

// RoomVisibilityObserved records a room's externally observed directory
// visibility (e.g. from a startup scan) and corrects it if it violates
// policy.
func (s *Syncer) RoomVisibilityObserved(ctx context.Context, domain string, room id.RoomID, vis Visibility) {
	s.mu.Lock()
	s.roomVis[room] = vis
	s.mu.Unlock()
	s.reconcileRooms(ctx, domain, []id.RoomID{room})
}

// SeedRoomVisibility primes the last-known visibility cache without
// triggering reconciliation. Used at startup to replay persisted state, so
// the first real mode observation diffs against the previous run instead
// of flipping every room to private while channel modes are still unknown.
func (s *Syncer) SeedRoomVisibility(room id.RoomID, vis Visibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomVis[room] = vis
}

// ChannelSecrecy reports the recorded secrecy of a channel and whether its
// mode has been observed at all.
func (s *Syncer) ChannelSecrecy(ch ChannelRef) (secret, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secret, known = s.secret[ch]
	return secret, known
}

// CachedVisibility reports the last visibility the syncer believes a room
// has, if any update or observation has been recorded for it.
func (s *Syncer) CachedVisibility(room id.RoomID) (Visibility, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vis, ok := s.roomVis[room]
	return vis, ok
}

// reconcileRooms computes each room's target visibility and issues an
// update for rooms whose cached state differs. A failure on one room is
// logged and does not block the others.
func (s *Syncer) reconcileRooms(ctx context.Context, domain string, rooms []id.RoomID) {
	for _, room := range rooms {
		target, err := s.targetVisibility(ctx, room)
		if err != nil {
			s.log.Error().Err(err).Str("room_id", room.String()).Msg("Failed to compute room visibility")
			continue
		}

		s.mu.Lock()
		current, ok := s.roomVis[room]
		s.mu.Unlock()
		if ok && current == target {
			continue
		}

		if err = s.dir.SetRoomDirectoryVisibility(ctx, s.networkID(domain), room, target); err != nil {
			s.log.Error().Err(err).
				Str("room_id", room.String()).
				Str("visibility", string(target)).
				Msg("Failed to update room directory visibility")
			continue
		}
		s.mu.Lock()
		s.roomVis[room] = target
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.VisibilityUpdates.WithLabelValues(string(target)).Inc()
		}
		s.log.Info().
			Str("room_id", room.String()).
			Str("visibility", string(target)).
			Msg("Corrected room directory visibility")
	}
}

// targetVisibility derives the policy-correct visibility for a room: public
// only when every mapped channel is known non-secret.
func (s *Syncer) targetVisibility(ctx context.Context, room id.RoomID) (Visibility, error) {
	channels, err := s.maps.ChannelsForRoom(ctx, room)
	if err != nil {
		return Private, err
	}
	// A room with no mappings left has nothing vouching for it.
	if len(channels) == 0 {
		return Private, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		secret, known := s.secret[ch]
		if !known || secret {
			return Private, nil
		}
	}
	return Public, nil
}
