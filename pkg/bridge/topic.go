// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/retry"
)

// topicChange is one queued topic update for a channel. Changes for the
// same channel are serialized so the last IRC topic always wins.
type topicChange struct {
	ch    ChannelKey
	topic string
	// setBy is the nick that set the topic on IRC; its ghost is the
	// preferred actor for the Matrix state event.
	setBy string
}

// HandleIRCTopic queues an IRC topic change for propagation into the
// mapped rooms.
func (r *Reconciler) HandleIRCTopic(ctx context.Context, domain, channel, setBy, topic string) {
	if r.server(domain) == nil {
		return
	}
	ch := ChannelKey{Domain: domain, Channel: channel}
	_ = r.topics.Enqueue(ctx, ch.String(), topicChange{ch: ch, topic: topic, setBy: setBy})
}

// processTopic applies one topic change to every mapped room. Rooms whose
// cached topic already matches are skipped. The setter's ghost acts first;
// if the ghost lacks permission the bot retries once. Per-room failures
// are logged and do not block the remaining rooms.
func (r *Reconciler) processTopic(ctx context.Context, tc topicChange) error {
	srv := r.server(tc.ch.Domain)
	if srv == nil {
		return nil
	}
	rooms, err := r.store.RoomsForChannel(ctx, tc.ch)
	if err != nil {
		r.log.Error().Err(err).Str("channel", tc.ch.String()).Msg("Failed to resolve rooms for topic change")
		return nil
	}

	var actor Intent
	if tc.setBy != "" {
		actor = r.rooms.Intent(r.ghosts.UserID(srv.Name, tc.setBy))
	}

	for _, room := range rooms {
		if r.cachedTopic(room) == tc.topic {
			continue
		}
		if err = r.setRoomTopic(ctx, actor, room, tc.topic); err != nil {
			r.log.Error().Err(err).
				Str("room_id", room.String()).
				Str("channel", tc.ch.String()).
				Msg("Failed to set room topic")
			continue
		}
		r.storeTopic(room, tc.topic)
	}
	return nil
}

// setRoomTopic tries the ghost actor and falls back to the bot on a
// permission denial.
func (r *Reconciler) setRoomTopic(ctx context.Context, actor Intent, room id.RoomID, topic string) error {
	if actor != nil {
		r.metrics.MatrixCalls.WithLabelValues("topic").Inc()
		err := actor.SetTopic(ctx, room, topic)
		if err == nil || !retry.IsPermissionDenied(err) {
			return err
		}
		r.log.Debug().
			Str("room_id", room.String()).
			Msg("Ghost lacks permission to set topic, falling back to bot")
	}
	r.metrics.MatrixCalls.WithLabelValues("topic").Inc()
	return r.rooms.Bot().SetTopic(ctx, room, topic)
}

// HandleMatrixTopic propagates a room topic change to the channels mapped
// to it.
func (r *Reconciler) HandleMatrixTopic(ctx context.Context, room id.RoomID, topic string) {
	r.storeTopic(room, topic)
	channels, err := r.store.ChannelsForRoom(ctx, room)
	if err != nil {
		r.log.Error().Err(err).Str("room_id", room.String()).Msg("Failed to resolve channels for topic change")
		return
	}
	for _, ch := range channels {
		client := r.channelClient(ch.Domain)
		if client == nil {
			continue
		}
		r.metrics.IRCCalls.WithLabelValues("topic").Inc()
		if err = client.SetTopic(ctx, ch.Channel, topic); err != nil {
			r.log.Error().Err(err).Str("channel", ch.String()).Msg("Failed to set channel topic")
		}
	}
}

func (r *Reconciler) cachedTopic(room id.RoomID) string {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()
	return r.topicCache[room]
}

func (r *Reconciler) storeTopic(room id.RoomID, topic string) {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()
	r.topicCache[room] = topic
}
