// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/config"
	"github.com/3nprob/matrix-appservice-irc/pkg/retry"
)

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// HandleIRCPart mirrors an IRC part into the mapped rooms as a queued
// leave for the departing user's ghost.
func (r *Reconciler) HandleIRCPart(ctx context.Context, domain, channel, nick, reason string) {
	srv := r.server(domain)
	if srv == nil {
		return
	}
	ch := ChannelKey{Domain: domain, Channel: channel}
	r.invalidateMentions(ch)
	if srv.MembershipSync == config.SyncOff {
		return
	}

	if mxid, err := r.store.MatrixUserForNick(ctx, domain, nick); err == nil && mxid != "" {
		// Our own user's IRC connection parting is the echo of a Matrix
		// leave, not something to mirror back.
		return
	}

	ghost := r.ghosts.UserID(srv.Name, nick)
	r.enqueueLeaveForChannel(ctx, ch, &LeaveOp{
		User:         ghost,
		RetryAllowed: true,
	})
}

// HandleIRCQuit handles a network disconnect for an identity that occupied
// the given channels. Networks configured to debounce quits defer the
// destructive leaves until the grace period elapses without a rejoin.
func (r *Reconciler) HandleIRCQuit(ctx context.Context, domain, nick string, channels []string) {
	srv := r.server(domain)
	if srv == nil {
		return
	}
	if srv.DebounceQuits {
		r.debouncer.Quit(domain, nick, channels)
		return
	}
	r.emitQuitLeaves(ctx, domain, nick, channels)
}

// debouncedQuitExpired is the debouncer's expiry callback.
func (r *Reconciler) debouncedQuitExpired(domain, nick string, channels []string) {
	r.emitQuitLeaves(context.Background(), domain, nick, channels)
}

func (r *Reconciler) emitQuitLeaves(ctx context.Context, domain, nick string, channels []string) {
	srv := r.server(domain)
	if srv == nil {
		return
	}
	ghost := r.ghosts.UserID(srv.Name, nick)
	for _, channel := range channels {
		ch := ChannelKey{Domain: domain, Channel: channel}
		r.invalidateMentions(ch)
		r.enqueueLeaveForChannel(ctx, ch, &LeaveOp{
			User:         ghost,
			RetryAllowed: true,
		})
	}
}

// HandleIRCKick translates an IRC kick. Who gets what depends on who was
// kicked:
//
//   - a bridged Matrix user: mirrored as that user leaving the mapped
//     rooms, avoiding any dependency on bot kick permissions,
//   - anyone else (an IRC user with a ghost): the bridge bot kicks the
//     ghost with the kicker's reason and revokes its power levels first,
//     so the departure looks like a native kick.
func (r *Reconciler) HandleIRCKick(ctx context.Context, domain, channel, kickedNick, byNick, reason string) {
	srv := r.server(domain)
	if srv == nil {
		return
	}
	ch := ChannelKey{Domain: domain, Channel: channel}
	r.invalidateMentions(ch)

	kickReason := fmt.Sprintf("Kicked by %s", byNick)
	if reason != "" {
		kickReason += ": " + reason
	}

	mxid, err := r.store.MatrixUserForNick(ctx, domain, kickedNick)
	if err != nil {
		r.log.Error().Err(err).Str("nick", kickedNick).Msg("Failed to resolve kicked nick")
		return
	}
	if mxid != "" {
		r.notifyAdminRoom(ctx, mxid, fmt.Sprintf("You were kicked from %s on %s by %s: %s", channel, domain, byNick, reason))
		r.enqueueLeaveForChannel(ctx, ch, &LeaveOp{
			User:         mxid,
			RetryAllowed: true,
		})
		return
	}

	ghost := r.ghosts.UserID(srv.Name, kickedNick)
	r.enqueueLeaveForChannel(ctx, ch, &LeaveOp{
		User:         ghost,
		Kick:         true,
		KickReason:   kickReason,
		Deop:         true,
		RetryAllowed: true,
	})
}

// enqueueLeaveForChannel fans the channel's rooms out into one queued op
// per room, so the mutations for a (room, user) pair share one pool key
// even when several channels map to the same room.
func (r *Reconciler) enqueueLeaveForChannel(ctx context.Context, ch ChannelKey, op *LeaveOp) {
	rooms, err := r.store.RoomsForChannel(ctx, ch)
	if err != nil {
		r.log.Error().Err(err).Str("channel", ch.String()).Msg("Failed to resolve rooms for leave")
		return
	}
	for _, room := range rooms {
		r.unmarkJoined(room, op.User)
		roomOp := *op
		roomOp.Room = room
		r.enqueueLeave(ctx, &roomOp)
	}
}

func (r *Reconciler) enqueueLeave(ctx context.Context, op *LeaveOp) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	// The result channel is buffered; processLeave never returns an error
	// to its caller, so nothing needs to read it.
	_ = r.pool.Enqueue(ctx, leaveKey(op), op)
}

// processLeave executes one leave/kick item. A retryable failure re-enqueues
// the op on its own key with an incremented attempt count after a jittered
// delay; everything else is dropped with a log line. Leaves are best-effort,
// so this never propagates an error.
func (r *Reconciler) processLeave(ctx context.Context, op *LeaveOp) error {
	attempt := op.Attempt + 1
	err := r.executeLeave(ctx, op)
	if err == nil || retry.IsNotApplicable(err) {
		return nil
	}
	dec := r.leavePolicy.Evaluate(err, attempt, op.RetryAllowed)
	if !dec.Retry {
		r.metrics.LeaveDropped.Inc()
		r.log.Error().Err(err).
			Str("op_id", op.ID).
			Str("room_id", op.Room.String()).
			Str("user_id", op.User.String()).
			Int("attempt", attempt).
			Bool("kick", op.Kick).
			Msg("Giving up on leave operation")
		return nil
	}

	next := *op
	next.Attempt = attempt
	r.metrics.LeaveRetries.Inc()
	r.log.Warn().
		Str("op_id", op.ID).
		Str("room_id", op.Room.String()).
		Int("attempt", attempt).
		Dur("delay", dec.Delay).
		Msg("Re-enqueueing failed leave operation")
	time.AfterFunc(dec.Delay, func() {
		r.enqueueLeave(context.Background(), &next)
	})
	return nil
}

func (r *Reconciler) executeLeave(ctx context.Context, op *LeaveOp) error {
	if op.Kick {
		bot := r.rooms.Bot()
		if op.Deop {
			r.metrics.MatrixCalls.WithLabelValues("power_level").Inc()
			if err := bot.SetPowerLevel(ctx, op.Room, op.User, 0); err != nil && !retry.IsNotApplicable(err) {
				// Losing the deop is cosmetic; the kick still proceeds.
				r.log.Warn().Err(err).
					Str("room_id", op.Room.String()).
					Str("user_id", op.User.String()).
					Msg("Failed to revoke power levels before kick")
			}
		}
		r.metrics.MatrixCalls.WithLabelValues("kick").Inc()
		return bot.Kick(ctx, op.Room, op.User, op.KickReason)
	}
	r.metrics.MatrixCalls.WithLabelValues("leave").Inc()
	return r.rooms.Intent(op.User).Leave(ctx, op.Room)
}

// HandleMatrixMembership processes the authoritative membership feed from
// the homeserver: it corrects PM records, mirrors Matrix-side kicks of
// ghosts as native IRC kicks, and parts a user's IRC connection when they
// leave a bridged room.
func (r *Reconciler) HandleMatrixMembership(ctx context.Context, room id.RoomID, target, sender id.UserID, membership event.Membership, reason string) {
	if rec, ok := r.pmState.Get(room); ok && rec.Counterpart == target {
		rec.State = membership
		r.pmState.Set(room, rec)
	}

	switch membership {
	case event.MembershipJoin:
		r.markJoined(room, target)
	case event.MembershipLeave, event.MembershipBan:
		r.unmarkJoined(room, target)
		if r.ghosts.IsGhost(target) && sender != target {
			r.kickGhostFromChannels(ctx, room, target, sender, reason)
		} else if !r.ghosts.IsGhost(target) && sender == target {
			r.partUserFromChannels(ctx, room, target, reason)
		}
	}
}

// kickGhostFromChannels issues a native IRC kick for a ghost that a Matrix
// user kicked out of a bridged room.
func (r *Reconciler) kickGhostFromChannels(ctx context.Context, room id.RoomID, ghost, sender id.UserID, reason string) {
	channels, err := r.store.ChannelsForRoom(ctx, room)
	if err != nil {
		r.log.Error().Err(err).Str("room_id", room.String()).Msg("Failed to resolve channels for ghost kick")
		return
	}
	if reason == "" {
		reason = fmt.Sprintf("Kicked by %s", sender)
	}
	for _, ch := range channels {
		srv := r.server(ch.Domain)
		client := r.channelClient(ch.Domain)
		if srv == nil || client == nil {
			continue
		}
		nick, ok := r.ghosts.Nick(srv.Name, ghost)
		if !ok {
			continue
		}
		r.invalidateMentions(ch)
		r.metrics.IRCCalls.WithLabelValues("kick").Inc()
		if err = client.Kick(ctx, ch.Channel, nick, reason); err != nil {
			r.log.Error().Err(err).
				Str("channel", ch.String()).
				Str("nick", nick).
				Msg("Failed to kick nick from channel")
		}
	}
}

// partUserFromChannels parts a bridged user's IRC connection from the
// channels mapped to a room they left.
func (r *Reconciler) partUserFromChannels(ctx context.Context, room id.RoomID, user id.UserID, reason string) {
	channels, err := r.store.ChannelsForRoom(ctx, room)
	if err != nil {
		r.log.Error().Err(err).Str("room_id", room.String()).Msg("Failed to resolve channels for part")
		return
	}
	for _, ch := range channels {
		client := r.channelClient(ch.Domain)
		if client == nil {
			continue
		}
		nick, err := r.store.NickForMatrixUser(ctx, ch.Domain, user)
		if err != nil || nick == "" {
			continue
		}
		r.invalidateMentions(ch)
		r.metrics.IRCCalls.WithLabelValues("part").Inc()
		if err = client.Part(ctx, ch.Channel, nick, reason); err != nil {
			r.log.Error().Err(err).
				Str("channel", ch.String()).
				Str("nick", nick).
				Msg("Failed to part nick from channel")
		}
	}
}

// notifyAdminRoom delivers a bridge status notice to the user's admin
// room, creating it on first use. Failures are logged only; notices are
// never load-bearing.
func (r *Reconciler) notifyAdminRoom(ctx context.Context, user id.UserID, text string) {
	room, err := r.store.GetAdminRoom(ctx, user)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", user.String()).Msg("Failed to look up admin room")
		return
	}
	if room == "" {
		r.metrics.MatrixCalls.WithLabelValues("create_room").Inc()
		room, err = r.rooms.Bot().CreateDirectRoom(ctx, user, "IRC Bridge Status")
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", user.String()).Msg("Failed to create admin room")
			return
		}
		if err = r.store.StoreAdminRoom(ctx, user, room); err != nil {
			r.log.Warn().Err(err).Str("user_id", user.String()).Msg("Failed to persist admin room")
		}
	}
	r.metrics.MatrixCalls.WithLabelValues("notice").Inc()
	if err = r.rooms.Bot().SendNotice(ctx, room, text); err != nil {
		r.log.Warn().Err(err).Str("room_id", room.String()).Msg("Failed to send admin notice")
	}
}
