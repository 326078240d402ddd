// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	// ErrPMsDisabled is returned when the network's config forbids
	// private message bridging.
	ErrPMsDisabled = errors.New("private messages are disabled for this network")
	// ErrPMCreateTimeout is returned when an in-flight PM room creation
	// takes longer than the creation guard allows.
	ErrPMCreateTimeout = errors.New("timed out waiting for PM room creation")
)

// PMRecord tracks the bridged counterpart of a PM room and the last known
// membership of that counterpart, updated from the authoritative Matrix
// event stream.
type PMRecord struct {
	Counterpart id.UserID
	State       event.Membership
}

// EnsurePMRoom returns the PM room between an IRC user's ghost and a
// Matrix recipient, creating it if needed. Concurrent calls for the same
// pair share one creation; the recipient is re-invited if they previously
// left the room.
func (r *Reconciler) EnsurePMRoom(ctx context.Context, domain, nick string, recipient id.UserID) (id.RoomID, error) {
	srv := r.server(domain)
	if srv == nil {
		return "", fmt.Errorf("unknown network %q", domain)
	}
	if !srv.PMAllowed {
		return "", ErrPMsDisabled
	}
	ghost := r.ghosts.UserID(srv.Name, nick)

	room, err := r.store.GetPMRoom(ctx, recipient, domain, nick)
	if err != nil {
		return "", fmt.Errorf("failed to look up PM room: %w", err)
	}
	if room != "" {
		if err = r.ensurePMRecipient(ctx, room, ghost, recipient); err != nil {
			return "", err
		}
		return room, nil
	}

	key := domain + "\x00" + nick + "\x00" + recipient.String()
	resCh := r.pmCreate.DoChan(key, func() (any, error) {
		// Creation outlives its first requester: a second caller sharing
		// the flight would otherwise observe the first one's cancellation.
		return r.createPMRoom(context.WithoutCancel(ctx), domain, nick, ghost, recipient)
	})
	select {
	case res := <-resCh:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(id.RoomID), nil
	case <-time.After(pmCreateTimeout):
		return "", ErrPMCreateTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Reconciler) createPMRoom(ctx context.Context, domain, nick string, ghost, recipient id.UserID) (id.RoomID, error) {
	r.metrics.MatrixCalls.WithLabelValues("create_room").Inc()
	room, err := r.rooms.Intent(ghost).CreateDirectRoom(ctx, recipient, nick)
	if err != nil {
		return "", fmt.Errorf("failed to create PM room: %w", err)
	}
	if err = r.store.StorePMRoom(ctx, recipient, domain, nick, room); err != nil {
		// The room exists; failing to persist it only costs a duplicate
		// on the next PM after a restart.
		r.log.Error().Err(err).Str("room_id", room.String()).Msg("Failed to persist PM room")
	}
	r.pmState.Set(room, PMRecord{Counterpart: recipient, State: event.MembershipInvite})
	r.log.Info().
		Str("room_id", room.String()).
		Str("ghost", ghost.String()).
		Str("recipient", recipient.String()).
		Msg("Created PM room")
	return room, nil
}

// ensurePMRecipient re-invites the recipient when the tracked (or lazily
// queried) membership shows they are no longer in the room.
func (r *Reconciler) ensurePMRecipient(ctx context.Context, room id.RoomID, ghost, recipient id.UserID) error {
	rec, ok := r.pmState.Get(room)
	if !ok {
		r.metrics.MatrixCalls.WithLabelValues("membership").Inc()
		membership, err := r.rooms.Intent(ghost).Membership(ctx, room, recipient)
		if err != nil {
			return fmt.Errorf("failed to query PM membership: %w", err)
		}
		rec = PMRecord{Counterpart: recipient, State: membership}
		r.pmState.Set(room, rec)
	}
	if rec.State == event.MembershipJoin || rec.State == event.MembershipInvite {
		return nil
	}
	r.metrics.MatrixCalls.WithLabelValues("invite").Inc()
	if err := r.rooms.Intent(ghost).Invite(ctx, room, recipient); err != nil {
		return fmt.Errorf("failed to re-invite to PM room: %w", err)
	}
	r.pmState.Set(room, PMRecord{Counterpart: recipient, State: event.MembershipInvite})
	return nil
}
