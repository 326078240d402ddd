// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ChannelKey identifies an IRC channel on a configured network.
type ChannelKey struct {
	Domain  string
	Channel string
}

func (k ChannelKey) String() string {
	return k.Domain + "/" + k.Channel
}

// ChannelClient is the IRC side of the bridge: commands the reconciler
// issues against a network. Implementations own connection management and
// wire formatting.
type ChannelClient interface {
	Join(ctx context.Context, channel string) error
	Part(ctx context.Context, channel, nick, reason string) error
	Kick(ctx context.Context, channel, nick, reason string) error
	SetTopic(ctx context.Context, channel, topic string) error
	QueryMode(ctx context.Context, channel string) error
}

// Intent performs homeserver operations as one acting identity, matching
// the per-user intent model of the appservice API.
type Intent interface {
	EnsureJoined(ctx context.Context, room id.RoomID) error
	Leave(ctx context.Context, room id.RoomID) error
	Kick(ctx context.Context, room id.RoomID, user id.UserID, reason string) error
	Invite(ctx context.Context, room id.RoomID, user id.UserID) error
	SetTopic(ctx context.Context, room id.RoomID, topic string) error
	SetPowerLevel(ctx context.Context, room id.RoomID, user id.UserID, level int) error
	Membership(ctx context.Context, room id.RoomID, user id.UserID) (event.Membership, error)
	CreateDirectRoom(ctx context.Context, invite id.UserID, name string) (id.RoomID, error)
	SendNotice(ctx context.Context, room id.RoomID, text string) error
}

// RoomClient hands out intents for acting identities.
type RoomClient interface {
	Intent(user id.UserID) Intent
	Bot() Intent
}

// Store is the persistence the reconciler consults. Implementations live
// outside this package; pkg/store provides the SQLite one.
type Store interface {
	RoomsForChannel(ctx context.Context, ch ChannelKey) ([]id.RoomID, error)
	ChannelsForRoom(ctx context.Context, room id.RoomID) ([]ChannelKey, error)

	// MatrixUserForNick resolves a nick that belongs to a bridged Matrix
	// user's IRC connection. Returns "" when the nick is not bridge-owned.
	MatrixUserForNick(ctx context.Context, domain, nick string) (id.UserID, error)
	// NickForMatrixUser is the inverse lookup: the nick a bridged Matrix
	// user's connection holds on a network, or "" when not connected.
	NickForMatrixUser(ctx context.Context, domain string, user id.UserID) (string, error)
	// NicksForChannel lists the nick → Matrix user pairs known for a
	// channel, used to resolve @-mentions.
	NicksForChannel(ctx context.Context, ch ChannelKey) (map[string]id.UserID, error)
	// MentionOptIn reports whether a user wants their nick resolved in
	// mention maps.
	MentionOptIn(ctx context.Context, user id.UserID) (bool, error)

	GetPMRoom(ctx context.Context, user id.UserID, domain, nick string) (id.RoomID, error)
	StorePMRoom(ctx context.Context, user id.UserID, domain, nick string, room id.RoomID) error

	GetAdminRoom(ctx context.Context, user id.UserID) (id.RoomID, error)
	StoreAdminRoom(ctx context.Context, user id.UserID, room id.RoomID) error
}

// LeaveOp is one queued leave/kick operation against a single room. A
// failed but retryable op is re-enqueued with an incremented attempt count
// until it succeeds or exhausts its retry ceiling.
type LeaveOp struct {
	ID   string
	Room id.RoomID
	// User is the departing identity on the Matrix side.
	User id.UserID
	// Kick makes the bridge bot kick User instead of User leaving.
	Kick       bool
	KickReason string
	// Deop additionally revokes elevated power levels before the kick, so
	// a relayed external user departs the way a native user would.
	Deop         bool
	RetryAllowed bool
	Attempt      int
}

// leaveKey routes a leave op so that every membership mutation for one
// (room, user) pair lands on the same pool lane, retries included.
func leaveKey(op *LeaveOp) string {
	return op.Room.String() + " " + string(op.User)
}
