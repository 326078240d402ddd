// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/bridge"
)

var _ bridge.Store = (*DB)(nil)

// Nicks are stored lowercased; IRC nicks are case-insensitive.
func nickKey(nick string) string {
	return strings.ToLower(nick)
}

// -------------------------------------------------------------------------
// Channel ↔ room mappings

// AddMapping links a channel to a room. Adding an existing link is a no-op.
func (db *DB) AddMapping(ctx context.Context, ch bridge.ChannelKey, room id.RoomID) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR IGNORE INTO mappings (domain, channel, room_id) VALUES (?, ?, ?)",
		ch.Domain, ch.Channel, room.String())
	if err != nil {
		return fmt.Errorf("failed to add mapping %s -> %s: %w", ch, room, err)
	}
	return nil
}

// RemoveMapping unlinks a channel from a room.
func (db *DB) RemoveMapping(ctx context.Context, ch bridge.ChannelKey, room id.RoomID) error {
	_, err := db.sql.ExecContext(ctx,
		"DELETE FROM mappings WHERE domain = ? AND channel = ? AND room_id = ?",
		ch.Domain, ch.Channel, room.String())
	if err != nil {
		return fmt.Errorf("failed to remove mapping %s -> %s: %w", ch, room, err)
	}
	return nil
}

func (db *DB) RoomsForChannel(ctx context.Context, ch bridge.ChannelKey) ([]id.RoomID, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT room_id FROM mappings WHERE domain = ? AND channel = ? ORDER BY room_id",
		ch.Domain, ch.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms for %s: %w", ch, err)
	}
	defer rows.Close()

	var rooms []id.RoomID
	for rows.Next() {
		var room string
		if err = rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, id.RoomID(room))
	}
	return rooms, rows.Err()
}

func (db *DB) ChannelsForRoom(ctx context.Context, room id.RoomID) ([]bridge.ChannelKey, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT domain, channel FROM mappings WHERE room_id = ? ORDER BY domain, channel",
		room.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query channels for %s: %w", room, err)
	}
	defer rows.Close()

	var channels []bridge.ChannelKey
	for rows.Next() {
		var ch bridge.ChannelKey
		if err = rows.Scan(&ch.Domain, &ch.Channel); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// RoomsForDomain returns the distinct rooms mapped to any channel of a
// network, for seeding the membership fast path at startup.
func (db *DB) RoomsForDomain(ctx context.Context, domain string) ([]id.RoomID, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT DISTINCT room_id FROM mappings WHERE domain = ? ORDER BY room_id", domain)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms for domain %s: %w", domain, err)
	}
	defer rows.Close()

	var rooms []id.RoomID
	for rows.Next() {
		var room string
		if err = rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, id.RoomID(room))
	}
	return rooms, rows.Err()
}

// -------------------------------------------------------------------------
// Nick ownership

// SetNick records that a bridged Matrix user's connection holds a nick on
// a network, replacing any previous nick they held there.
func (db *DB) SetNick(ctx context.Context, domain, nick string, user id.UserID) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err = tx.ExecContext(ctx,
		"DELETE FROM nicks WHERE domain = ? AND user_id = ?", domain, user.String()); err != nil {
		return fmt.Errorf("failed to clear old nick of %s: %w", user, err)
	}
	if _, err = tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO nicks (domain, nick, user_id) VALUES (?, ?, ?)",
		domain, nickKey(nick), user.String()); err != nil {
		return fmt.Errorf("failed to set nick %s: %w", nick, err)
	}
	return tx.Commit()
}

// ClearNick forgets a user's nick on a network, typically when their
// connection ends.
func (db *DB) ClearNick(ctx context.Context, domain string, user id.UserID) error {
	_, err := db.sql.ExecContext(ctx,
		"DELETE FROM nicks WHERE domain = ? AND user_id = ?", domain, user.String())
	if err != nil {
		return fmt.Errorf("failed to clear nick of %s: %w", user, err)
	}
	return nil
}

func (db *DB) MatrixUserForNick(ctx context.Context, domain, nick string) (id.UserID, error) {
	var user string
	err := db.sql.QueryRowContext(ctx,
		"SELECT user_id FROM nicks WHERE domain = ? AND nick = ?",
		domain, nickKey(nick)).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve nick %s: %w", nick, err)
	}
	return id.UserID(user), nil
}

func (db *DB) NickForMatrixUser(ctx context.Context, domain string, user id.UserID) (string, error) {
	var nick string
	err := db.sql.QueryRowContext(ctx,
		"SELECT nick FROM nicks WHERE domain = ? AND user_id = ?",
		domain, user.String()).Scan(&nick)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve nick of %s: %w", user, err)
	}
	return nick, nil
}

// -------------------------------------------------------------------------
// Channel membership of bridged users

// SetChannelMember records a bridged user's presence in a channel under a
// nick.
func (db *DB) SetChannelMember(ctx context.Context, ch bridge.ChannelKey, nick string, user id.UserID) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR REPLACE INTO channel_members (domain, channel, nick, user_id) VALUES (?, ?, ?, ?)",
		ch.Domain, ch.Channel, nickKey(nick), user.String())
	if err != nil {
		return fmt.Errorf("failed to add channel member %s: %w", nick, err)
	}
	return nil
}

// RemoveChannelMember drops a nick's membership record for a channel.
func (db *DB) RemoveChannelMember(ctx context.Context, ch bridge.ChannelKey, nick string) error {
	_, err := db.sql.ExecContext(ctx,
		"DELETE FROM channel_members WHERE domain = ? AND channel = ? AND nick = ?",
		ch.Domain, ch.Channel, nickKey(nick))
	if err != nil {
		return fmt.Errorf("failed to remove channel member %s: %w", nick, err)
	}
	return nil
}

func (db *DB) NicksForChannel(ctx context.Context, ch bridge.ChannelKey) (map[string]id.UserID, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT nick, user_id FROM channel_members WHERE domain = ? AND channel = ?",
		ch.Domain, ch.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query members of %s: %w", ch, err)
	}
	defer rows.Close()

	members := make(map[string]id.UserID)
	for rows.Next() {
		var nick, user string
		if err = rows.Scan(&nick, &user); err != nil {
			return nil, err
		}
		members[nick] = id.UserID(user)
	}
	return members, rows.Err()
}

// -------------------------------------------------------------------------
// User features

// SetMentionOptIn records whether a user wants their nick resolved in
// mention maps. Users without a record are opted in.
func (db *DB) SetMentionOptIn(ctx context.Context, user id.UserID, optIn bool) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR REPLACE INTO user_features (user_id, mention_opt_in) VALUES (?, ?)",
		user.String(), optIn)
	if err != nil {
		return fmt.Errorf("failed to set mention opt-in of %s: %w", user, err)
	}
	return nil
}

func (db *DB) MentionOptIn(ctx context.Context, user id.UserID) (bool, error) {
	var optIn bool
	err := db.sql.QueryRowContext(ctx,
		"SELECT mention_opt_in FROM user_features WHERE user_id = ?",
		user.String()).Scan(&optIn)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query mention opt-in of %s: %w", user, err)
	}
	return optIn, nil
}

// -------------------------------------------------------------------------
// PM and admin rooms

func (db *DB) GetPMRoom(ctx context.Context, user id.UserID, domain, nick string) (id.RoomID, error) {
	var room string
	err := db.sql.QueryRowContext(ctx,
		"SELECT room_id FROM pm_rooms WHERE user_id = ? AND domain = ? AND nick = ?",
		user.String(), domain, nickKey(nick)).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query PM room: %w", err)
	}
	return id.RoomID(room), nil
}

func (db *DB) StorePMRoom(ctx context.Context, user id.UserID, domain, nick string, room id.RoomID) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR REPLACE INTO pm_rooms (user_id, domain, nick, room_id) VALUES (?, ?, ?, ?)",
		user.String(), domain, nickKey(nick), room.String())
	if err != nil {
		return fmt.Errorf("failed to store PM room: %w", err)
	}
	return nil
}

func (db *DB) GetAdminRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	var room string
	err := db.sql.QueryRowContext(ctx,
		"SELECT room_id FROM admin_rooms WHERE user_id = ?", user.String()).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query admin room: %w", err)
	}
	return id.RoomID(room), nil
}

func (db *DB) StoreAdminRoom(ctx context.Context, user id.UserID, room id.RoomID) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR REPLACE INTO admin_rooms (user_id, room_id) VALUES (?, ?)",
		user.String(), room.String())
	if err != nil {
		return fmt.Errorf("failed to store admin room: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Room visibility cache

// SetRoomVisibility persists the last directory visibility applied to a
// room, so restarts start from the previous state instead of unknown.
func (db *DB) SetRoomVisibility(ctx context.Context, room id.RoomID, vis string) error {
	_, err := db.sql.ExecContext(ctx,
		"INSERT OR REPLACE INTO room_visibility (room_id, visibility) VALUES (?, ?)",
		room.String(), vis)
	if err != nil {
		return fmt.Errorf("failed to store visibility of %s: %w", room, err)
	}
	return nil
}

// RoomVisibilities returns the persisted visibility of every known room.
func (db *DB) RoomVisibilities(ctx context.Context) (map[id.RoomID]string, error) {
	rows, err := db.sql.QueryContext(ctx, "SELECT room_id, visibility FROM room_visibility")
	if err != nil {
		return nil, fmt.Errorf("failed to query room visibilities: %w", err)
	}
	defer rows.Close()

	out := make(map[id.RoomID]string)
	for rows.Next() {
		var room, vis string
		if err = rows.Scan(&room, &vis); err != nil {
			return nil, err
		}
		out[id.RoomID(room)] = vis
	}
	return out, rows.Err()
}
