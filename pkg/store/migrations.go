// Copyright 2024-2026 Aiku AI

package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create mappings and identity tables",
		SQL: `
			CREATE TABLE mappings (
				domain  TEXT NOT NULL,
				channel TEXT NOT NULL,
				room_id TEXT NOT NULL,
				PRIMARY KEY (domain, channel, room_id)
			);

			CREATE INDEX idx_mappings_room ON mappings (room_id);

			CREATE TABLE nicks (
				domain  TEXT NOT NULL,
				nick    TEXT NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (domain, nick)
			);

			CREATE UNIQUE INDEX idx_nicks_user ON nicks (domain, user_id);

			CREATE TABLE channel_members (
				domain  TEXT NOT NULL,
				channel TEXT NOT NULL,
				nick    TEXT NOT NULL,
				user_id TEXT NOT NULL,
				PRIMARY KEY (domain, channel, nick)
			);
		`,
	},
	{
		Version: 2,
		Name:    "create pm, admin room and user feature tables",
		SQL: `
			CREATE TABLE pm_rooms (
				user_id TEXT NOT NULL,
				domain  TEXT NOT NULL,
				nick    TEXT NOT NULL,
				room_id TEXT NOT NULL,
				PRIMARY KEY (user_id, domain, nick)
			);

			CREATE TABLE admin_rooms (
				user_id TEXT PRIMARY KEY,
				room_id TEXT NOT NULL
			);

			CREATE TABLE user_features (
				user_id        TEXT PRIMARY KEY,
				mention_opt_in INTEGER NOT NULL DEFAULT 1
			);
		`,
	},
	{
		Version: 3,
		Name:    "create room visibility cache",
		SQL: `
			CREATE TABLE room_visibility (
				room_id    TEXT PRIMARY KEY,
				visibility TEXT NOT NULL
			);
		`,
	},
}
