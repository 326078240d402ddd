// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// GhostIDFormat builds and parses the Matrix user IDs of relayed IRC
// identities. Localparts take the form <prefix><server>_<nick>, e.g.
// @irc_libera_somenick:example.org.
type GhostIDFormat struct {
	Prefix   string
	HSDomain string
}

// UserID returns the ghost MXID for a nick on a network. Nicks are
// lowercased because IRC nicks are case-insensitive and MXID localparts
// must be stable.
func (f GhostIDFormat) UserID(serverName, nick string) id.UserID {
	return id.NewUserID(f.Prefix+serverName+"_"+strings.ToLower(nick), f.HSDomain)
}

// IsGhost reports whether the user ID belongs to a relayed IRC identity
// minted by this bridge.
func (f GhostIDFormat) IsGhost(user id.UserID) bool {
	localpart, homeserver, err := user.Parse()
	if err != nil || homeserver != f.HSDomain {
		return false
	}
	return strings.HasPrefix(localpart, f.Prefix) && strings.Contains(localpart[len(f.Prefix):], "_")
}

// Nick extracts the nick from a ghost user ID for the given network.
// Returns false when the ID is not a ghost of that network.
func (f GhostIDFormat) Nick(serverName string, user id.UserID) (string, bool) {
	localpart, homeserver, err := user.Parse()
	if err != nil || homeserver != f.HSDomain {
		return "", false
	}
	prefix := f.Prefix + serverName + "_"
	if !strings.HasPrefix(localpart, prefix) {
		return "", false
	}
	nick := localpart[len(prefix):]
	if nick == "" {
		return "", false
	}
	return nick, true
}
