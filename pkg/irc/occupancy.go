// Copyright 2024-2026 Aiku AI

package irc

import (
	"strings"
	"sync"
)

// occupancy tracks which channels each nick currently occupies. QUIT events
// carry no channel list on the wire, so the tracker reconstructs the set of
// channels a departing nick was in.
type occupancy struct {
	mu sync.Mutex
	// nicks are lowercased; IRC nicks are case-insensitive.
	channels map[string]map[string]struct{}
}

func newOccupancy() *occupancy {
	return &occupancy{channels: make(map[string]map[string]struct{})}
}

func nickKey(nick string) string {
	return strings.ToLower(nick)
}

func (o *occupancy) join(nick, channel string) {
	key := nickKey(nick)
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.channels[key]
	if !ok {
		set = make(map[string]struct{})
		o.channels[key] = set
	}
	set[channel] = struct{}{}
}

func (o *occupancy) part(nick, channel string) {
	key := nickKey(nick)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.channels[key], channel)
	if len(o.channels[key]) == 0 {
		delete(o.channels, key)
	}
}

// quit removes the nick entirely and returns the channels it occupied.
func (o *occupancy) quit(nick string) []string {
	key := nickKey(nick)
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.channels[key]
	delete(o.channels, key)
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	return channels
}

// rename moves a nick's occupancy to its new name.
func (o *occupancy) rename(oldNick, newNick string) {
	oldKey, newKey := nickKey(oldNick), nickKey(newNick)
	if oldKey == newKey {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if set, ok := o.channels[oldKey]; ok {
		o.channels[newKey] = set
		delete(o.channels, oldKey)
	}
}

// parseSecretFlag extracts the +s/-s state from a mode string like
// "+nt-s" or "+snt". The last occurrence wins. present is false when the
// string does not mention the secret flag at all.
func parseSecretFlag(modes string) (secret, present bool) {
	adding := true
	for _, r := range modes {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		case 's':
			secret = adding
			present = true
		}
	}
	return secret, present
}
