// Copyright 2024-2026 Aiku AI

package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// channelsOf inspects the tracker; production code only drains through
// quit.
func (o *occupancy) channelsOf(nick string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	set := o.channels[nickKey(nick)]
	channels := make([]string, 0, len(set))
	for ch := range set {
		channels = append(channels, ch)
	}
	return channels
}

func TestOccupancy_QuitReturnsOccupiedChannels(t *testing.T) {
	t.Parallel()
	o := newOccupancy()
	o.join("Alice", "#a")
	o.join("alice", "#b")
	o.join("bob", "#a")

	assert.ElementsMatch(t, []string{"#a", "#b"}, o.quit("ALICE"))
	assert.Empty(t, o.quit("alice"), "quit clears the record")
	assert.ElementsMatch(t, []string{"#a"}, o.channelsOf("bob"))
}

func TestOccupancy_PartRemovesSingleChannel(t *testing.T) {
	t.Parallel()
	o := newOccupancy()
	o.join("alice", "#a")
	o.join("alice", "#b")
	o.part("alice", "#a")

	assert.ElementsMatch(t, []string{"#b"}, o.channelsOf("alice"))
}

func TestOccupancy_RenameKeepsChannels(t *testing.T) {
	t.Parallel()
	o := newOccupancy()
	o.join("alice", "#a")
	o.rename("alice", "alice_away")

	assert.Empty(t, o.channelsOf("alice"))
	assert.ElementsMatch(t, []string{"#a"}, o.channelsOf("alice_away"))

	// Case-only renames keep the same record.
	o.rename("alice_away", "Alice_Away")
	assert.ElementsMatch(t, []string{"#a"}, o.channelsOf("alice_away"))
}

func TestParseSecretFlag(t *testing.T) {
	t.Parallel()
	cases := []struct {
		modes   string
		secret  bool
		present bool
	}{
		{"+s", true, true},
		{"-s", false, true},
		{"+nts", true, true},
		{"+nt-s", false, true},
		{"+s-s", false, true},
		{"-s+s", true, true},
		{"+nt", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.modes, func(t *testing.T) {
			t.Parallel()
			secret, present := parseSecretFlag(tc.modes)
			assert.Equal(t, tc.secret, secret)
			assert.Equal(t, tc.present, present)
		})
	}
}
