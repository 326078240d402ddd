// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/config"
	"github.com/3nprob/matrix-appservice-irc/pkg/metrics"
)

const (
	testDomain = "irc.example.com"
	testServer = "example"
	botUser    = id.UserID("@ircbot:example.org")
)

// -------------------------------------------------------------------------
// Matrix side fakes

type matrixCall struct {
	method string
	actor  id.UserID
	room   id.RoomID
	target id.UserID
	arg    string
}

func (c matrixCall) String() string {
	return fmt.Sprintf("%s actor=%s room=%s target=%s arg=%q", c.method, c.actor, c.room, c.target, c.arg)
}

// fakeRoomClient records every intent call and supports per-method error
// injection, optionally scoped to one acting identity or limited to the
// first N calls.
type fakeRoomClient struct {
	mu          sync.Mutex
	calls       []matrixCall
	errs        map[string]error
	actorErrs   map[string]error
	failures    map[string]int
	failErr     map[string]error
	memberships map[string]event.Membership
	nextRoom    id.RoomID
	createGate  chan struct{}

	// leaveGates holds Leave calls for a room until the gate closes, while
	// leaveInFlight/leaveMaxFlight count concurrent calls per (room, user).
	leaveGates     map[id.RoomID]chan struct{}
	leaveInFlight  map[string]int
	leaveMaxFlight map[string]int
}

func newFakeRoomClient() *fakeRoomClient {
	return &fakeRoomClient{
		errs:           make(map[string]error),
		actorErrs:      make(map[string]error),
		failures:       make(map[string]int),
		failErr:        make(map[string]error),
		memberships:    make(map[string]event.Membership),
		nextRoom:       "!created:example.org",
		leaveGates:     make(map[id.RoomID]chan struct{}),
		leaveInFlight:  make(map[string]int),
		leaveMaxFlight: make(map[string]int),
	}
}

func leaveFlightKey(room id.RoomID, user id.UserID) string {
	return room.String() + "|" + user.String()
}

func (rc *fakeRoomClient) leavesInFlight(room id.RoomID, user id.UserID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.leaveInFlight[leaveFlightKey(room, user)]
}

func (rc *fakeRoomClient) maxLeavesInFlight(room id.RoomID, user id.UserID) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.leaveMaxFlight[leaveFlightKey(room, user)]
}

func (rc *fakeRoomClient) Intent(user id.UserID) Intent { return &fakeIntent{user: user, rc: rc} }
func (rc *fakeRoomClient) Bot() Intent                  { return &fakeIntent{user: botUser, rc: rc} }

func (rc *fakeRoomClient) record(method string, c matrixCall) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	c.method = method
	rc.calls = append(rc.calls, c)
	if rc.failures[method] > 0 {
		rc.failures[method]--
		return rc.failErr[method]
	}
	if err, ok := rc.actorErrs[method+"|"+c.actor.String()]; ok {
		return err
	}
	return rc.errs[method]
}

func (rc *fakeRoomClient) callsOf(method string) []matrixCall {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var out []matrixCall
	for _, c := range rc.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (rc *fakeRoomClient) countOf(method string) int {
	return len(rc.callsOf(method))
}

var _ RoomClient = (*fakeRoomClient)(nil)

type fakeIntent struct {
	user id.UserID
	rc   *fakeRoomClient
}

func (i *fakeIntent) EnsureJoined(ctx context.Context, room id.RoomID) error {
	return i.rc.record("EnsureJoined", matrixCall{actor: i.user, room: room})
}

func (i *fakeIntent) Leave(ctx context.Context, room id.RoomID) error {
	i.rc.mu.Lock()
	gate := i.rc.leaveGates[room]
	if gate != nil {
		key := leaveFlightKey(room, i.user)
		i.rc.leaveInFlight[key]++
		if i.rc.leaveInFlight[key] > i.rc.leaveMaxFlight[key] {
			i.rc.leaveMaxFlight[key] = i.rc.leaveInFlight[key]
		}
	}
	i.rc.mu.Unlock()
	if gate != nil {
		<-gate
		i.rc.mu.Lock()
		i.rc.leaveInFlight[leaveFlightKey(room, i.user)]--
		i.rc.mu.Unlock()
	}
	return i.rc.record("Leave", matrixCall{actor: i.user, room: room})
}

func (i *fakeIntent) Kick(ctx context.Context, room id.RoomID, user id.UserID, reason string) error {
	return i.rc.record("Kick", matrixCall{actor: i.user, room: room, target: user, arg: reason})
}

func (i *fakeIntent) Invite(ctx context.Context, room id.RoomID, user id.UserID) error {
	return i.rc.record("Invite", matrixCall{actor: i.user, room: room, target: user})
}

func (i *fakeIntent) SetTopic(ctx context.Context, room id.RoomID, topic string) error {
	return i.rc.record("SetTopic", matrixCall{actor: i.user, room: room, arg: topic})
}

func (i *fakeIntent) SetPowerLevel(ctx context.Context, room id.RoomID, user id.UserID, level int) error {
	return i.rc.record("SetPowerLevel", matrixCall{actor: i.user, room: room, target: user, arg: fmt.Sprint(level)})
}

func (i *fakeIntent) Membership(ctx context.Context, room id.RoomID, user id.UserID) (event.Membership, error) {
	err := i.rc.record("Membership", matrixCall{actor: i.user, room: room, target: user})
	i.rc.mu.Lock()
	defer i.rc.mu.Unlock()
	m, ok := i.rc.memberships[room.String()+"|"+user.String()]
	if !ok {
		m = event.MembershipLeave
	}
	return m, err
}

func (i *fakeIntent) CreateDirectRoom(ctx context.Context, invite id.UserID, name string) (id.RoomID, error) {
	i.rc.mu.Lock()
	gate := i.rc.createGate
	room := i.rc.nextRoom
	i.rc.mu.Unlock()
	if gate != nil {
		<-gate
	}
	err := i.rc.record("CreateDirectRoom", matrixCall{actor: i.user, target: invite, arg: name})
	return room, err
}

func (i *fakeIntent) SendNotice(ctx context.Context, room id.RoomID, text string) error {
	return i.rc.record("SendNotice", matrixCall{actor: i.user, room: room, arg: text})
}

var _ Intent = (*fakeIntent)(nil)

// -------------------------------------------------------------------------
// Store fake

type fakeStore struct {
	mu           sync.Mutex
	rooms        map[string][]id.RoomID
	channels     map[id.RoomID][]ChannelKey
	nickToUser   map[string]id.UserID
	userToNick   map[string]string
	channelNicks map[string]map[string]id.UserID
	optIn        map[id.UserID]bool
	pmRooms      map[string]id.RoomID
	adminRooms   map[id.UserID]id.RoomID
	nickQueries  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string][]id.RoomID),
		channels:     make(map[id.RoomID][]ChannelKey),
		nickToUser:   make(map[string]id.UserID),
		userToNick:   make(map[string]string),
		channelNicks: make(map[string]map[string]id.UserID),
		optIn:        make(map[id.UserID]bool),
		pmRooms:      make(map[string]id.RoomID),
		adminRooms:   make(map[id.UserID]id.RoomID),
	}
}

func (s *fakeStore) mapChannel(ch ChannelKey, rooms ...id.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[ch.String()] = rooms
	for _, room := range rooms {
		s.channels[room] = append(s.channels[room], ch)
	}
}

func (s *fakeStore) RoomsForChannel(ctx context.Context, ch ChannelKey) ([]id.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[ch.String()], nil
}

func (s *fakeStore) ChannelsForRoom(ctx context.Context, room id.RoomID) ([]ChannelKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[room], nil
}

func (s *fakeStore) MatrixUserForNick(ctx context.Context, domain, nick string) (id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickToUser[domain+" "+nick], nil
}

func (s *fakeStore) NickForMatrixUser(ctx context.Context, domain string, user id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userToNick[domain+" "+user.String()], nil
}

func (s *fakeStore) NicksForChannel(ctx context.Context, ch ChannelKey) (map[string]id.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nickQueries++
	return s.channelNicks[ch.String()], nil
}

func (s *fakeStore) MentionOptIn(ctx context.Context, user id.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optIn[user], nil
}

func (s *fakeStore) GetPMRoom(ctx context.Context, user id.UserID, domain, nick string) (id.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pmRooms[user.String()+" "+domain+" "+nick], nil
}

func (s *fakeStore) StorePMRoom(ctx context.Context, user id.UserID, domain, nick string, room id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pmRooms[user.String()+" "+domain+" "+nick] = room
	return nil
}

func (s *fakeStore) GetAdminRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminRooms[user], nil
}

func (s *fakeStore) StoreAdminRoom(ctx context.Context, user id.UserID, room id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminRooms[user] = room
	return nil
}

var _ Store = (*fakeStore)(nil)

// -------------------------------------------------------------------------
// IRC side fake

type fakeChannelClient struct {
	mu       sync.Mutex
	commands []string
}

func (c *fakeChannelClient) record(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, fmt.Sprintf(format, args...))
	return nil
}

func (c *fakeChannelClient) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *fakeChannelClient) Join(ctx context.Context, channel string) error {
	return c.record("JOIN %s", channel)
}

func (c *fakeChannelClient) Part(ctx context.Context, channel, nick, reason string) error {
	return c.record("PART %s %s %s", channel, nick, reason)
}

func (c *fakeChannelClient) Kick(ctx context.Context, channel, nick, reason string) error {
	return c.record("KICK %s %s %s", channel, nick, reason)
}

func (c *fakeChannelClient) SetTopic(ctx context.Context, channel, topic string) error {
	return c.record("TOPIC %s %s", channel, topic)
}

func (c *fakeChannelClient) QueryMode(ctx context.Context, channel string) error {
	return c.record("MODE %s", channel)
}

var _ ChannelClient = (*fakeChannelClient)(nil)

// -------------------------------------------------------------------------
// Harness

func testConfig() *config.Config {
	return &config.Config{
		Homeserver: config.HomeserverConfig{
			Domain:      "example.org",
			GhostPrefix: "irc_",
		},
		Servers: map[string]*config.ServerConfig{
			testDomain: {
				Name:                   testServer,
				MembershipSync:         config.SyncIncremental,
				QuitDebounceDelayMinMS: config.DefaultQuitDebounceMinMS,
				QuitDebounceDelayMaxMS: config.DefaultQuitDebounceMaxMS,
				PMAllowed:              true,
				LeaveConcurrency:       4,
			},
		},
	}
}

func newTestReconciler(t *testing.T, cfg *config.Config, st *fakeStore, rc *fakeRoomClient, irc map[string]ChannelClient) *Reconciler {
	t.Helper()
	r := NewReconciler(cfg, st, rc, irc, nil, metrics.New(nil), zerolog.Nop())
	t.Cleanup(r.Stop)
	// Shrink retry delays so failure paths finish within test time.
	r.joinPolicy.BaseDelay = time.Millisecond
	r.joinPolicy.JitterMax = 0
	r.leavePolicy.BaseDelay = time.Millisecond
	r.leavePolicy.JitterMax = 0
	return r
}
