// Copyright 2024-2026 Aiku AI

// Package matrix implements the homeserver side of the bridge on top of
// the mautrix client library, using appservice impersonation for ghost
// identities.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/bridge"
	"github.com/3nprob/matrix-appservice-irc/pkg/config"
	"github.com/3nprob/matrix-appservice-irc/pkg/visibility"
)

// Client owns the per-identity mautrix clients sharing one appservice
// token. It implements the room-side interfaces the reconciler and the
// visibility syncer consume.
type Client struct {
	log     zerolog.Logger
	hsURL   string
	asToken string
	bot     id.UserID

	mu         sync.Mutex
	clients    map[id.UserID]*mautrix.Client
	registered map[id.UserID]struct{}
}

var (
	_ bridge.RoomClient          = (*Client)(nil)
	_ visibility.DirectorySetter = (*Client)(nil)
)

// NewClient builds the homeserver client set from the homeserver config.
func NewClient(cfg config.HomeserverConfig, log zerolog.Logger) (*Client, error) {
	bot := id.UserID(cfg.BotUserID)
	if _, _, err := bot.Parse(); err != nil {
		return nil, fmt.Errorf("invalid bot user ID %q: %w", cfg.BotUserID, err)
	}
	return &Client{
		log:        log.With().Str("component", "matrix").Logger(),
		hsURL:      cfg.URL,
		asToken:    cfg.ASToken,
		bot:        bot,
		clients:    map[id.UserID]*mautrix.Client{},
		registered: map[id.UserID]struct{}{bot: {}},
	}, nil
}

func (c *Client) Intent(user id.UserID) bridge.Intent {
	return &intent{user: user, c: c}
}

func (c *Client) Bot() bridge.Intent {
	return &intent{user: c.bot, c: c}
}

// client returns the cached mautrix client impersonating user.
func (c *Client) client(user id.UserID) (*mautrix.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[user]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(c.hsURL, user, c.asToken)
	if err != nil {
		return nil, fmt.Errorf("failed to build client for %s: %w", user, err)
	}
	cli.SetAppServiceUserID = true
	c.clients[user] = cli
	return cli, nil
}

// ensureRegistered lazily registers a ghost localpart. Already-taken
// localparts are fine; they just mean a previous run registered them.
func (c *Client) ensureRegistered(ctx context.Context, user id.UserID) error {
	c.mu.Lock()
	_, done := c.registered[user]
	c.mu.Unlock()
	if done {
		return nil
	}

	localpart, _, err := user.Parse()
	if err != nil {
		return fmt.Errorf("invalid user ID %s: %w", user, err)
	}
	cli, err := c.client(c.bot)
	if err != nil {
		return err
	}
	_, _, err = cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", user, err)
	}

	c.mu.Lock()
	c.registered[user] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Members lists the joined members of a room, for seeding the membership
// fast path at startup.
func (c *Client) Members(ctx context.Context, room id.RoomID) ([]id.UserID, error) {
	cli, err := c.client(c.bot)
	if err != nil {
		return nil, err
	}
	resp, err := cli.JoinedMembers(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", room, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for user := range resp.Joined {
		members = append(members, user)
	}
	return members, nil
}

// SetRoomDirectoryVisibility publishes or hides a room in the appservice's
// network-scoped room directory.
func (c *Client) SetRoomDirectoryVisibility(ctx context.Context, networkID string, room id.RoomID, vis visibility.Visibility) error {
	cli, err := c.client(c.bot)
	if err != nil {
		return err
	}
	url := cli.BuildClientURL("v3", "directory", "list", "appservice", networkID, room.String())
	body := struct {
		Visibility string `json:"visibility"`
	}{Visibility: string(vis)}
	_, err = cli.MakeRequest(ctx, http.MethodPut, url, &body, nil)
	if err != nil {
		return fmt.Errorf("failed to set directory visibility of %s: %w", room, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// intent

type intent struct {
	user id.UserID
	c    *Client
}

var _ bridge.Intent = (*intent)(nil)

func (i *intent) client() (*mautrix.Client, error) {
	return i.c.client(i.user)
}

func (i *intent) EnsureJoined(ctx context.Context, room id.RoomID) error {
	if err := i.c.ensureRegistered(ctx, i.user); err != nil {
		return err
	}
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, room)
	if err == nil || !errors.Is(err, mautrix.MForbidden) {
		return err
	}

	// Invite-only room: the bot invites the identity, then the join is
	// tried once more.
	bot, berr := i.c.client(i.c.bot)
	if berr != nil {
		return err
	}
	if _, berr = bot.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: i.user}); berr != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, room)
	return err
}

func (i *intent) Leave(ctx context.Context, room id.RoomID) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.LeaveRoom(ctx, room)
	return err
}

func (i *intent) Kick(ctx context.Context, room id.RoomID, user id.UserID, reason string) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.KickUser(ctx, room, &mautrix.ReqKickUser{UserID: user, Reason: reason})
	return err
}

func (i *intent) Invite(ctx context.Context, room id.RoomID, user id.UserID) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: user})
	return err
}

func (i *intent) SetTopic(ctx context.Context, room id.RoomID, topic string) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.SendStateEvent(ctx, room, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (i *intent) SetPowerLevel(ctx context.Context, room id.RoomID, user id.UserID, level int) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	var levels event.PowerLevelsEventContent
	if err = cli.StateEvent(ctx, room, event.StatePowerLevels, "", &levels); err != nil {
		return fmt.Errorf("failed to fetch power levels of %s: %w", room, err)
	}
	if levels.GetUserLevel(user) == level {
		return nil
	}
	levels.SetUserLevel(user, level)
	_, err = cli.SendStateEvent(ctx, room, event.StatePowerLevels, "", &levels)
	return err
}

func (i *intent) Membership(ctx context.Context, room id.RoomID, user id.UserID) (event.Membership, error) {
	cli, err := i.client()
	if err != nil {
		return "", err
	}
	var member event.MemberEventContent
	err = cli.StateEvent(ctx, room, event.StateMember, user.String(), &member)
	if errors.Is(err, mautrix.MNotFound) {
		return event.MembershipLeave, nil
	}
	if err != nil {
		return "", err
	}
	return member.Membership, nil
}

func (i *intent) CreateDirectRoom(ctx context.Context, invite id.UserID, name string) (id.RoomID, error) {
	if err := i.c.ensureRegistered(ctx, i.user); err != nil {
		return "", err
	}
	cli, err := i.client()
	if err != nil {
		return "", err
	}
	resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "trusted_private_chat",
		IsDirect:   true,
		Name:       name,
		Invite:     []id.UserID{invite},
	})
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (i *intent) SendNotice(ctx context.Context, room id.RoomID, text string) error {
	cli, err := i.client()
	if err != nil {
		return err
	}
	_, err = cli.SendNotice(ctx, room, text)
	return err
}
