// Copyright 2024-2026 Aiku AI

// Package irc connects the reconciliation engine to IRC networks using the
// girc library.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/lrstanley/girc"
	"github.com/rs/zerolog"

	"github.com/3nprob/matrix-appservice-irc/pkg/bridge"
	"github.com/3nprob/matrix-appservice-irc/pkg/config"
)

// Handler receives translated IRC events. The bridge reconciler implements
// it.
type Handler interface {
	HandleIRCJoin(ctx context.Context, domain, channel, nick string)
	HandleIRCPart(ctx context.Context, domain, channel, nick, reason string)
	HandleIRCKick(ctx context.Context, domain, channel, kickedNick, byNick, reason string)
	HandleIRCQuit(ctx context.Context, domain, nick string, channels []string)
	HandleIRCTopic(ctx context.Context, domain, channel, setBy, topic string)
	HandleIRCSecretMode(ctx context.Context, domain, channel string, secret bool)
}

// Client is one network connection. It feeds membership, topic and mode
// events to the handler and executes the reconciler's channel commands.
type Client struct {
	domain  string
	cfg     *config.ServerConfig
	log     zerolog.Logger
	handler Handler

	client    *girc.Client
	occupancy *occupancy
}

var _ bridge.ChannelClient = (*Client)(nil)

// NewClient builds the connection for one configured network. SetHandler
// must be called before Connect.
func NewClient(domain string, cfg *config.ServerConfig, log zerolog.Logger) *Client {
	c := &Client{
		domain:    domain,
		cfg:       cfg,
		log:       log.With().Str("component", "irc").Str("domain", domain).Logger(),
		occupancy: newOccupancy(),
	}

	gircCfg := girc.Config{
		Server:  cfg.Address,
		Port:    cfg.Port,
		Nick:    cfg.BotNick,
		User:    cfg.BotNick,
		Name:    "Matrix IRC bridge",
		SSL:     cfg.TLS,
		Version: "matrix-appservice-irc",
	}
	if cfg.TLS {
		gircCfg.TLSConfig = &tls.Config{ServerName: cfg.Address}
	}
	if cfg.SASL && cfg.Password != "" {
		gircCfg.SASL = &girc.SASLPlain{User: cfg.BotNick, Pass: cfg.Password}
	} else if cfg.Password != "" {
		gircCfg.ServerPass = cfg.Password
	}
	c.client = girc.New(gircCfg)
	c.registerHandlers()
	return c
}

// SetHandler installs the event sink. Events arriving without a handler
// are dropped, so it must be set before Connect.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

func (c *Client) registerHandlers() {
	c.client.Handlers.Add(girc.CONNECTED, c.onConnected)
	c.client.Handlers.Add(girc.DISCONNECTED, c.onDisconnected)
	c.client.Handlers.Add(girc.JOIN, c.onJoin)
	c.client.Handlers.Add(girc.PART, c.onPart)
	c.client.Handlers.Add(girc.KICK, c.onKick)
	c.client.Handlers.Add(girc.QUIT, c.onQuit)
	c.client.Handlers.Add(girc.NICK, c.onNick)
	c.client.Handlers.Add(girc.TOPIC, c.onTopic)
	c.client.Handlers.Add(girc.MODE, c.onMode)
	c.client.Handlers.Add(girc.RPL_CHANNELMODEIS, c.onModeReply)
}

// Connect dials the network and blocks until the connection ends or ctx is
// cancelled. girc reconnects are handled by the caller restarting Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().
		Str("address", c.cfg.Address).
		Int("port", c.cfg.Port).
		Str("nick", c.cfg.BotNick).
		Bool("tls", c.cfg.TLS).
		Msg("Connecting to IRC")

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.client.Connect()
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.client.Close()
		return ctx.Err()
	}
}

// Close quits the connection.
func (c *Client) Close() {
	if c.client.IsConnected() {
		c.client.Quit("Bridge shutting down")
	}
}

// -------------------------------------------------------------------------
// Commands issued by the reconciler

func (c *Client) Join(ctx context.Context, channel string) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("irc %s: not connected", c.domain)
	}
	c.client.Cmd.Join(channel)
	return nil
}

func (c *Client) Part(ctx context.Context, channel, nick, reason string) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("irc %s: not connected", c.domain)
	}
	// This client holds the bridge connection only; parts for other nicks
	// belong to their own connections.
	if nickKey(nick) != nickKey(c.client.GetNick()) {
		c.log.Debug().Str("nick", nick).Str("channel", channel).Msg("No connection for nick, ignoring part")
		return nil
	}
	if reason == "" {
		c.client.Cmd.Part(channel)
	} else {
		c.client.Cmd.PartMessage(channel, reason)
	}
	return nil
}

func (c *Client) Kick(ctx context.Context, channel, nick, reason string) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("irc %s: not connected", c.domain)
	}
	c.client.Cmd.Kick(channel, nick, reason)
	return nil
}

func (c *Client) SetTopic(ctx context.Context, channel, topic string) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("irc %s: not connected", c.domain)
	}
	c.client.Cmd.Topic(channel, topic)
	return nil
}

// QueryMode requests the channel's mode line; the reply arrives through
// onModeReply.
func (c *Client) QueryMode(ctx context.Context, channel string) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("irc %s: not connected", c.domain)
	}
	return c.client.Cmd.SendRawf("MODE %s", channel)
}

// -------------------------------------------------------------------------
// Event handlers

func (c *Client) onConnected(_ *girc.Client, e girc.Event) {
	c.log.Info().Str("nick", c.client.GetNick()).Msg("Connected to IRC")
}

func (c *Client) onDisconnected(_ *girc.Client, e girc.Event) {
	c.log.Warn().Msg("Disconnected from IRC")
}

func (c *Client) isSelf(nick string) bool {
	return nickKey(nick) == nickKey(c.client.GetNick())
}

func (c *Client) onJoin(_ *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) < 1 {
		return
	}
	channel := e.Params[0]
	c.occupancy.join(e.Source.Name, channel)
	if c.handler == nil || c.isSelf(e.Source.Name) {
		return
	}
	c.handler.HandleIRCJoin(context.Background(), c.domain, channel, e.Source.Name)
}

func (c *Client) onPart(_ *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) < 1 {
		return
	}
	channel := e.Params[0]
	c.occupancy.part(e.Source.Name, channel)
	if c.handler == nil || c.isSelf(e.Source.Name) {
		return
	}
	c.handler.HandleIRCPart(context.Background(), c.domain, channel, e.Source.Name, e.Last())
}

func (c *Client) onKick(_ *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) < 2 {
		return
	}
	channel, kicked := e.Params[0], e.Params[1]
	c.occupancy.part(kicked, channel)
	if c.handler == nil {
		return
	}
	c.handler.HandleIRCKick(context.Background(), c.domain, channel, kicked, e.Source.Name, e.Last())
}

func (c *Client) onQuit(_ *girc.Client, e girc.Event) {
	if e.Source == nil {
		return
	}
	channels := c.occupancy.quit(e.Source.Name)
	if c.handler == nil || c.isSelf(e.Source.Name) || len(channels) == 0 {
		return
	}
	c.handler.HandleIRCQuit(context.Background(), c.domain, e.Source.Name, channels)
}

func (c *Client) onNick(_ *girc.Client, e girc.Event) {
	if e.Source == nil || len(e.Params) < 1 {
		return
	}
	c.occupancy.rename(e.Source.Name, e.Params[0])
}

func (c *Client) onTopic(_ *girc.Client, e girc.Event) {
	if c.handler == nil || e.Source == nil || len(e.Params) < 1 {
		return
	}
	c.handler.HandleIRCTopic(context.Background(), c.domain, e.Params[0], e.Source.Name, e.Last())
}

// onMode reacts to live MODE changes on a channel.
func (c *Client) onMode(_ *girc.Client, e girc.Event) {
	if c.handler == nil || len(e.Params) < 2 || !girc.IsValidChannel(e.Params[0]) {
		return
	}
	secret, present := parseSecretFlag(e.Params[1])
	if !present {
		return
	}
	c.handler.HandleIRCSecretMode(context.Background(), c.domain, e.Params[0], secret)
}

// onModeReply handles RPL_CHANNELMODEIS, the answer to QueryMode. The full
// mode line is authoritative, so an absent s flag means not secret.
func (c *Client) onModeReply(_ *girc.Client, e girc.Event) {
	if c.handler == nil || len(e.Params) < 3 {
		return
	}
	channel, modes := e.Params[1], e.Params[2]
	if !girc.IsValidChannel(channel) {
		return
	}
	secret, _ := parseSecretFlag(modes)
	c.handler.HandleIRCSecretMode(context.Background(), c.domain, channel, secret)
}
