// Copyright 2024-2026 Aiku AI

package irc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lrstanley/girc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nprob/matrix-appservice-irc/pkg/config"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHandler) record(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf(format, args...))
}

func (h *recordingHandler) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *recordingHandler) HandleIRCJoin(_ context.Context, domain, channel, nick string) {
	h.record("JOIN %s %s %s", domain, channel, nick)
}

func (h *recordingHandler) HandleIRCPart(_ context.Context, domain, channel, nick, reason string) {
	h.record("PART %s %s %s %s", domain, channel, nick, reason)
}

func (h *recordingHandler) HandleIRCKick(_ context.Context, domain, channel, kickedNick, byNick, reason string) {
	h.record("KICK %s %s %s %s %s", domain, channel, kickedNick, byNick, reason)
}

func (h *recordingHandler) HandleIRCQuit(_ context.Context, domain, nick string, channels []string) {
	h.record("QUIT %s %s %v", domain, nick, channels)
}

func (h *recordingHandler) HandleIRCTopic(_ context.Context, domain, channel, setBy, topic string) {
	h.record("TOPIC %s %s %s %s", domain, channel, setBy, topic)
}

func (h *recordingHandler) HandleIRCSecretMode(_ context.Context, domain, channel string, secret bool) {
	h.record("SECRET %s %s %v", domain, channel, secret)
}

var _ Handler = (*recordingHandler)(nil)

func newTestClient() *Client {
	return NewClient("irc.example.com", &config.ServerConfig{
		Name:    "example",
		Address: "irc.example.com",
		Port:    6667,
		BotNick: "mxbridge",
	}, zerolog.Nop())
}

func src(nick string) *girc.Source { return &girc.Source{Name: nick} }

func TestClient_DispatchesTranslatedEvents(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	h := &recordingHandler{}
	c.SetHandler(h)

	c.onJoin(nil, girc.Event{Source: src("alice"), Params: []string{"#go"}})
	c.onTopic(nil, girc.Event{Source: src("alice"), Params: []string{"#go", "welcome"}})
	c.onKick(nil, girc.Event{Source: src("op"), Params: []string{"#go", "troll", "spam"}})
	c.onModeReply(nil, girc.Event{Params: []string{"mxbridge", "#go", "+snt"}})
	c.onQuit(nil, girc.Event{Source: src("alice"), Params: []string{"bye"}})

	assert.Equal(t, []string{
		"JOIN irc.example.com #go alice",
		"TOPIC irc.example.com #go alice welcome",
		"KICK irc.example.com #go troll op spam",
		"SECRET irc.example.com #go true",
		"QUIT irc.example.com alice [#go]",
	}, h.all())
}

func TestClient_OwnEchoesNotDispatched(t *testing.T) {
	t.Parallel()
	c := newTestClient()
	h := &recordingHandler{}
	c.SetHandler(h)

	c.onJoin(nil, girc.Event{Source: src("mxbridge"), Params: []string{"#go"}})
	c.onPart(nil, girc.Event{Source: src("MXBridge"), Params: []string{"#go", "bye"}})

	assert.Empty(t, h.all())
}

func TestClient_EventsBeforeHandlerAreDropped(t *testing.T) {
	t.Parallel()
	c := newTestClient()

	// Arrives before the handler is wired up: still tracked, never
	// dispatched.
	c.onJoin(nil, girc.Event{Source: src("alice"), Params: []string{"#go"}})

	h := &recordingHandler{}
	c.SetHandler(h)
	c.onQuit(nil, girc.Event{Source: src("alice"), Params: []string{"bye"}})

	require.Equal(t, []string{"QUIT irc.example.com alice [#go]"}, h.all())
}
