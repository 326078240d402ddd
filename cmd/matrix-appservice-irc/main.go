// Copyright 2024-2026 Aiku AI

// Command matrix-appservice-irc bridges IRC networks into Matrix: it
// mirrors channel membership, topics and privacy into mapped rooms,
// debounces transient quits, and tracks private-message rooms between
// Matrix users and IRC identities.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/bridge"
	"github.com/3nprob/matrix-appservice-irc/pkg/config"
	"github.com/3nprob/matrix-appservice-irc/pkg/irc"
	"github.com/3nprob/matrix-appservice-irc/pkg/matrix"
	"github.com/3nprob/matrix-appservice-irc/pkg/metrics"
	"github.com/3nprob/matrix-appservice-irc/pkg/store"
	"github.com/3nprob/matrix-appservice-irc/pkg/visibility"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const ircReconnectDelay = 10 * time.Second

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:     "matrix-appservice-irc",
		Short:   "A Matrix-IRC bridge",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer db.Close()

	mx, err := matrix.NewClient(cfg.Homeserver, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen, reg, log)
	}

	vis := visibility.New(
		&persistingDirectory{dir: mx, db: db, log: log},
		&mappingSource{db: db},
		func(domain string) string {
			if srv := cfg.Servers[domain]; srv != nil {
				return srv.Name
			}
			return domain
		},
		m, log)
	seedVisibility(ctx, vis, db, log)

	// Build every connection before the reconciler sees the client map, so
	// no goroutine shares it while it is still being filled.
	ircClients := make(map[string]*irc.Client, len(cfg.Servers))
	clients := make(map[string]bridge.ChannelClient, len(cfg.Servers))
	for domain, srv := range cfg.Servers {
		client := irc.NewClient(domain, srv, log)
		ircClients[domain] = client
		clients[domain] = client
	}

	rec := bridge.NewReconciler(cfg, db, mx, clients, vis, m, log)
	defer rec.Stop()
	seedInitialMembership(ctx, cfg, db, mx, rec, log)

	for domain, client := range ircClients {
		client.SetHandler(rec)
		go runIRC(ctx, client, domain, log)
	}

	log.Info().Str("version", Tag).Int("networks", len(cfg.Servers)).Msg("Bridge running")
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	for _, client := range ircClients {
		client.Close()
	}
	return nil
}

// runIRC keeps one network connection alive, reconnecting after failures
// until the bridge shuts down.
func runIRC(ctx context.Context, client *irc.Client, domain string, log zerolog.Logger) {
	for {
		err := client.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("domain", domain).
			Dur("delay", ircReconnectDelay).
			Msg("IRC connection ended, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(ircReconnectDelay):
		}
	}
}

// seedVisibility replays the persisted directory state into the syncer so
// it can diff against the previous run instead of treating every room as
// unknown.
func seedVisibility(ctx context.Context, vis *visibility.Syncer, db *store.DB, log zerolog.Logger) {
	states, err := db.RoomVisibilities(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted room visibility")
		return
	}
	for room, state := range states {
		vis.SeedRoomVisibility(room, visibility.Visibility(state))
	}
}

// seedInitialMembership loads a membership snapshot of every mapped room
// of networks configured for initial sync, so already-mirrored joins skip
// the remote call.
func seedInitialMembership(ctx context.Context, cfg *config.Config, db *store.DB, mx *matrix.Client, rec *bridge.Reconciler, log zerolog.Logger) {
	for domain, srv := range cfg.Servers {
		if srv.MembershipSync != config.SyncInitial {
			continue
		}
		rooms, err := db.RoomsForDomain(ctx, domain)
		if err != nil {
			log.Warn().Err(err).Str("domain", domain).Msg("Failed to list rooms for membership seed")
			continue
		}
		for _, room := range rooms {
			members, err := mx.Members(ctx, room)
			if err != nil {
				log.Warn().Err(err).Str("room_id", room.String()).Msg("Failed to seed room membership")
				continue
			}
			rec.SeedMembership(room, members)
		}
	}
}

func serveMetrics(listen string, reg *prometheus.Registry, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("listen", listen).Msg("Serving metrics")
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}

// mappingSource adapts the store's channel↔room queries to the visibility
// syncer's reference type.
type mappingSource struct {
	db *store.DB
}

func (m *mappingSource) RoomsForChannel(ctx context.Context, ch visibility.ChannelRef) ([]id.RoomID, error) {
	return m.db.RoomsForChannel(ctx, bridge.ChannelKey{Domain: ch.Domain, Channel: ch.Channel})
}

func (m *mappingSource) ChannelsForRoom(ctx context.Context, room id.RoomID) ([]visibility.ChannelRef, error) {
	channels, err := m.db.ChannelsForRoom(ctx, room)
	if err != nil {
		return nil, err
	}
	refs := make([]visibility.ChannelRef, len(channels))
	for i, ch := range channels {
		refs[i] = visibility.ChannelRef{Domain: ch.Domain, Channel: ch.Channel}
	}
	return refs, nil
}

// persistingDirectory forwards directory updates to the homeserver and
// records the applied state so it survives restarts.
type persistingDirectory struct {
	dir visibility.DirectorySetter
	db  *store.DB
	log zerolog.Logger
}

func (p *persistingDirectory) SetRoomDirectoryVisibility(ctx context.Context, networkID string, room id.RoomID, vis visibility.Visibility) error {
	if err := p.dir.SetRoomDirectoryVisibility(ctx, networkID, room, vis); err != nil {
		return err
	}
	if err := p.db.SetRoomVisibility(ctx, room, string(vis)); err != nil {
		p.log.Warn().Err(err).Str("room_id", room.String()).Msg("Failed to persist room visibility")
	}
	return nil
}
