// Copyright 2024-2026 Aiku AI

// Package bridge implements the membership and event reconciliation engine
// between IRC networks and Matrix rooms: join/part/kick/quit translation,
// quit debouncing, topic propagation, PM room tracking and the leave/kick
// worker queue.
package bridge

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/3nprob/matrix-appservice-irc/pkg/config"
	"github.com/3nprob/matrix-appservice-irc/pkg/metrics"
	"github.com/3nprob/matrix-appservice-irc/pkg/queue"
	"github.com/3nprob/matrix-appservice-irc/pkg/retry"
	"github.com/3nprob/matrix-appservice-irc/pkg/visibility"
)

const (
	// mentionCacheSize bounds the per-channel mention maps kept in memory.
	mentionCacheSize = 512
	// pmCreateTimeout resolves the PM-creation guard if no completion
	// signal ever arrives, so dependent logic cannot block forever.
	pmCreateTimeout = 120 * time.Second
	// unlimitedAttempts stands in for "no ceiling" in the join retry loop.
	unlimitedAttempts = 1 << 30
)

// Reconciler orchestrates membership, topic and visibility reconciliation
// for all configured networks. All caches it owns are guarded by their own
// mutual exclusion; handlers may be called from any goroutine.
type Reconciler struct {
	log     zerolog.Logger
	cfg     *config.Config
	store   Store
	rooms   RoomClient
	irc     map[string]ChannelClient
	vis     *visibility.Syncer
	metrics *metrics.Metrics
	ghosts  GhostIDFormat

	pool      *queue.Pool[*LeaveOp]
	topics    *queue.SerialQueue[topicChange]
	debouncer *QuitDebouncer

	joinPolicy  retry.Policy
	leavePolicy retry.Policy

	joinedMu sync.Mutex
	joined   map[id.RoomID]map[id.UserID]struct{}

	topicMu    sync.Mutex
	topicCache map[id.RoomID]string

	pmState  *exsync.Map[id.RoomID, PMRecord]
	pmCreate singleflight.Group

	mentions *lru.Cache[string, map[string]id.UserID]
}

// NewReconciler wires the engine together. vis and m may be nil, in which
// case mode changes are ignored and counters are registered on a private
// registry.
func NewReconciler(cfg *config.Config, st Store, rooms RoomClient, irc map[string]ChannelClient, vis *visibility.Syncer, m *metrics.Metrics, log zerolog.Logger) *Reconciler {
	if m == nil {
		m = metrics.New(nil)
	}
	mentions, _ := lru.New[string, map[string]id.UserID](mentionCacheSize)
	r := &Reconciler{
		log:     log.With().Str("component", "reconciler").Logger(),
		cfg:     cfg,
		store:   st,
		rooms:   rooms,
		irc:     irc,
		vis:     vis,
		metrics: m,
		ghosts: GhostIDFormat{
			Prefix:   cfg.Homeserver.GhostPrefix,
			HSDomain: cfg.Homeserver.Domain,
		},
		joinPolicy: retry.Default(retry.ClassJoin),
		leavePolicy: retry.Policy{
			Class:       retry.ClassLeave,
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   3 * time.Second,
			JitterMax:   5 * time.Second,
		},
		joined:     make(map[id.RoomID]map[id.UserID]struct{}),
		topicCache: make(map[id.RoomID]string),
		pmState:    exsync.NewMap[id.RoomID, PMRecord](),
		mentions:   mentions,
	}
	r.pool = queue.NewPool("leave_queue", leavePoolSize(cfg), r.processLeave, r.log)
	r.topics = queue.NewSerial("topic_queue", r.processTopic, r.log)
	r.debouncer = NewQuitDebouncer(r.debounceDelay, r.debouncedQuitExpired, m, r.log)
	return r
}

// leavePoolSize is the widest leave concurrency any network asks for.
func leavePoolSize(cfg *config.Config) int {
	size := config.DefaultLeaveConcurrency
	for _, srv := range cfg.Servers {
		if srv.LeaveConcurrency > size {
			size = srv.LeaveConcurrency
		}
	}
	return size
}

// Stop cancels outstanding debounce timers. Queued leave work keeps
// draining; leaves are best-effort and never block shutdown.
func (r *Reconciler) Stop() {
	r.debouncer.Stop()
}

// Debouncer exposes the quit debouncer, mainly for inspection.
func (r *Reconciler) Debouncer() *QuitDebouncer {
	return r.debouncer
}

func (r *Reconciler) server(domain string) *config.ServerConfig {
	return r.cfg.Servers[domain]
}

func (r *Reconciler) channelClient(domain string) ChannelClient {
	return r.irc[domain]
}

// debounceDelay picks a random grace period within the configured bounds
// for a network, spreading the recovery load of a netsplit.
func (r *Reconciler) debounceDelay(domain string) time.Duration {
	srv := r.server(domain)
	if srv == nil {
		return config.DefaultQuitDebounceMinMS * time.Millisecond
	}
	min, max := srv.QuitDebounceDelayMin(), srv.QuitDebounceDelayMax()
	if max <= min {
		return min
	}
	return min + randDuration(max-min)
}

// HandleIRCJoin mirrors an IRC channel join into every mapped room. Joins
// already visible in the membership cache are skipped; the rest go through
// the per-server join retry loop.
func (r *Reconciler) HandleIRCJoin(ctx context.Context, domain, channel, nick string) {
	r.debouncer.Rejoin(domain, nick, channel)
	srv := r.server(domain)
	if srv == nil {
		return
	}
	ch := ChannelKey{Domain: domain, Channel: channel}
	r.invalidateMentions(ch)
	if srv.MembershipSync == config.SyncOff {
		return
	}

	// Joins of our own users' IRC connections are echoes, not remote users.
	if mxid, err := r.store.MatrixUserForNick(ctx, domain, nick); err == nil && mxid != "" {
		return
	}

	ghost := r.ghosts.UserID(srv.Name, nick)
	rooms, err := r.store.RoomsForChannel(ctx, ch)
	if err != nil {
		r.log.Error().Err(err).Str("channel", ch.String()).Msg("Failed to resolve rooms for join")
		return
	}
	for _, room := range rooms {
		if r.isJoined(room, ghost) {
			continue
		}
		if err = r.joinWithRetry(ctx, srv, room, ghost); err != nil {
			r.log.Error().Err(err).
				Str("room_id", room.String()).
				Str("ghost", ghost.String()).
				Str("channel", ch.String()).
				Msg("Failed to join ghost to room")
			continue
		}
		r.markJoined(room, ghost)
	}
}

// joinWithRetry runs the join operation under the per-server attempt
// ceiling: 0 means unlimited, negative means a single attempt with no
// retry. Permission denials are always terminal.
func (r *Reconciler) joinWithRetry(ctx context.Context, srv *config.ServerConfig, room id.RoomID, ghost id.UserID) error {
	policy := r.joinPolicy
	switch {
	case srv.JoinAttempts < 0:
		policy.MaxAttempts = 1
	case srv.JoinAttempts == 0:
		policy.MaxAttempts = unlimitedAttempts
	default:
		policy.MaxAttempts = srv.JoinAttempts
	}

	intent := r.rooms.Intent(ghost)
	for attempt := 1; ; attempt++ {
		r.metrics.MatrixCalls.WithLabelValues("join").Inc()
		err := intent.EnsureJoined(ctx, room)
		if err == nil || retry.IsNotApplicable(err) {
			return nil
		}
		dec := policy.Evaluate(err, attempt, true)
		if !dec.Retry {
			return err
		}
		r.log.Debug().Err(err).
			Int("attempt", attempt).
			Dur("delay", dec.Delay).
			Str("room_id", room.String()).
			Msg("Join failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dec.Delay):
		}
	}
}

// SeedMembership loads a bulk membership snapshot into the fast-path cache
// so subsequent joins of already-present users skip the remote call.
func (r *Reconciler) SeedMembership(room id.RoomID, users []id.UserID) {
	r.joinedMu.Lock()
	defer r.joinedMu.Unlock()
	members, ok := r.joined[room]
	if !ok {
		members = make(map[id.UserID]struct{}, len(users))
		r.joined[room] = members
	}
	for _, user := range users {
		members[user] = struct{}{}
	}
}

func (r *Reconciler) isJoined(room id.RoomID, user id.UserID) bool {
	r.joinedMu.Lock()
	defer r.joinedMu.Unlock()
	_, ok := r.joined[room][user]
	return ok
}

func (r *Reconciler) markJoined(room id.RoomID, user id.UserID) {
	r.SeedMembership(room, []id.UserID{user})
}

func (r *Reconciler) unmarkJoined(room id.RoomID, user id.UserID) {
	r.joinedMu.Lock()
	defer r.joinedMu.Unlock()
	delete(r.joined[room], user)
}

// HandleIRCSecretMode feeds a channel's secrecy flag (+s/-s) into the
// visibility syncer.
func (r *Reconciler) HandleIRCSecretMode(ctx context.Context, domain, channel string, secret bool) {
	if r.vis == nil {
		return
	}
	r.vis.ChannelModeChanged(ctx, visibility.ChannelRef{Domain: domain, Channel: channel}, secret)
}
