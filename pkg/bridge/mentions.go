// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// MentionMap returns the nick → Matrix user map used to resolve @-mentions
// in a channel, restricted to users who opted in. Maps are cached per
// channel and rebuilt on demand after membership churn evicts them.
func (r *Reconciler) MentionMap(ctx context.Context, ch ChannelKey) (map[string]id.UserID, error) {
	key := ch.String()
	if m, ok := r.mentions.Get(key); ok {
		return m, nil
	}
	r.metrics.MentionCacheMisses.Inc()

	nicks, err := r.store.NicksForChannel(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("failed to list nicks for %s: %w", key, err)
	}
	m := make(map[string]id.UserID, len(nicks))
	for nick, user := range nicks {
		optIn, err := r.store.MentionOptIn(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("failed to check mention opt-in for %s: %w", user, err)
		}
		if optIn {
			m[nick] = user
		}
	}
	r.mentions.Add(key, m)
	return m, nil
}

// invalidateMentions evicts a channel's mention map after membership churn.
func (r *Reconciler) invalidateMentions(ch ChannelKey) {
	r.mentions.Remove(ch.String())
}

// MentionPreferenceChanged drops all cached mention maps so the user's new
// opt-in preference takes effect on next use. Cached maps carry only
// opted-in users, so a user opting back in appears in none of them and a
// targeted eviction cannot find the channels that need a rebuild.
func (r *Reconciler) MentionPreferenceChanged(id.UserID) {
	r.mentions.Purge()
}
