package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/floodgate/flood/cachestore"
)

const (
	groupModerator   = "moderator"
	groupContributor = "contributor"
)

// Membership oracle which caches results of an inner oracle. Errors are never cached.
//
// Cached results may lag the platform by up to the cache TTL, eg for a newly added moderator.
type CachedMembership struct {
	Inner  Membership
	Cache  cachestore.MembershipCache
	Logger *slog.Logger
}

var _ Membership = (*CachedMembership)(nil)

func NewCachedMembership(inner Membership, cache cachestore.CacheStore) *CachedMembership {
	return &CachedMembership{
		Inner:  inner,
		Cache:  cachestore.NewMembershipCache(cache),
		Logger: slog.Default(),
	}
}

func (m *CachedMembership) IsModerator(ctx context.Context, authorID string) (bool, error) {
	return m.lookup(ctx, groupModerator, authorID, m.Inner.IsModerator)
}

func (m *CachedMembership) IsContributor(ctx context.Context, authorID string) (bool, error) {
	return m.lookup(ctx, groupContributor, authorID, m.Inner.IsContributor)
}

// Drops any cached membership for the author, eg after a moderator list change.
func (m *CachedMembership) Purge(ctx context.Context, authorID string) error {
	return m.Cache.Purge(ctx, authorID, groupModerator, groupContributor)
}

func (m *CachedMembership) lookup(ctx context.Context, group, authorID string, fetch func(context.Context, string) (bool, error)) (bool, error) {
	member, found, err := m.Cache.Get(ctx, group, authorID)
	if err != nil {
		// a broken cache shouldn't block decisions; fall through to the authoritative lookup
		m.Logger.Warn("membership cache read failed", "group", group, "author", authorID, "err", err)
	} else if found {
		return member, nil
	}

	member, err = fetch(ctx, authorID)
	if err != nil {
		return false, fmt.Errorf("checking %s membership: %w", group, err)
	}
	if err := m.Cache.Set(ctx, group, authorID, member); err != nil {
		m.Logger.Warn("membership cache write failed", "group", group, "author", authorID, "err", err)
	}
	return member, nil
}
