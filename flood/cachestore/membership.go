package cachestore

import (
	"context"
	"fmt"
	"strconv"
)

// Typed view over a CacheStore for author group membership flags. Entries for each group live under their own cache name.
type MembershipCache struct {
	Store CacheStore
}

func NewMembershipCache(store CacheStore) MembershipCache {
	return MembershipCache{Store: store}
}

func membershipName(group string) string {
	return "member/" + group
}

// Returns found=false on a miss. An entry which doesn't parse is reported as an error, and also as a miss.
func (c MembershipCache) Get(ctx context.Context, group, authorID string) (member bool, found bool, err error) {
	raw, err := c.Store.Get(ctx, membershipName(group), authorID)
	if err != nil {
		return false, false, err
	}
	if raw == "" {
		return false, false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("unparsable membership cache entry %q: %w", raw, err)
	}
	return v, true, nil
}

func (c MembershipCache) Set(ctx context.Context, group, authorID string, member bool) error {
	return c.Store.Set(ctx, membershipName(group), authorID, strconv.FormatBool(member))
}

func (c MembershipCache) Purge(ctx context.Context, authorID string, groups ...string) error {
	for _, group := range groups {
		if err := c.Store.Purge(ctx, membershipName(group), authorID); err != nil {
			return err
		}
	}
	return nil
}
