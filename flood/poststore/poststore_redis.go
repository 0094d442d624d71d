package poststore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisPostsPrefix = "floodgate/posts/"
var redisAuthorsKey = "floodgate/authors"

// Removes members from a per-author sorted set, then drops the author from the index if nothing is left. Redis deletes empty sorted sets on its own; the index is the derived data we have to keep consistent.
//
// KEYS[1] = per-author sorted set, KEYS[2] = author index set
// ARGV[1] = author ID, ARGV[2] = mode ("item" or "before"), ARGV[3] = item ID or exclusive max score
var evictScript = redis.NewScript(`
local removed
if ARGV[2] == "item" then
	removed = redis.call("ZREM", KEYS[1], ARGV[3])
else
	removed = redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[3])
end
if redis.call("EXISTS", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[1])
end
return removed
`)

// PostStore backed by redis: one sorted set per author (member item ID, score creation time in epoch milliseconds), plus a set indexing the authors which currently have tracked items.
type RedisPostStore struct {
	Client *redis.Client
	Logger *slog.Logger
}

var _ PostStore = (*RedisPostStore)(nil)

func NewRedisPostStore(redisURL string) (*RedisPostStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisPostStore{
		Client: rdb,
		Logger: slog.Default(),
	}, nil
}

func redisPostsKey(authorID string) string {
	return redisPostsPrefix + authorID
}

func (s *RedisPostStore) Track(ctx context.Context, authorID, itemID string, createdAt time.Time) error {
	key := redisPostsKey(authorID)

	// add the item and index the author in a single atomic round-trip
	var added *redis.IntCmd
	_, err := s.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.ZAddNX(ctx, key, redis.Z{Score: float64(toMillis(createdAt)), Member: itemID})
		pipe.SAdd(ctx, redisAuthorsKey, authorID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("tracking item: %w", err)
	}

	if added.Val() == 0 {
		logger := s.Logger.With("author", authorID, "item", itemID, "ignored", createdAt)
		// only for the log line; a failure here doesn't change the outcome
		if existing, err := s.Client.ZScore(ctx, key, itemID).Result(); err == nil {
			logger = logger.With("existing", fromMillis(int64(existing)))
		}
		logger.Warn("item already tracked for author, keeping first creation time")
	}
	return nil
}

func (s *RedisPostStore) Untrack(ctx context.Context, authorID, itemID string) error {
	err := evictScript.Run(ctx, s.Client, []string{redisPostsKey(authorID), redisAuthorsKey}, authorID, "item", itemID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("untracking item: %w", err)
	}
	return nil
}

func (s *RedisPostStore) ItemsByAuthor(ctx context.Context, authorID string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	zs, err := s.Client.ZRangeWithScores(ctx, redisPostsKey(authorID), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading tracked items: %w", err)
	}
	for _, z := range zs {
		itemID, ok := z.Member.(string)
		if !ok {
			continue
		}
		out[itemID] = fromMillis(int64(z.Score))
	}
	return out, nil
}

func (s *RedisPostStore) EvictOlderThan(ctx context.Context, authorID string, cutoff time.Time) (int, error) {
	max := strconv.FormatInt(toMillis(cutoff), 10)
	n, err := evictScript.Run(ctx, s.Client, []string{redisPostsKey(authorID), redisAuthorsKey}, authorID, "before", max).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("evicting items: %w", err)
	}
	return n, nil
}

func (s *RedisPostStore) ListTrackedAuthors(ctx context.Context) ([]string, error) {
	out := []string{}
	iter := s.Client.SScan(ctx, redisAuthorsKey, 0, "", 1000).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing tracked authors: %w", err)
	}
	return out, nil
}
