package actionstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisActionsPrefix = "floodgate/actions/"

// ActionStore backed by redis: one sorted set per action kind, member item ID, score action time in epoch milliseconds.
type RedisActionStore struct {
	Client *redis.Client
}

var _ ActionStore = (*RedisActionStore)(nil)

func NewRedisActionStore(redisURL string) (*RedisActionStore, error) {
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
	return &RedisActionStore{Client: rdb}, nil
}

func redisActionsKey(kind ActionKind) string {
	return redisActionsPrefix + string(kind)
}

func (s *RedisActionStore) Record(ctx context.Context, kind ActionKind, itemID string, actionedAt time.Time) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	err := s.Client.ZAdd(ctx, redisActionsKey(kind), redis.Z{Score: float64(toMillis(actionedAt)), Member: itemID}).Err()
	if err != nil {
		return fmt.Errorf("recording %s time: %w", kind, err)
	}
	return nil
}

func (s *RedisActionStore) Clear(ctx context.Context, kind ActionKind, itemID string) error {
	err := s.Client.ZRem(ctx, redisActionsKey(kind), itemID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clearing %s time: %w", kind, err)
	}
	return nil
}

func (s *RedisActionStore) Get(ctx context.Context, kind ActionKind, itemID string) (time.Time, bool, error) {
	score, err := s.Client.ZScore(ctx, redisActionsKey(kind), itemID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s time: %w", kind, err)
	}
	return fromMillis(int64(score)), true, nil
}

func (s *RedisActionStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(toMillis(cutoff), 10)

	// sweep all kinds in a single redis round-trip
	multi := s.Client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(AllKinds))
	for _, kind := range AllKinds {
		cmds = append(cmds, multi.ZRemRangeByScore(ctx, redisActionsKey(kind), "-inf", max))
	}
	if _, err := multi.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("evicting action times: %w", err)
	}
	removed := 0
	for _, c := range cmds {
		removed += int(c.Val())
	}
	return removed, nil
}
