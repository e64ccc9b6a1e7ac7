package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the Store interface with a Redis server so that every
// gateway instance sharing the server shares bans and counters.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedis wraps an existing client. prefix namespaces every key; timeout,
// when positive, bounds each operation independently of the request deadline.
func NewRedis(client *redis.Client, prefix string, timeout time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, timeout: timeout}
}

func (s *Redis) key(k string) string {
	return s.prefix + ":" + k
}

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *Redis) Del(ctx context.Context, key string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.Del(ctx, s.key(key)).Err()
}

func (s *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, err
}

func (s *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	full := s.key(key)
	var incr *redis.IntCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, full)
		if ttl > 0 {
			pipe.ExpireNX(ctx, full, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *Redis) SeriesAdd(ctx context.Context, key, member string, at, cutoff time.Time, ttl time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	full := s.key(key)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, full, "-inf", "("+formatScore(cutoff))
		pipe.ZAdd(ctx, full, redis.Z{Score: scoreOf(at), Member: member})
		card = pipe.ZCard(ctx, full)
		if ttl > 0 {
			pipe.Expire(ctx, full, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *Redis) SeriesRemove(ctx context.Context, key, member string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.ZRem(ctx, s.key(key), member).Err()
}

func (s *Redis) SeriesCount(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.ZCount(ctx, s.key(key), formatScore(cutoff), "+inf").Result()
}

func (s *Redis) SeriesRevRange(ctx context.Context, key string, from, to time.Time, limit int) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	by := &redis.ZRangeBy{Min: formatScore(from), Max: formatScore(to)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return s.client.ZRevRangeByScore(ctx, s.key(key), by).Result()
}

func (s *Redis) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	var keys []string
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix+":"))
	}
	return keys, iter.Err()
}

func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
