package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// decrementIfPositive returns {remaining, status}: status 1 decremented,
// 0 rejected (counter <= 0), -1 key absent.
var decrementIfPositive = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return {0, -1}
end
local n = tonumber(v)
if not n then
  return redis.error_reply('ERR value is not an integer')
end
if n <= 0 then
  return {n, 0}
end
return {redis.call('DECR', KEYS[1]), 1}
`)

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return v, true, nil
}

func (s *RedisStore) GetDelete(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return mapRedisErr(s.client.Set(ctx, key, value, 0).Err())
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, 0).Result()
	return ok, mapRedisErr(err)
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return n, mapRedisErr(err)
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, mapRedisErr(err)
	}
	if len(m) == 0 {
		return nil, false, nil
	}
	return m, true, nil
}

func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return mapRedisErr(s.client.HSet(ctx, key, values).Err())
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SAdd(ctx, key, member).Result()
	return n == 1, mapRedisErr(err)
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.SRem(ctx, key, member).Result()
	return n == 1, mapRedisErr(err)
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, mapRedisErr(err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	return mapRedisErr(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) SortedMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.ZRange(ctx, key, 0, -1).Result()
	return members, mapRedisErr(err)
}

func (s *RedisStore) DecrementIfPositive(ctx context.Context, key string) (int64, bool, error) {
	res, err := decrementIfPositive.Run(ctx, s.client, []string{key}).Int64Slice()
	if err != nil {
		return 0, false, mapRedisErr(err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("registry: unexpected script reply %v", res)
	}
	switch res[1] {
	case -1:
		return 0, false, ErrAbsent
	case 0:
		return res[0], false, nil
	default:
		return res[0], true, nil
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	case strings.Contains(msg, "not an integer"):
		return fmt.Errorf("%w: %v", ErrNotInteger, err)
	}
	return err
}
