package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared multi-process Backend. The claim runs as a server-side
// script so contention between workers is resolved inside Redis.
type Redis struct {
	client *redis.Client
}

// ConnectRedis dials a Redis server from a connection URL and verifies it
// answers a ping before handing the client out.
func ConnectRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client}, nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := r.client.ZRem(ctx, key, member).Result()
	return n > 0, err
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error) {
	rng := &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	return r.client.ZRangeByScore(ctx, key, rng).Result()
}

func (r *Redis) ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error) {
	stop := int64(-1)
	if count > 0 {
		stop = offset + count - 1
	}
	return r.client.ZRevRange(ctx, key, offset, stop).Result()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) HDel(ctx context.Context, key, field string) error {
	return r.client.HDel(ctx, key, field).Err()
}

func (r *Redis) SAdd(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	return r.client.SRem(ctx, key, member).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// claimScript walks the pending zset in (score, member) order, skips
// members whose packed scheduledFor is in the future or whose name fails
// the filters, and moves the first match into the running zset scored by
// lease expiry. Runs atomically server-side.
var claimScript = redis.NewScript(`
local pending = KEYS[1]
local running = KEYS[2]
local now = tonumber(ARGV[1])
local lease = tonumber(ARGV[2])
local allowed = ARGV[3]
local blocked = ARGV[4]
local duemod = 2^42

local function contains(csv, name)
  for item in string.gmatch(csv, '([^,]+)') do
    if item == name then return true end
  end
  return false
end

local offset = 0
while true do
  local page = redis.call('ZRANGE', pending, offset, offset + 63, 'WITHSCORES')
  if #page == 0 then return false end
  for i = 1, #page, 2 do
    local member = page[i]
    local score = tonumber(page[i + 1])
    if score % duemod <= now then
      local sep = string.find(member, '|', 1, true)
      local name = string.sub(member, 1, sep - 1)
      local ok = not (blocked ~= '' and contains(blocked, name))
      if ok and allowed ~= '' and not contains(allowed, name) then ok = false end
      if ok then
        redis.call('ZREM', pending, member)
        redis.call('ZADD', running, now + lease, member)
        return member
      end
    end
  end
  offset = offset + 64
end
`)

func (r *Redis) Claim(ctx context.Context, q ClaimQuery) (string, error) {
	res, err := claimScript.Run(ctx, r.client,
		[]string{q.PendingKey, q.RunningKey},
		q.Now.UnixMilli(),
		q.Lease.Milliseconds(),
		strings.Join(q.Allowed, ","),
		strings.Join(q.Blocked, ","),
	).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoTask
	}
	if err != nil {
		return "", err
	}
	member, ok := res.(string)
	if !ok {
		return "", ErrNoTask
	}
	return member, nil
}
