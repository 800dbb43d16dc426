package reputation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// penalizeScript decays the stored score to now, adds the penalty and clamps.
// ARGV: now_ms, decay_factor, decay_interval_ms, amount, retention_ms.
var penalizeScript = redis.NewScript(`
local vals = redis.call("HMGET", KEYS[1], "score", "ts")
local now = tonumber(ARGV[1])
local score = tonumber(vals[1]) or 0
local ts = tonumber(vals[2]) or now
local tsOut = vals[2] or ARGV[1]
if now > ts then
  score = score * math.pow(tonumber(ARGV[2]), (now - ts) / tonumber(ARGV[3]))
  tsOut = ARGV[1]
end
score = score + tonumber(ARGV[4])
if score > 1 then score = 1 end
if score < 0 then score = 0 end
redis.call("HSET", KEYS[1], "score", tostring(score), "ts", tsOut, "pen", ARGV[1])
redis.call("HINCRBY", KEYS[1], "n", 1)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return tostring(score)
`)

// RedisStore shares reputation across perimeter instances. Decay is applied
// lazily on read; stale entries are compacted by key expiry.
type RedisStore struct {
	client  redis.UniversalClient
	cfg     Config
	prefix  string
	timeout time.Duration
}

// NewRedisStore returns a store over client. Keys are "rep:<ip>".
func NewRedisStore(client redis.UniversalClient, cfg Config) *RedisStore {
	return &RedisStore{
		client:  client,
		cfg:     cfg.withDefaults(),
		prefix:  "rep:",
		timeout: 2 * time.Second,
	}
}

func (s *RedisStore) key(ip string) string { return s.prefix + ip }

func (s *RedisStore) Get(ctx context.Context, ip string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vals, err := s.client.HMGet(ctx, s.key(ip), "score", "ts").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(vals) < 2 || vals[0] == nil {
		return 0, nil
	}
	score, err := parseFloat(vals[0])
	if err != nil {
		return 0, fmt.Errorf("decode reputation score for %s: %w", ip, err)
	}
	ts, err := parseFloat(vals[1])
	if err != nil {
		return 0, fmt.Errorf("decode reputation timestamp for %s: %w", ip, err)
	}
	elapsed := time.Duration(s.cfg.Now().UnixMilli()-int64(ts)) * time.Millisecond
	return s.cfg.decay(score, elapsed), nil
}

func (s *RedisStore) Penalize(ctx context.Context, ip string, amount float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := penalizeScript.Run(ctx, s.client, []string{s.key(ip)},
		s.cfg.Now().UnixMilli(),
		strconv.FormatFloat(s.cfg.DecayFactor, 'f', -1, 64),
		s.cfg.DecayInterval.Milliseconds(),
		strconv.FormatFloat(amount, 'f', -1, 64),
		s.cfg.Retention.Milliseconds(),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	score, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("decode penalized score for %s: %w", ip, err)
	}
	return score, nil
}

// DecayTick only checks connectivity: decay is computed on read and expiry compacts.
func (s *RedisStore) DecayTick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func parseFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
