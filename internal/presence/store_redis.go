package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// heartbeatScript stores the newest heartbeat only.
var heartbeatScript = redis.NewScript(`
-- KEYS[1] = presence key
-- ARGV[1] = heartbeat unix ms, ARGV[2] = retention ms
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) > tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func presenceKey(businessID string) string { return "presence:" + businessID }

// RedisStore keeps the last heartbeat as unix milliseconds. The key TTL only
// bounds garbage; online/offline is decided by Record.Online.
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, retention: retention}
}

func (s *RedisStore) Heartbeat(ctx context.Context, businessID string, at time.Time) error {
	if strings.TrimSpace(businessID) == "" {
		return ErrInvalidArgument
	}
	if err := heartbeatScript.Run(ctx, s.rdb, []string{presenceKey(businessID)}, at.UnixMilli(), s.retention.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, businessID string) (Record, bool, error) {
	raw, err := s.rdb.Get(ctx, presenceKey(businessID)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("presence: malformed heartbeat %q", raw)
	}
	return Record{BusinessID: businessID, LastHeartbeat: time.UnixMilli(ms).UTC()}, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, businessID string) error {
	if err := s.rdb.Del(ctx, presenceKey(businessID)).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}
