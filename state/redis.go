package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	intent "github.com/goliatone/go-intent"
	"github.com/redis/go-redis/v9"
)

// casScript stores values and bumps the version when the stored version
// equals ARGV[1]. A negative expected version skips the check.
var casScript = redis.NewScript(`
local ver = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
local expected = tonumber(ARGV[1])
if expected >= 0 and expected ~= ver then
  return {-1, ver}
end
ver = ver + 1
redis.call('HSET', KEYS[1], 'version', ver, 'vals', ARGV[2], 'updated_at', ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {1, ver}
`)

// RedisSessionStore keeps each session as a hash with a version field.
type RedisSessionStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

// NewRedisSessionStore builds a store using the provided client and TTL. A
// zero TTL keeps sessions until removed by an external policy.
func NewRedisSessionStore(client redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl, keyPrefix: "intent:session:", now: time.Now}
}

// key escapes both parts so a ':' inside a tenant or session id cannot
// make two different pairs share a hash.
func (s *RedisSessionStore) key(tenantID, sessionID string) string {
	return s.keyPrefix + url.QueryEscape(tenantID) + ":" + url.QueryEscape(sessionID)
}

func (s *RedisSessionStore) Get(ctx context.Context, tenantID, sessionID string) (*intent.SessionState, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis session store not configured")
	}
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.key(tenantID, sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	out := intent.SessionState{
		TenantID:  tenantID,
		SessionID: sessionID,
		Version:   version,
		Values:    map[string]any{},
	}
	if raw := strings.TrimSpace(fields["vals"]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.Values); err != nil {
			return nil, fmt.Errorf("decode session values: %w", err)
		}
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, fields["updated_at"]); parseErr == nil {
		out.UpdatedAt = ts
	}
	return &out, nil
}

func (s *RedisSessionStore) Set(ctx context.Context, tenantID, sessionID string, values map[string]any) (intent.SessionState, error) {
	return s.write(ctx, tenantID, sessionID, values, -1)
}

func (s *RedisSessionStore) CompareAndSet(ctx context.Context, tenantID, sessionID string, values map[string]any, expected int64) (intent.SessionState, error) {
	if expected < 0 {
		expected = 0
	}
	return s.write(ctx, tenantID, sessionID, values, expected)
}

func (s *RedisSessionStore) write(ctx context.Context, tenantID, sessionID string, values map[string]any, expected int64) (intent.SessionState, error) {
	if s == nil || s.client == nil {
		return intent.SessionState{}, errors.New("redis session store not configured")
	}
	if err := validateSessionKey(tenantID, sessionID); err != nil {
		return intent.SessionState{}, err
	}
	valsJSON, err := encodeValues(values)
	if err != nil {
		return intent.SessionState{}, err
	}
	now := s.now().UTC()
	res, err := casScript.Run(ctx, s.client, []string{s.key(tenantID, sessionID)},
		expected, valsJSON, now.Format(time.RFC3339Nano), s.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return intent.SessionState{}, err
	}
	if len(res) != 2 {
		return intent.SessionState{}, fmt.Errorf("unexpected cas reply %v", res)
	}
	if res[0] < 0 {
		return intent.SessionState{}, sessionConflict(tenantID, sessionID, expected, res[1])
	}
	return newSessionState(tenantID, sessionID, values, res[1], now), nil
}
