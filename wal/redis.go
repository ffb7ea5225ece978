package wal

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript pushes the sealed entry only if the list still has the
// length the caller computed the sequence from.
var appendScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n ~= tonumber(ARGV[1]) then
  return -1
end
redis.call('RPUSH', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return n + 1
`)

const redisAppendAttempts = 8

// RedisLog stores each stream as a list of JSON entries. Sequence numbers
// are list positions, so a stream is contiguous by construction.
type RedisLog struct {
	client   redis.UniversalClient
	prefix   string
	pageSize int64
	now      func() time.Time
	locks    sync.Map
}

func NewRedisLog(client redis.UniversalClient, prefix string) *RedisLog {
	if strings.TrimSpace(prefix) == "" {
		prefix = "intent:wal"
	}
	return &RedisLog{
		client:   client,
		prefix:   prefix,
		pageSize: defaultPageSize,
		now:      time.Now,
	}
}

func (l *RedisLog) streamKey(stream string) string {
	return l.prefix + ":stream:" + stream
}

func (l *RedisLog) streamsKey() string {
	return l.prefix + ":streams"
}

func (l *RedisLog) Append(ctx context.Context, stream string, rec Record) (Entry, error) {
	if err := validateAppend(stream, rec); err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, 0)
}

func (l *RedisLog) UpdateStatus(ctx context.Context, stream string, seq uint64, status string) (Entry, error) {
	rec, err := statusRecord(seq, status)
	if err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, seq)
}

func (l *RedisLog) append(ctx context.Context, stream string, rec Record, ref uint64) (Entry, error) {
	if l == nil || l.client == nil {
		return Entry{}, unavailable("append", stream, errors.New("redis wal not configured"))
	}

	mu, _ := l.locks.LoadOrStore(stream, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	key := l.streamKey(stream)
	for attempt := 0; attempt < redisAppendAttempts; attempt++ {
		last, prevHash, err := l.tail(ctx, key)
		if err != nil {
			return Entry{}, unavailable("append", stream, err)
		}
		if rec.Kind == KindStatusUpdate && (ref == 0 || ref > last) {
			return Entry{}, cloneError(ErrUnknownEntry, "status update references unknown entry", nil, map[string]any{
				"stream_id": stream,
				"ref":       ref,
			})
		}

		entry, err := seal(stream, last+1, prevHash, rec, ref, l.now())
		if err != nil {
			return Entry{}, err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return Entry{}, cloneError(ErrInvalidEntry, "entry encode failed", err, nil)
		}

		res, err := appendScript.Run(ctx, l.client, []string{key, l.streamsKey()}, last, string(raw), stream).Int64()
		if err != nil {
			return Entry{}, unavailable("append", stream, err)
		}
		if res >= 0 {
			return entry, nil
		}
	}
	return Entry{}, cloneError(ErrSequenceConflict, "stream kept moving during append", nil, map[string]any{
		"stream_id": stream,
		"attempts":  redisAppendAttempts,
	})
}

func (l *RedisLog) tail(ctx context.Context, key string) (uint64, string, error) {
	n, err := l.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", nil
	}
	raw, err := l.client.LIndex(ctx, key, n-1).Result()
	if err != nil {
		return 0, "", err
	}
	var last Entry
	if err := json.Unmarshal([]byte(raw), &last); err != nil {
		return 0, "", err
	}
	return uint64(n), last.Hash, nil
}

func (l *RedisLog) ReadRange(ctx context.Context, stream string, from, to uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		from, to, ok := normalizeRange(from, to)
		if !ok {
			return
		}
		if l == nil || l.client == nil {
			yield(Entry{}, unavailable("read", stream, errors.New("redis wal not configured")))
			return
		}
		if to > math.MaxInt64 {
			to = math.MaxInt64
		}
		key := l.streamKey(stream)

		start := int64(from - 1)
		end := int64(to - 1)
		for start <= end {
			stop := start + l.pageSize - 1
			if stop > end {
				stop = end
			}
			values, err := l.client.LRange(ctx, key, start, stop).Result()
			if err != nil {
				yield(Entry{}, unavailable("read", stream, err))
				return
			}
			for _, raw := range values {
				var entry Entry
				if err := json.Unmarshal([]byte(raw), &entry); err != nil {
					yield(Entry{}, cloneError(ErrCorrupt, "entry decode failed", err, map[string]any{"stream_id": stream}))
					return
				}
				if !yield(entry, nil) {
					return
				}
			}
			if int64(len(values)) < stop-start+1 {
				return
			}
			start = stop + 1
		}
	}
}

func (l *RedisLog) LastSequence(ctx context.Context, stream string) (uint64, error) {
	if l == nil || l.client == nil {
		return 0, unavailable("last sequence", stream, errors.New("redis wal not configured"))
	}
	n, err := l.client.LLen(ctx, l.streamKey(stream)).Result()
	if err != nil {
		return 0, unavailable("last sequence", stream, err)
	}
	return uint64(n), nil
}

func (l *RedisLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	if l == nil || l.client == nil {
		return nil, unavailable("streams", "", errors.New("redis wal not configured"))
	}
	members, err := l.client.SMembers(ctx, l.streamsKey()).Result()
	if err != nil {
		return nil, unavailable("streams", "", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *RedisLog) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
