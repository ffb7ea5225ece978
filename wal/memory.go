package wal

import (
	"context"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryLog keeps streams in process. Entries are lost on exit.
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	now     func() time.Time
	closed  bool
}

type memoryStream struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string]*memoryStream),
		now:     time.Now,
	}
}

func (l *MemoryLog) stream(id string, create bool) *memoryStream {
	l.mu.RLock()
	s := l.streams[id]
	l.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.streams[id]; s == nil {
		s = &memoryStream{}
		l.streams[id] = s
	}
	return s
}

func (l *MemoryLog) isClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.closed
}

func (l *MemoryLog) Append(ctx context.Context, stream string, rec Record) (Entry, error) {
	if err := validateAppend(stream, rec); err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, 0)
}

func (l *MemoryLog) UpdateStatus(ctx context.Context, stream string, seq uint64, status string) (Entry, error) {
	rec, err := statusRecord(seq, status)
	if err != nil {
		return Entry{}, err
	}
	return l.append(ctx, stream, rec, seq)
}

func (l *MemoryLog) append(ctx context.Context, stream string, rec Record, ref uint64) (Entry, error) {
	if l == nil {
		return Entry{}, unavailable("append", stream, nil)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, unavailable("append", stream, err)
	}
	if l.isClosed() {
		return Entry{}, unavailable("append", stream, nil)
	}

	s := l.stream(stream, rec.Kind != KindStatusUpdate)
	if s == nil {
		return Entry{}, cloneError(ErrUnknownEntry, "status update references unknown stream", nil, map[string]any{
			"stream_id": stream,
			"ref":       ref,
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	last := uint64(len(s.entries))
	if rec.Kind == KindStatusUpdate && (ref == 0 || ref > last) {
		return Entry{}, cloneError(ErrUnknownEntry, "status update references unknown entry", nil, map[string]any{
			"stream_id": stream,
			"ref":       ref,
		})
	}
	prevHash := ""
	if last > 0 {
		prevHash = s.entries[last-1].Hash
	}
	entry, err := seal(stream, last+1, prevHash, rec, ref, l.now())
	if err != nil {
		return Entry{}, err
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (l *MemoryLog) ReadRange(ctx context.Context, stream string, from, to uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		from, to, ok := normalizeRange(from, to)
		if !ok || l == nil {
			return
		}
		s := l.stream(stream, false)
		if s == nil {
			return
		}
		s.mu.Lock()
		snapshot := s.entries[:len(s.entries):len(s.entries)]
		s.mu.Unlock()

		for _, entry := range snapshot {
			if entry.Sequence < from {
				continue
			}
			if entry.Sequence > to {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			entry.Payload = slices.Clone(entry.Payload)
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (l *MemoryLog) LastSequence(_ context.Context, stream string) (uint64, error) {
	s := l.stream(stream, false)
	if s == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries)), nil
}

func (l *MemoryLog) Streams(_ context.Context, prefix string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.streams))
	for id := range l.streams {
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
