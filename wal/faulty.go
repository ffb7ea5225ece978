package wal

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
)

// FaultyLog wraps a Log and fails writes while marked unavailable. Reads
// pass through so that already committed history stays inspectable.
type FaultyLog struct {
	inner       Log
	unavailable atomic.Bool
	failReads   atomic.Bool
	failures    atomic.Int64
	failKinds   sync.Map
}

func NewFaultyLog(inner Log) *FaultyLog {
	return &FaultyLog{inner: inner}
}

// SetUnavailable toggles write failures.
func (f *FaultyLog) SetUnavailable(v bool) {
	f.unavailable.Store(v)
}

// SetReadsUnavailable toggles read failures as well.
func (f *FaultyLog) SetReadsUnavailable(v bool) {
	f.failReads.Store(v)
}

// FailKind rejects appends of one entry kind until ClearKinds.
func (f *FaultyLog) FailKind(kind string) {
	f.failKinds.Store(kind, struct{}{})
}

func (f *FaultyLog) ClearKinds() {
	f.failKinds.Clear()
}

// Failures counts rejected calls.
func (f *FaultyLog) Failures() int64 {
	return f.failures.Load()
}

func (f *FaultyLog) reject(op, stream string) error {
	f.failures.Add(1)
	return unavailable(op, stream, errors.New("backend marked unavailable"))
}

func (f *FaultyLog) Append(ctx context.Context, stream string, rec Record) (Entry, error) {
	if f.unavailable.Load() {
		return Entry{}, f.reject("append", stream)
	}
	if _, ok := f.failKinds.Load(rec.Kind); ok {
		return Entry{}, f.reject("append "+rec.Kind, stream)
	}
	return f.inner.Append(ctx, stream, rec)
}

func (f *FaultyLog) UpdateStatus(ctx context.Context, stream string, seq uint64, status string) (Entry, error) {
	if f.unavailable.Load() {
		return Entry{}, f.reject("update status", stream)
	}
	return f.inner.UpdateStatus(ctx, stream, seq, status)
}

func (f *FaultyLog) ReadRange(ctx context.Context, stream string, from, to uint64) iter.Seq2[Entry, error] {
	if f.failReads.Load() {
		err := f.reject("read", stream)
		return func(yield func(Entry, error) bool) {
			yield(Entry{}, err)
		}
	}
	return f.inner.ReadRange(ctx, stream, from, to)
}

func (f *FaultyLog) LastSequence(ctx context.Context, stream string) (uint64, error) {
	if f.failReads.Load() {
		return 0, f.reject("last sequence", stream)
	}
	return f.inner.LastSequence(ctx, stream)
}

func (f *FaultyLog) Streams(ctx context.Context, prefix string) ([]string, error) {
	if f.failReads.Load() {
		return nil, f.reject("streams", "")
	}
	return f.inner.Streams(ctx, prefix)
}

func (f *FaultyLog) Close() error {
	return f.inner.Close()
}
