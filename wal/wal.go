// Package wal is the append-only, per-stream ordered execution log.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"math"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Latest is used as the upper bound of ReadRange to read to the tail.
const Latest uint64 = math.MaxUint64

// KindStatusUpdate marks entries appended by UpdateStatus.
const KindStatusUpdate = "status_update"

const (
	ErrCodeUnavailable  = "WAL_UNAVAILABLE"
	ErrCodeInvalidEntry = "WAL_INVALID_ENTRY"
	ErrCodeUnknownEntry = "WAL_UNKNOWN_ENTRY"
	ErrCodeCorrupt      = "WAL_CORRUPT"
	ErrCodeConflict     = "WAL_SEQUENCE_CONFLICT"
)

var (
	ErrUnavailable = apperrors.New("wal backend unavailable", apperrors.CategoryExternal).
			WithTextCode(ErrCodeUnavailable)
	ErrInvalidEntry = apperrors.New("invalid wal entry", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidEntry)
	ErrUnknownEntry = apperrors.New("wal entry not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeUnknownEntry)
	ErrCorrupt = apperrors.New("wal chain broken", apperrors.CategoryInternal).
			WithTextCode(ErrCodeCorrupt)
	ErrSequenceConflict = apperrors.New("wal sequence conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeConflict)
)

// Entry is one committed record. Entries are never rewritten.
type Entry struct {
	ID        string          `json:"id"`
	StreamID  string          `json:"stream_id"`
	Sequence  uint64          `json:"sequence"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status,omitempty"`
	Ref       uint64          `json:"ref,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Record is the caller supplied part of an entry.
type Record struct {
	Kind    string
	Payload json.RawMessage
	Status  string
}

// NewRecord marshals payload into a Record.
func NewRecord(kind string, payload any, status string) (Record, error) {
	rec := Record{Kind: kind, Status: status}
	if payload == nil {
		return rec, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		rec.Payload = raw
		return rec, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return rec, cloneError(ErrInvalidEntry, "payload is not json encodable", err, map[string]any{"kind": kind})
	}
	rec.Payload = raw
	return rec, nil
}

// Log is the durable log contract. Appends to one stream are serialized,
// independent streams never block each other.
type Log interface {
	Append(ctx context.Context, stream string, rec Record) (Entry, error)
	// ReadRange yields entries with from <= sequence <= to in order. The
	// sequence is lazy and may be ranged over again.
	ReadRange(ctx context.Context, stream string, from, to uint64) iter.Seq2[Entry, error]
	// UpdateStatus appends a status marker referencing seq.
	UpdateStatus(ctx context.Context, stream string, seq uint64, status string) (Entry, error)
	LastSequence(ctx context.Context, stream string) (uint64, error)
	Streams(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ReadAll collects a full stream.
func ReadAll(ctx context.Context, log Log, stream string) ([]Entry, error) {
	var out []Entry
	for entry, err := range log.ReadRange(ctx, stream, 1, Latest) {
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func validateAppend(stream string, rec Record) error {
	if strings.TrimSpace(stream) == "" {
		return cloneError(ErrInvalidEntry, "stream id required", nil, nil)
	}
	if strings.TrimSpace(rec.Kind) == "" {
		return cloneError(ErrInvalidEntry, "entry kind required", nil, map[string]any{"stream_id": stream})
	}
	if rec.Kind == KindStatusUpdate {
		return cloneError(ErrInvalidEntry, "status updates must use UpdateStatus", nil, map[string]any{"stream_id": stream})
	}
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return cloneError(ErrInvalidEntry, "payload is not valid json", nil, map[string]any{"stream_id": stream, "kind": rec.Kind})
	}
	return nil
}

func statusRecord(seq uint64, status string) (Record, error) {
	if strings.TrimSpace(status) == "" {
		return Record{}, cloneError(ErrInvalidEntry, "status required", nil, nil)
	}
	raw, _ := json.Marshal(map[string]any{"ref": seq, "status": status})
	return Record{Kind: KindStatusUpdate, Payload: raw, Status: status}, nil
}

func normalizeRange(from, to uint64) (uint64, uint64, bool) {
	if from == 0 {
		from = 1
	}
	return from, to, from <= to
}

// seal builds the committed entry for rec placed after prevHash.
func seal(stream string, seq uint64, prevHash string, rec Record, ref uint64, now time.Time) (Entry, error) {
	payload := append(json.RawMessage(nil), rec.Payload...)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	entry := Entry{
		ID:        uuid.NewString(),
		StreamID:  stream,
		Sequence:  seq,
		Kind:      rec.Kind,
		Timestamp: now.UTC(),
		Payload:   payload,
		Status:    rec.Status,
		Ref:       ref,
		PrevHash:  prevHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return Entry{}, err
	}
	entry.Hash = hash
	return entry, nil
}

func entryHash(e Entry) (string, error) {
	canonical, err := jcs.Transform(e.Payload)
	if err != nil {
		return "", cloneError(ErrInvalidEntry, "payload canonicalization failed", err, map[string]any{
			"stream_id": e.StreamID,
			"kind":      e.Kind,
		})
	}

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	h.Write(seq[:])
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write([]byte(e.Status))
	h.Write([]byte{0})
	binary.BigEndian.PutUint64(seq[:], e.Ref)
	h.Write(seq[:])
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks that entries form a contiguous, correctly chained stream
// starting at the first entry given.
func Verify(entries []Entry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Sequence != prev.Sequence+1 {
				return cloneError(ErrCorrupt, "sequence gap", nil, map[string]any{
					"stream_id": e.StreamID,
					"expected":  prev.Sequence + 1,
					"actual":    e.Sequence,
				})
			}
			if e.PrevHash != prev.Hash {
				return cloneError(ErrCorrupt, "previous hash mismatch", nil, map[string]any{
					"stream_id": e.StreamID,
					"sequence":  e.Sequence,
				})
			}
		}
		want, err := entryHash(e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return cloneError(ErrCorrupt, "entry hash mismatch", nil, map[string]any{
				"stream_id": e.StreamID,
				"sequence":  e.Sequence,
			})
		}
	}
	return nil
}

// EffectiveStatus folds status updates onto the entry at seq.
func EffectiveStatus(entries []Entry, seq uint64) string {
	status := ""
	for _, e := range entries {
		switch {
		case e.Sequence == seq && e.Kind != KindStatusUpdate:
			status = e.Status
		case e.Kind == KindStatusUpdate && e.Ref == seq:
			status = e.Status
		}
	}
	return status
}

func cloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func errorCode(err error) string {
	var ge *apperrors.Error
	if errors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsUnavailable reports whether err came from a backend that could not
// durably accept or serve the call.
func IsUnavailable(err error) bool {
	return errorCode(err) == ErrCodeUnavailable
}

func unavailable(op, stream string, source error) error {
	return cloneError(ErrUnavailable, op+" failed", source, map[string]any{"stream_id": stream})
}
