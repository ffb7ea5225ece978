// Package blob stores artifact bytes by content digest.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	intent "github.com/goliatone/go-intent"
)

const digestPrefix = "sha256:"

// Location describes where a blob was written.
type Location struct {
	Backend     string
	URI         string
	Digest      string
	ContentType string
	Size        int64
}

// Materialization converts the location into the artifact record form.
func (l Location) Materialization() intent.Materialization {
	return intent.Materialization{
		Backend:     l.Backend,
		URI:         l.URI,
		Digest:      l.Digest,
		ContentType: l.ContentType,
		Size:        l.Size,
	}
}

// Store is a content addressed blob store. Put is idempotent for equal
// content.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (Location, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest returns the "sha256:<hex>" digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok || len(raw) != sha256.Size*2 {
		return "", intent.NewError(intent.ErrValidation, "invalid digest format: "+digest, nil, nil)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", intent.NewError(intent.ErrValidation, "invalid digest format: "+digest, err, nil)
	}
	return raw, nil
}

func objectKey(prefix, raw string) string {
	return prefix + raw + ".blob"
}

func blobNotFound(digest string, source error) error {
	return intent.NewError(intent.ErrNotFound, "blob not found", source, map[string]any{"digest": digest})
}

func defaultContentType(ct string) string {
	if strings.TrimSpace(ct) == "" {
		return "application/octet-stream"
	}
	return ct
}
