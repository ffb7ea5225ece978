package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore writes blobs under a root directory, fanned out by the first
// two hex characters of the digest.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file blob store requires a root directory")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.root, raw[:2], raw+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte, contentType string) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	digest := Digest(data)
	raw := digest[len(digestPrefix):]
	path := s.path(raw)
	loc := Location{
		Backend:     "file",
		URI:         "file://" + filepath.ToSlash(path),
		Digest:      digest,
		ContentType: defaultContentType(contentType),
		Size:        int64(len(data)),
	}

	if _, err := os.Stat(path); err == nil {
		return loc, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Location{}, fmt.Errorf("create blob dir: %w", err)
	}

	// write to a temp file and rename so readers never see partial blobs
	tmp, err := os.CreateTemp(filepath.Dir(path), raw+".*.tmp")
	if err != nil {
		return Location{}, fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return Location{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return Location{}, fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return Location{}, fmt.Errorf("commit blob: %w", err)
	}
	return loc, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, blobNotFound(digest, err)
	}
	return data, err
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(raw))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	raw, err := parseDigest(digest)
	if err != nil {
		return err
	}
	err = os.Remove(s.path(raw))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
