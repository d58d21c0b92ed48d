// Package storage keeps uploaded file contents in a content-addressed
// directory tree keyed by SHA-256.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrTooLarge   = errors.New("blob exceeds size limit")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Blob describes stored content.
type Blob struct {
	Key    string
	SHA256 string
	Size   int64
}

// Store is a local blob store rooted at a directory.
type Store struct {
	root string
}

// NewStore creates root if needed.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage directory cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Put streams r to a temporary file while hashing it, then renames it into
// place. maxBytes <= 0 disables the limit. Identical content maps to the
// same key and is stored once.
func (s *Store) Put(ctx context.Context, r io.Reader, maxBytes int64) (Blob, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "upload-*")
	if err != nil {
		return Blob{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return Blob{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if maxBytes > 0 && n > maxBytes {
		return Blob{}, ErrTooLarge
	}
	if err := tmp.Sync(); err != nil {
		return Blob{}, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Blob{}, fmt.Errorf("failed to close blob: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dest := s.path(sum)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return Blob{}, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return Blob{}, fmt.Errorf("failed to store blob: %w", err)
	}
	committed = true
	return Blob{Key: sum, SHA256: sum, Size: n}, nil
}

// Open returns the content for key. The caller closes it.
func (s *Store) Open(key string) (*os.File, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Exists reports whether key is stored.
func (s *Store) Exists(key string) bool {
	if !validKey(key) {
		return false
	}
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Delete removes key. Deleting a missing blob is not an error.
func (s *Store) Delete(key string) error {
	if !validKey(key) {
		return ErrInvalidKey
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// path fans blobs out over two directory levels.
func (s *Store) path(key string) string {
	return filepath.Join(s.root, key[:2], key[2:4], key)
}

func validKey(key string) bool {
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
