// Package contentstore keeps snippet source addressed by the sha256 of its
// normalized bytes. Blobs are never deleted.
package contentstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/storage/objectstore"
)

const (
	contentType  = "text/plain; charset=utf-8"
	// Blobs never change once written under their hash.
	cacheControl = "public, max-age=31536000, immutable"
)

type Store struct {
	objects objectstore.Store
	bucket  string
	prefix  string
	maxSize int64
}

type Option func(*Store)

// WithPrefix places every blob key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// WithMaxSize rejects Fetch results larger than n bytes.
func WithMaxSize(n int64) Option {
	return func(s *Store) { s.maxSize = n }
}

func New(objects objectstore.Store, bucket string, opts ...Option) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	s := &Store{objects: objects, bucket: bucket, maxSize: 16 << 20}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil && strings.ToLower(h) == h
}

// Key is the object key a hash is stored under: sha256/<first byte>/<hash>.
func (s *Store) Key(hash string) string {
	return path.Join(s.prefix, "sha256", hash[:2], hash)
}

// Store writes data unless a blob with the same hash already exists. created
// reports whether this call wrote it.
func (s *Store) Store(ctx context.Context, language domain.Language, data []byte) (hash string, created bool, err error) {
	hash = Hash(data)
	key := s.Key(hash)
	if _, err := s.objects.Stat(ctx, s.bucket, key); err == nil {
		return hash, false, nil
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return "", false, fmt.Errorf("stat blob: %w", err)
	}
	err = s.objects.Put(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), objectstore.PutOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
		Metadata:     map[string]string{"language": string(language), "sha256": hash},
	})
	if err != nil {
		return "", false, fmt.Errorf("put blob: %w", err)
	}
	return hash, true, nil
}

// Fetch returns the blob and checks it still hashes to its key.
func (s *Store) Fetch(ctx context.Context, hash string) (domain.Snippet, error) {
	if !ValidHash(hash) {
		return domain.Snippet{}, &domain.UnknownContentError{Hash: hash}
	}
	rc, info, err := s.objects.Get(ctx, s.bucket, s.Key(hash))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return domain.Snippet{}, &domain.UnknownContentError{Hash: hash}
		}
		return domain.Snippet{}, fmt.Errorf("get blob: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, s.maxSize+1))
	if err != nil {
		return domain.Snippet{}, fmt.Errorf("read blob: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return domain.Snippet{}, fmt.Errorf("blob %s exceeds %d bytes", hash, s.maxSize)
	}
	if got := Hash(data); got != hash {
		return domain.Snippet{}, fmt.Errorf("blob %s corrupted: content hashes to %s", hash, got)
	}
	return domain.Snippet{Hash: hash, Language: domain.Language(info.Metadata["language"]), Source: data}, nil
}

// Exists reports whether a blob is stored for hash.
func (s *Store) Exists(ctx context.Context, hash string) (bool, error) {
	if !ValidHash(hash) {
		return false, nil
	}
	_, err := s.objects.Stat(ctx, s.bucket, s.Key(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, objectstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}
