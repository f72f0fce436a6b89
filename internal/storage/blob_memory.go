package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

type memoryBlob struct {
	data []byte
	info BlobInfo
}

type MemoryBlobStore struct {
	mu     sync.RWMutex
	blobs  map[string]memoryBlob
	signer *Signer
	now    func() time.Time
}

func NewMemoryBlobStore(signer *Signer) *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:  map[string]memoryBlob{},
		signer: signer,
		now:    time.Now,
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, key string, data []byte, contentType string) (BlobInfo, error) {
	if err := validateBlobKey(key); err != nil {
		return BlobInfo{}, err
	}
	info := BlobInfo{
		Key:         key,
		ContentType: normalizeContentType(contentType),
		Size:        int64(len(data)),
		ETag:        blobETag(data),
		ModifiedAt:  s.now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = memoryBlob{data: append([]byte(nil), data...), info: info}
	return info, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[key]
	if !ok {
		return nil, BlobInfo{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), blob.data...), blob.info, nil
}

func (s *MemoryBlobStore) Stat(_ context.Context, key string) (BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[key]
	if !ok {
		return BlobInfo{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	return blob.info, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryBlobStore) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlobInfo, 0)
	for key, blob := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, blob.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryBlobStore) PresignURL(_ context.Context, method, key string, ttl time.Duration) (string, error) {
	return s.signer.Sign(method, key, ttl)
}

func (s *MemoryBlobStore) Close() error {
	return nil
}

func blobETag(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

func normalizeContentType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return "application/octet-stream"
	}
	return contentType
}
