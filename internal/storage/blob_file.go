package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	fileBlobDataSuffix = ".blob.zst"
	fileBlobMetaSuffix = ".meta.json"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// FileBlobStore keeps zstd-compressed objects on local disk, one data file and
// one JSON metadata file per key.
type FileBlobStore struct {
	root   string
	signer *Signer
	now    func() time.Time
	mu     sync.RWMutex
}

func NewFileBlobStore(root string, signer *Signer) (*FileBlobStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBlobStore{root: filepath.Clean(root), signer: signer, now: time.Now}, nil
}

func (s *FileBlobStore) Put(_ context.Context, key string, data []byte, contentType string) (BlobInfo, error) {
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
	meta, err := json.Marshal(info)
	if err != nil {
		return BlobInfo{}, err
	}
	base := s.pathFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return BlobInfo{}, err
	}
	if err := writeFileAtomic(base+fileBlobDataSuffix, zstdEncoder.EncodeAll(data, nil), 0o644); err != nil {
		return BlobInfo{}, err
	}
	if err := writeFileAtomic(base+fileBlobMetaSuffix, meta, 0o644); err != nil {
		return BlobInfo{}, err
	}
	return info, nil
}

func (s *FileBlobStore) Get(ctx context.Context, key string) ([]byte, BlobInfo, error) {
	if err := validateBlobKey(key); err != nil {
		return nil, BlobInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, err := s.readMeta(key)
	if err != nil {
		return nil, BlobInfo{}, err
	}
	compressed, err := os.ReadFile(s.pathFor(key) + fileBlobDataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, BlobInfo{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, BlobInfo{}, err
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, BlobInfo{}, fmt.Errorf("blob %s: decompress: %w", key, err)
	}
	return data, info, nil
}

func (s *FileBlobStore) Stat(_ context.Context, key string) (BlobInfo, error) {
	if err := validateBlobKey(key); err != nil {
		return BlobInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(key)
}

func (s *FileBlobStore) Delete(_ context.Context, key string) error {
	if err := validateBlobKey(key); err != nil {
		return err
	}
	base := s.pathFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, suffix := range []string{fileBlobDataSuffix, fileBlobMetaSuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *FileBlobStore) List(_ context.Context, prefix string) ([]BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlobInfo, 0)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileBlobMetaSuffix) {
			return nil
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var info BlobInfo
		if err := json.Unmarshal(payload, &info); err != nil {
			return fmt.Errorf("blob metadata %s: %w", path, err)
		}
		if strings.HasPrefix(info.Key, prefix) {
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FileBlobStore) PresignURL(_ context.Context, method, key string, ttl time.Duration) (string, error) {
	return s.signer.Sign(method, key, ttl)
}

func (s *FileBlobStore) Close() error {
	return nil
}

func (s *FileBlobStore) pathFor(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FileBlobStore) readMeta(key string) (BlobInfo, error) {
	payload, err := os.ReadFile(s.pathFor(key) + fileBlobMetaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return BlobInfo{}, fmt.Errorf("blob %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return BlobInfo{}, err
	}
	var info BlobInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return BlobInfo{}, err
	}
	return info, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
