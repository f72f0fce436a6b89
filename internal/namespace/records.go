package namespace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RecordStore persists namespace records. Save is an upsert keyed by ID and
// returns ErrConflict when another record already holds the DID or external
// account id.
type RecordStore interface {
	Get(ctx context.Context, id string) (Record, error)
	FindByDID(ctx context.Context, did string) (Record, error)
	FindByExternalAccount(ctx context.Context, accountID string) (Record, error)
	Save(ctx context.Context, record Record) error
	// ChangedSince lists records owned by accountID updated strictly after since,
	// newest first.
	ChangedSince(ctx context.Context, accountID string, since time.Time, limit int) ([]Record, error)
	Close() error
}

type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: map[string]Record{}}
}

func (s *MemoryRecordStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (s *MemoryRecordStore) FindByDID(_ context.Context, did string) (Record, error) {
	return s.findBy(func(r Record) bool { return did != "" && r.DID == did }, "did "+did)
}

func (s *MemoryRecordStore) FindByExternalAccount(_ context.Context, accountID string) (Record, error) {
	return s.findBy(func(r Record) bool { return accountID != "" && r.ExternalAccountID == accountID }, "external account "+accountID)
}

func (s *MemoryRecordStore) findBy(match func(Record) bool, label string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.records {
		if match(record) {
			return record.Clone(), nil
		}
	}
	return Record{}, fmt.Errorf("%w: namespace with %s", ErrNotFound, label)
}

func (s *MemoryRecordStore) Save(_ context.Context, record Record) error {
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("%w: namespace id is required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(record)
}

func (s *MemoryRecordStore) saveLocked(record Record) error {
	for id, existing := range s.records {
		if id == record.ID {
			continue
		}
		if record.DID != "" && existing.DID == record.DID {
			return fmt.Errorf("%w: did %s belongs to namespace %s", ErrConflict, record.DID, id)
		}
		if record.ExternalAccountID != "" && existing.ExternalAccountID == record.ExternalAccountID {
			return fmt.Errorf("%w: external account %s belongs to namespace %s", ErrConflict, record.ExternalAccountID, id)
		}
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *MemoryRecordStore) ChangedSince(_ context.Context, accountID string, since time.Time, limit int) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, record := range s.records {
		if record.ID != accountID && record.ExternalAccountID != accountID {
			continue
		}
		if !record.UpdatedAt.After(since) {
			continue
		}
		out = append(out, record.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRecordStore) Close() error {
	return nil
}

func (s *MemoryRecordStore) snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FileRecordStore keeps records in memory and rewrites a JSON snapshot on
// every save.
type FileRecordStore struct {
	*MemoryRecordStore
	path    string
	writeMu sync.Mutex
}

type recordSnapshot struct {
	Records []Record `json:"records"`
}

func NewFileRecordStore(path string) (*FileRecordStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: record store path is required", ErrInvalidInput)
	}
	store := &FileRecordStore{MemoryRecordStore: NewMemoryRecordStore(), path: path}
	payload, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return store, nil
	}
	var snapshot recordSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode namespace records %s: %w", path, err)
	}
	for _, record := range snapshot.Records {
		store.records[record.ID] = record
	}
	return store, nil
}

func (s *FileRecordStore) Save(ctx context.Context, record Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.MemoryRecordStore.Save(ctx, record); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(recordSnapshot{Records: s.snapshot()}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, payload, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".namespaces-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
