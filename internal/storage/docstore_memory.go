package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

type memoryDocDatabase struct {
	docs map[string]DocRecord
}

type MemoryDocumentStore struct {
	mu  sync.RWMutex
	dbs map[string]*memoryDocDatabase
	now func() time.Time
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		dbs: map[string]*memoryDocDatabase{},
		now: time.Now,
	}
}

func (s *MemoryDocumentStore) EnsureDatabase(_ context.Context, name string) error {
	if err := validateDatabaseName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = &memoryDocDatabase{docs: map[string]DocRecord{}}
	}
	return nil
}

func (s *MemoryDocumentStore) Put(_ context.Context, db string, doc DocRecord) (string, error) {
	if strings.TrimSpace(doc.ID) == "" || !json.Valid(doc.Body) {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	database, err := s.database(db)
	if err != nil {
		return "", err
	}
	generation := int64(0)
	if current, ok := database.docs[doc.ID]; ok {
		if doc.Rev != current.Rev {
			return "", &ConflictError{Kind: "document", ID: doc.ID, Rev: current.Rev}
		}
		generation = revisionGeneration(current.Rev)
	} else if doc.Rev != "" {
		return "", fmt.Errorf("document %s: %w", doc.ID, ErrNotFound)
	}
	stored := DocRecord{
		ID:        doc.ID,
		Rev:       nextRevision(generation, doc.Body),
		Body:      append(json.RawMessage(nil), doc.Body...),
		UpdatedAt: s.now().UTC(),
	}
	database.docs[doc.ID] = stored
	return stored.Rev, nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, db, id string) (DocRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	database, err := s.database(db)
	if err != nil {
		return DocRecord{}, err
	}
	doc, ok := database.docs[id]
	if !ok {
		return DocRecord{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	doc.Body = append(json.RawMessage(nil), doc.Body...)
	return doc, nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, db, id, rev string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	database, err := s.database(db)
	if err != nil {
		return err
	}
	current, ok := database.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if current.Rev != rev {
		return &ConflictError{Kind: "document", ID: id, Rev: current.Rev}
	}
	delete(database.docs, id)
	return nil
}

func (s *MemoryDocumentStore) Find(_ context.Context, db string, selector Selector, limit int) ([]DocRecord, error) {
	limit = clampLimit(limit, DefaultListLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	database, err := s.database(db)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(database.docs))
	for id := range database.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]DocRecord, 0)
	for _, id := range ids {
		doc := database.docs[id]
		if !matchesSelector(doc.Body, selector) {
			continue
		}
		doc.Body = append(json.RawMessage(nil), doc.Body...)
		out = append(out, doc)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryDocumentStore) Close() error {
	return nil
}

func (s *MemoryDocumentStore) database(name string) (*memoryDocDatabase, error) {
	database, ok := s.dbs[name]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", name, ErrNotFound)
	}
	return database, nil
}

func matchesSelector(body json.RawMessage, selector Selector) bool {
	if len(selector) == 0 {
		return true
	}
	var fields map[string]any
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&fields); err != nil {
		return false
	}
	for key, want := range selector {
		got, ok := fields[key]
		if !ok {
			return false
		}
		if !jsonEqual(got, want) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	var l, r any
	if json.Unmarshal(left, &l) != nil || json.Unmarshal(right, &r) != nil {
		return false
	}
	return reflect.DeepEqual(l, r)
}

func nextRevision(generation int64, body []byte) string {
	sum := blake3.Sum256(body)
	return strconv.FormatInt(generation+1, 10) + "-" + hex.EncodeToString(sum[:8])
}

func revisionGeneration(rev string) int64 {
	head, _, _ := strings.Cut(rev, "-")
	generation, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return generation
}

func validateDatabaseName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: database name %q", ErrInvalidInput, name)
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '$') {
			return fmt.Errorf("%w: database name %q", ErrInvalidInput, name)
		}
	}
	return nil
}

// DatabaseName maps an arbitrary tenant id onto a valid document-store database name.
func DatabaseName(tenantID string) string {
	var b strings.Builder
	b.WriteString("tenant_")
	for _, r := range strings.ToLower(strings.TrimSpace(tenantID)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if len(name) > 128 {
		name = name[:128]
	}
	return name
}
