package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MemoryIndex keeps entries and a per-document change log in memory. Change
// times are taken from the index clock, never from the entry, so a late
// write of an old edit still lands after every cursor issued before it.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]IndexEntry
	changes map[string]IndexChange
	now     func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		entries: map[string]IndexEntry{},
		changes: map[string]IndexChange{},
		now:     time.Now,
	}
}

func (x *MemoryIndex) Insert(_ context.Context, entry IndexEntry) error {
	if err := validateIndexEntry(entry); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[entry.ID]; ok {
		return &ConflictError{Kind: "index entry", ID: entry.ID}
	}
	entry = cloneIndexEntry(entry)
	x.entries[entry.ID] = entry
	x.changes[entry.ID] = IndexChange{Kind: ChangeCreated, At: x.now().UTC(), Entry: entry}
	return nil
}

func (x *MemoryIndex) Update(_ context.Context, entry IndexEntry) error {
	if err := validateIndexEntry(entry); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	current, ok := x.entries[entry.ID]
	if !ok || current.TenantID != entry.TenantID {
		return fmt.Errorf("index entry %s: %w", entry.ID, ErrNotFound)
	}
	entry = cloneIndexEntry(entry)
	x.entries[entry.ID] = entry
	x.changes[entry.ID] = IndexChange{Kind: ChangeUpdated, At: x.now().UTC(), Entry: entry}
	return nil
}

func (x *MemoryIndex) Delete(_ context.Context, tenantID, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	current, ok := x.entries[id]
	if !ok || current.TenantID != tenantID {
		return nil
	}
	delete(x.entries, id)
	x.changes[id] = IndexChange{Kind: ChangeDeleted, At: x.now().UTC(), Entry: tombstone(current)}
	return nil
}

func (x *MemoryIndex) Get(_ context.Context, tenantID, id string) (IndexEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry, ok := x.entries[id]
	if !ok || entry.TenantID != tenantID {
		return IndexEntry{}, fmt.Errorf("index entry %s: %w", id, ErrNotFound)
	}
	return cloneIndexEntry(entry), nil
}

func (x *MemoryIndex) List(_ context.Context, q ListQuery) ([]IndexEntry, error) {
	limit := clampLimit(q.Limit, DefaultListLimit)
	x.mu.RLock()
	matched := make([]IndexEntry, 0)
	for _, entry := range x.entries {
		if entry.TenantID == q.TenantID && (q.UserID == "" || entry.UserID == q.UserID) {
			matched = append(matched, entry)
		}
	}
	x.mu.RUnlock()
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if q.Offset >= len(matched) {
		return []IndexEntry{}, nil
	}
	if q.Offset > 0 {
		matched = matched[q.Offset:]
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]IndexEntry, 0, len(matched))
	for _, entry := range matched {
		out = append(out, cloneIndexEntry(entry))
	}
	return out, nil
}

// Search ranks entries containing every query term, weighting filename hits
// above body hits.
func (x *MemoryIndex) Search(_ context.Context, q SearchQuery) ([]SearchHit, error) {
	terms := searchTerms(q.Text)
	if len(terms) == 0 {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidInput)
	}
	limit := clampLimit(q.Limit, DefaultSearchLimit)
	x.mu.RLock()
	hits := make([]SearchHit, 0)
	for _, entry := range x.entries {
		if entry.TenantID != q.TenantID || (q.UserID != "" && entry.UserID != q.UserID) {
			continue
		}
		if rank := rankEntry(entry, terms); rank > 0 {
			hits = append(hits, SearchHit{Entry: cloneIndexEntry(entry), Rank: rank})
		}
	}
	x.mu.RUnlock()
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Entry.UpdatedAt.After(hits[j].Entry.UpdatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (x *MemoryIndex) ChangesSince(_ context.Context, userID string, since time.Time, limit int) ([]IndexChange, error) {
	limit = clampLimit(limit, MaxQueryLimit)
	x.mu.RLock()
	out := make([]IndexChange, 0)
	for _, change := range x.changes {
		if change.Entry.UserID == userID && change.At.After(since) {
			change.Entry = cloneIndexEntry(change.Entry)
			out = append(out, change)
		}
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *MemoryIndex) Close() error {
	return nil
}

func rankEntry(entry IndexEntry, terms []string) float64 {
	filenameTerms := searchTerms(entry.Filename)
	bodyTerms := searchTerms(entry.TextContent)
	var rank float64
	for _, term := range terms {
		inFilename := countTerm(filenameTerms, term)
		inBody := countTerm(bodyTerms, term)
		if inFilename+inBody == 0 {
			return 0
		}
		rank += float64(inFilename)*1.0 + float64(inBody)*0.4
	}
	total := len(filenameTerms) + len(bodyTerms)
	if total == 0 {
		return 0
	}
	return rank / (1 + float64(total)/100)
}

func countTerm(tokens []string, term string) int {
	n := 0
	for _, token := range tokens {
		if token == term || (len(term) >= 4 && strings.HasPrefix(token, term)) {
			n++
		}
	}
	return n
}

func searchTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func validateIndexEntry(entry IndexEntry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.TenantID) == "" {
		return fmt.Errorf("%w: index entry requires id and tenant", ErrInvalidInput)
	}
	return nil
}

func tombstone(entry IndexEntry) IndexEntry {
	return IndexEntry{
		ID:          entry.ID,
		TenantID:    entry.TenantID,
		UserID:      entry.UserID,
		NamespaceID: entry.NamespaceID,
		Filename:    entry.Filename,
		ObjectKey:   entry.ObjectKey,
		Status:      "deleted",
	}
}

func cloneIndexEntry(entry IndexEntry) IndexEntry {
	if entry.Metadata == nil {
		return entry
	}
	payload, err := json.Marshal(entry.Metadata)
	if err != nil {
		return entry
	}
	var metadata map[string]any
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return entry
	}
	entry.Metadata = metadata
	return entry
}
