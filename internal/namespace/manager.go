package namespace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alemhq/alem/internal/router"
)

const defaultMaxRestarts = 3

type ManagerOptions struct {
	NodeID          string
	Records         RecordStore
	Registry        Registry
	Services        []ServiceSpec
	HealthInterval  time.Duration
	PersistInterval time.Duration
	InitRetryDelay  time.Duration
	MaxRestarts int
	Logger      Logger
	Now         func() time.Time
}

// Manager supervises the coordinators living on this node, keyed by
// namespace id.
type Manager struct {
	nodeID      string
	records     RecordStore
	registry    Registry
	services    []ServiceSpec
	opts        ManagerOptions
	maxRestarts int
	logger      Logger
	now         func() time.Time

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	restarts     map[string]int
	closing      bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Records == nil {
		return nil, fmt.Errorf("%w: manager needs a record store", ErrInvalidInput)
	}
	if opts.Registry == nil {
		opts.Registry = NewMemoryRegistry()
	}
	nodeID := strings.TrimSpace(opts.NodeID)
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()
	}
	maxRestarts := opts.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = defaultMaxRestarts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		nodeID:       nodeID,
		records:      opts.Records,
		registry:     opts.Registry,
		services:     append([]ServiceSpec(nil), opts.Services...),
		opts:         opts,
		maxRestarts:  maxRestarts,
		logger:       opts.Logger,
		now:          now,
		coordinators: map[string]*Coordinator{},
		restarts:     map[string]int{},
	}, nil
}

func (m *Manager) NodeID() string {
	return m.nodeID
}

// Start brings a namespace up on this node. An existing record is found by id,
// then DID, then external account id; the request's config is deep-merged over
// the stored one. Starting a live namespace merges into it without a restart.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Record, error) {
	req = req.normalized()
	if err := req.validate(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return Record{}, fmt.Errorf("%w: manager is shutting down", ErrUnavailable)
	}

	existing, found, err := m.resolve(ctx, req)
	if err != nil {
		return Record{}, err
	}
	if found {
		if req.Exact && req.ID != "" && existing.ID != req.ID {
			return Record{}, fmt.Errorf("%w: identity already belongs to namespace %s", ErrConflict, existing.ID)
		}
		if c, live := m.coordinators[existing.ID]; live {
			return c.Merge(ctx, req)
		}
	}

	now := m.now().UTC()
	var record Record
	if found {
		record, err = mergeStart(existing, req, now)
		if err != nil {
			return Record{}, err
		}
	} else {
		id := req.ID
		if id == "" {
			id = "ns_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		record = Record{
			ID:                id,
			TenantID:          req.TenantID,
			Config:            DeepMerge(nil, req.Config),
			Status:            StatusActive,
			DID:               req.DID,
			IdentityType:      identityTypeFor(req.DID, req.ExternalAccountID),
			ExternalAccountID: req.ExternalAccountID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}
	if err := m.registry.Register(ctx, record.ID, m.nodeID); err != nil {
		return Record{}, err
	}
	if err := m.records.Save(ctx, record); err != nil {
		_ = m.registry.Unregister(ctx, record.ID)
		return Record{}, err
	}
	if err := m.spawnLocked(record); err != nil {
		_ = m.registry.Unregister(ctx, record.ID)
		return Record{}, err
	}
	logf(m.logger, "namespace %s started on %s", record.ID, m.nodeID)
	return record, nil
}

// Ensure returns the live record for req.ID without touching it, and falls
// back to Start when no coordinator is running here.
func (m *Manager) Ensure(ctx context.Context, req StartRequest) (Record, error) {
	if c, live := m.coordinator(strings.TrimSpace(req.ID)); live {
		return c.Record(), nil
	}
	return m.Start(ctx, req)
}

func (m *Manager) resolve(ctx context.Context, req StartRequest) (Record, bool, error) {
	lookups := []func() (Record, error){}
	if req.ID != "" {
		lookups = append(lookups, func() (Record, error) { return m.records.Get(ctx, req.ID) })
	}
	if req.DID != "" {
		lookups = append(lookups, func() (Record, error) { return m.records.FindByDID(ctx, req.DID) })
	}
	if req.ExternalAccountID != "" {
		lookups = append(lookups, func() (Record, error) { return m.records.FindByExternalAccount(ctx, req.ExternalAccountID) })
	}
	for _, lookup := range lookups {
		record, err := lookup()
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, false, err
		}
	}
	return Record{}, false, nil
}

func (m *Manager) spawnLocked(record Record) error {
	c, err := NewCoordinator(CoordinatorOptions{
		Record:          record,
		Records:         m.records,
		Services:        m.services,
		HealthInterval:  m.opts.HealthInterval,
		PersistInterval: m.opts.PersistInterval,
		InitRetryDelay:  m.opts.InitRetryDelay,
		Logger:          m.logger,
		Now:             m.now,
	})
	if err != nil {
		return err
	}
	m.coordinators[record.ID] = c
	c.Start()
	go m.supervise(c)
	return nil
}

// supervise restarts a coordinator that crashed, from its last known record.
func (m *Manager) supervise(c *Coordinator) {
	<-c.Done()
	crash := c.Crashed()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.coordinators[c.ID()] != c {
		return
	}
	if crash == nil || m.closing || m.restarts[c.ID()] >= m.maxRestarts {
		delete(m.coordinators, c.ID())
		if crash != nil {
			logf(m.logger, "namespace %s coordinator not restarted: %v", c.ID(), crash)
		}
		_ = m.registry.Unregister(context.Background(), c.ID())
		return
	}
	m.restarts[c.ID()]++
	logf(m.logger, "restarting namespace %s coordinator after crash (%d/%d): %v", c.ID(), m.restarts[c.ID()], m.maxRestarts, crash)
	if err := m.spawnLocked(c.Record()); err != nil {
		delete(m.coordinators, c.ID())
		logf(m.logger, "namespace %s coordinator restart failed: %v", c.ID(), err)
	}
}

// Stop shuts the coordinator down after persisting its final state. The record
// keeps its status; a later Start brings it back.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.stop(ctx, id, "")
}

func (m *Manager) Suspend(ctx context.Context, id string) (Record, error) {
	if err := m.stop(ctx, id, StatusSuspended); err == nil {
		return m.records.Get(ctx, id)
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}
	record, err := m.liveRecord(ctx, id)
	if err != nil {
		return Record{}, err
	}
	record.Status = StatusSuspended
	record.UpdatedAt = m.now().UTC()
	if err := m.records.Save(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (m *Manager) stop(ctx context.Context, id string, finalStatus RecordStatus) error {
	m.mu.Lock()
	c, ok := m.coordinators[id]
	if ok {
		delete(m.coordinators, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: namespace %s is not running on this node", ErrNotFound, id)
	}
	c.Stop(finalStatus)
	return m.registry.Unregister(ctx, id)
}

func (m *Manager) Delete(ctx context.Context, id string) (Record, error) {
	m.mu.Lock()
	c, live := m.coordinators[id]
	if live {
		delete(m.coordinators, id)
	}
	m.mu.Unlock()
	if live {
		c.Stop(StatusDeleted)
		if err := m.registry.Unregister(ctx, id); err != nil {
			logf(m.logger, "namespace %s unregister failed: %v", id, err)
		}
		return c.Record(), nil
	}
	record, err := m.records.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.Status == StatusDeleted {
		return Record{}, fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	record.Status = StatusDeleted
	record.UpdatedAt = m.now().UTC()
	if err := m.records.Save(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (m *Manager) Exists(ctx context.Context, id string) (bool, error) {
	if _, live := m.coordinator(id); live {
		return true, nil
	}
	record, err := m.records.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.Status != StatusDeleted, nil
}

// Status returns the live snapshot, or an inactive view built from the
// persisted record.
func (m *Manager) Status(ctx context.Context, id string) (Snapshot, error) {
	if c, live := m.coordinator(id); live {
		return c.Status(), nil
	}
	record, err := m.liveRecord(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromRecord(record, StateInactive), nil
}

func (m *Manager) Config(ctx context.Context, id string) (map[string]any, error) {
	if c, live := m.coordinator(id); live {
		return c.Config(), nil
	}
	record, err := m.liveRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return nonNilConfig(record.Config), nil
}

func (m *Manager) UpdateConfig(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	if c, live := m.coordinator(id); live {
		return c.UpdateConfig(ctx, patch)
	}
	record, err := m.liveRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Config = DeepMerge(record.Config, patch)
	record.UpdatedAt = m.now().UTC()
	if err := m.records.Save(ctx, record); err != nil {
		return nil, err
	}
	return record.Config, nil
}

func (m *Manager) ResourceUsage(ctx context.Context, id string) (Usage, error) {
	if c, live := m.coordinator(id); live {
		return c.ResourceUsage(), nil
	}
	record, err := m.liveRecord(ctx, id)
	if err != nil {
		return Usage{}, err
	}
	return Usage{DocumentCount: record.DocumentCount, StorageBytes: record.StorageBytes, LastActivityAt: record.LastActivityAt}, nil
}

func (m *Manager) Record(ctx context.Context, id string) (Record, error) {
	if c, live := m.coordinator(id); live {
		return c.Record(), nil
	}
	return m.liveRecord(ctx, id)
}

func (m *Manager) RecordUsage(id string, documents, bytes int64) {
	if c, live := m.coordinator(id); live {
		c.RecordUsage(documents, bytes)
	}
}

func (m *Manager) Do(ctx context.Context, id string, fn func(context.Context, *router.Router) error) error {
	c, live := m.coordinator(id)
	if !live {
		return fmt.Errorf("%w: namespace %s is not running", ErrUnavailable, id)
	}
	worker, err := c.Router()
	if err != nil {
		// A namespace that is still initializing is waited for.
		select {
		case <-c.Ready():
		case <-c.Done():
			return err
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", err, ctx.Err())
		}
		if worker, err = c.Router(); err != nil {
			return err
		}
	}
	return worker.Do(ctx, fn)
}

func (m *Manager) Coordinator(id string) (*Coordinator, bool) {
	return m.coordinator(id)
}

func (m *Manager) Live() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.coordinators))
	for id := range m.coordinators {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) coordinator(id string) (*Coordinator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[id]
	return c, ok
}

func (m *Manager) liveRecord(ctx context.Context, id string) (Record, error) {
	record, err := m.records.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if record.Status == StatusDeleted {
		return Record{}, fmt.Errorf("%w: namespace %s", ErrNotFound, id)
	}
	return record, nil
}

// Close stops every coordinator on this node. Records keep their status so the
// namespaces come back on the next start.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	coordinators := make([]*Coordinator, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		coordinators = append(coordinators, c)
	}
	m.coordinators = map[string]*Coordinator{}
	m.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, c := range coordinators {
		c := c
		group.Go(func() error {
			c.Stop("")
			return m.registry.Unregister(groupCtx, c.ID())
		})
	}
	return group.Wait()
}
