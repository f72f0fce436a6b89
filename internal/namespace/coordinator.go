package namespace

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alemhq/alem/internal/router"
)

const (
	DefaultHealthInterval  = 30 * time.Second
	DefaultPersistInterval = 60 * time.Second
	DefaultInitRetryDelay  = 5 * time.Second

	DataRouterService = "data_router"
)

type Service interface {
	Done() <-chan struct{}
	Alive() bool
	Err() error
	Stop()
}

type ServiceSpec struct {
	Name  string
	Start func(ctx context.Context, record Record) (Service, error)
}

type RouterBuilder func(record Record) (*router.Router, error)

// RouterService wraps build as the coordinator's data router service. The
// router runs behind a router.Worker so calls are serialized per namespace.
func RouterService(build RouterBuilder, mailboxSize int) ServiceSpec {
	return ServiceSpec{
		Name: DataRouterService,
		Start: func(ctx context.Context, record Record) (Service, error) {
			r, err := build(record)
			if err != nil {
				return nil, err
			}
			if err := r.Init(ctx); err != nil {
				return nil, err
			}
			return router.StartWorker(r, mailboxSize), nil
		},
	}
}

type ServiceStatus struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

type Snapshot struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	State             State           `json:"state"`
	Status            RecordStatus    `json:"status"`
	Services          []ServiceStatus `json:"services"`
	DocumentCount     int64           `json:"document_count"`
	StorageBytes      int64           `json:"storage_bytes"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	StartedAt         time.Time       `json:"started_at,omitempty"`
	DID               string          `json:"did,omitempty"`
	IdentityType      string          `json:"identity_type"`
	ExternalAccountID string          `json:"external_account_id,omitempty"`
	Config            map[string]any  `json:"config"`
}

type Usage struct {
	DocumentCount  int64     `json:"document_count"`
	StorageBytes   int64     `json:"storage_bytes"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ActiveServices int       `json:"active_services"`
}

type CoordinatorOptions struct {
	Record          Record
	Records         RecordStore
	Services        []ServiceSpec
	HealthInterval  time.Duration
	PersistInterval time.Duration
	InitRetryDelay  time.Duration
	Logger          Logger
	Now             func() time.Time
}

// Coordinator owns one namespace: its record, its services, and the health
// and persistence timers. Health checks and persistence run on the coordinator
// goroutine and never wait on router work.
type Coordinator struct {
	id              string
	records         RecordStore
	specs           []ServiceSpec
	healthInterval  time.Duration
	persistInterval time.Duration
	initRetryDelay  time.Duration
	logger          Logger
	now             func() time.Time

	mu        sync.RWMutex
	record    Record
	state     State
	services  map[string]Service
	startedAt time.Time
	crashErr  error

	deaths    chan string
	stop      chan struct{}
	done      chan struct{}
	ready     chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	readyOnce sync.Once
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Record.ID == "" {
		return nil, fmt.Errorf("%w: coordinator needs a namespace id", ErrInvalidInput)
	}
	if opts.Records == nil {
		return nil, fmt.Errorf("%w: coordinator needs a record store", ErrInvalidInput)
	}
	c := &Coordinator{
		id:              opts.Record.ID,
		records:         opts.Records,
		specs:           append([]ServiceSpec(nil), opts.Services...),
		healthInterval:  opts.HealthInterval,
		persistInterval: opts.PersistInterval,
		initRetryDelay:  opts.InitRetryDelay,
		logger:          opts.Logger,
		now:             opts.Now,
		record:          opts.Record.Clone(),
		state:           StateStarting,
		services:        map[string]Service{},
		deaths:          make(chan string, 8),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		ready:           make(chan struct{}),
	}
	if c.healthInterval <= 0 {
		c.healthInterval = DefaultHealthInterval
	}
	if c.persistInterval <= 0 {
		c.persistInterval = DefaultPersistInterval
	}
	if c.initRetryDelay <= 0 {
		c.initRetryDelay = DefaultInitRetryDelay
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

func (c *Coordinator) ID() string {
	return c.id
}

func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.startedAt = c.now().UTC()
		c.mu.Unlock()
		go c.run()
	})
}

// Stop persists the final record and stops every service. finalStatus, when
// not empty, is written to the record before persisting.
func (c *Coordinator) Stop(finalStatus RecordStatus) {
	c.stopOnce.Do(func() {
		if finalStatus != "" {
			c.mu.Lock()
			if c.record.Status != finalStatus {
				c.record.Status = finalStatus
				c.record.UpdatedAt = c.now().UTC()
			}
			c.mu.Unlock()
		}
		close(c.stop)
	})
	c.startOnce.Do(func() { close(c.done) })
	<-c.done
}

// Ready is closed once services have started for the first time.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Crashed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.crashErr
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer func() {
		if p := recover(); p != nil {
			c.mu.Lock()
			c.crashErr = fmt.Errorf("namespace coordinator %s panic: %v", c.id, p)
			c.mu.Unlock()
			logf(c.logger, "%v", c.crashErr)
			c.stopServices()
		}
	}()

	retry := c.initialize()
	health := time.NewTicker(c.healthInterval)
	defer health.Stop()
	persist := time.NewTicker(c.persistInterval)
	defer persist.Stop()

	for {
		select {
		case <-c.stop:
			c.terminate()
			return
		case <-health.C:
			c.checkHealth()
		case <-persist.C:
			c.persist(context.Background())
		case name := <-c.deaths:
			c.handleDeath(name)
		case <-retry:
			retry = c.initialize()
		}
	}
}

// initialize starts every service. On failure it returns a channel that fires
// when the next attempt is due.
func (c *Coordinator) initialize() <-chan time.Time {
	c.setState(StateInitializing)
	record := c.Record()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	started := map[string]Service{}
	for _, spec := range c.specs {
		svc, err := spec.Start(ctx, record)
		if err != nil {
			for _, running := range started {
				running.Stop()
			}
			logf(c.logger, "namespace %s: start %s failed: %v; retrying in %s", record.ID, spec.Name, err, c.initRetryDelay)
			c.setState(StateStarting)
			return time.After(c.initRetryDelay)
		}
		started[spec.Name] = svc
	}
	c.mu.Lock()
	c.services = started
	c.mu.Unlock()
	for name, svc := range started {
		c.watch(name, svc)
	}
	c.setState(StateHealthy)
	c.readyOnce.Do(func() { close(c.ready) })
	logf(c.logger, "namespace %s initialized with %d services", record.ID, len(started))
	return nil
}

func (c *Coordinator) watch(name string, svc Service) {
	go func() {
		select {
		case <-svc.Done():
		case <-c.stop:
			return
		}
		select {
		case c.deaths <- name:
		case <-c.stop:
		}
	}()
}

// handleDeath makes one restart attempt for the named service. If it fails
// the service is dropped and the namespace stays degraded.
func (c *Coordinator) handleDeath(name string) {
	c.mu.RLock()
	current, ok := c.services[name]
	c.mu.RUnlock()
	if !ok || current.Alive() {
		return
	}
	logf(c.logger, "namespace %s: service %s exited: %v", c.id, name, current.Err())
	spec, ok := c.spec(name)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	svc, err := spec.Start(ctx, c.Record())
	c.mu.Lock()
	if err != nil {
		delete(c.services, name)
		c.mu.Unlock()
		logf(c.logger, "namespace %s: restart %s failed: %v", c.id, name, err)
		c.setState(StateDegraded)
		return
	}
	c.services[name] = svc
	c.mu.Unlock()
	c.watch(name, svc)
	c.checkHealth()
}

func (c *Coordinator) spec(name string) (ServiceSpec, bool) {
	for _, spec := range c.specs {
		if spec.Name == name {
			return spec, true
		}
	}
	return ServiceSpec{}, false
}

func (c *Coordinator) checkHealth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStarting, StateInitializing, StateStopped:
		return
	}
	healthy := len(c.services) == len(c.specs)
	for _, svc := range c.services {
		if !svc.Alive() {
			healthy = false
		}
	}
	if healthy {
		c.state = StateHealthy
	} else {
		c.state = StateDegraded
	}
}

func (c *Coordinator) persist(ctx context.Context) {
	record := c.Record()
	if err := c.records.Save(ctx, record); err != nil {
		logf(c.logger, "namespace %s: persist failed: %v", record.ID, err)
		return
	}
}

func (c *Coordinator) terminate() {
	c.persist(context.Background())
	c.stopServices()
	c.setState(StateStopped)
}

func (c *Coordinator) stopServices() {
	c.mu.Lock()
	services := c.services
	c.services = map[string]Service{}
	c.mu.Unlock()
	for _, svc := range services {
		svc.Stop()
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) Record() Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.record.Clone()
}

func (c *Coordinator) Status() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	services := make([]ServiceStatus, 0, len(c.specs))
	for _, spec := range c.specs {
		svc, ok := c.services[spec.Name]
		services = append(services, ServiceStatus{Name: spec.Name, Alive: ok && svc.Alive()})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	snapshot := snapshotFromRecord(c.record.Clone(), c.state)
	snapshot.Services = services
	snapshot.StartedAt = c.startedAt
	return snapshot
}

func snapshotFromRecord(record Record, state State) Snapshot {
	return Snapshot{
		ID:                record.ID,
		TenantID:          record.TenantID,
		State:             state,
		Status:            record.Status,
		Services:          []ServiceStatus{},
		DocumentCount:     record.DocumentCount,
		StorageBytes:      record.StorageBytes,
		LastActivityAt:    record.LastActivityAt,
		DID:               record.DID,
		IdentityType:      record.IdentityType,
		ExternalAccountID: record.ExternalAccountID,
		Config:            nonNilConfig(record.Config),
	}
}

func (c *Coordinator) Config() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return DeepMerge(nil, c.record.Config)
}

// UpdateConfig deep-merges patch into the config and persists immediately.
func (c *Coordinator) UpdateConfig(ctx context.Context, patch map[string]any) (map[string]any, error) {
	c.mu.Lock()
	c.record.Config = DeepMerge(c.record.Config, patch)
	c.record.UpdatedAt = c.now().UTC()
	record := c.record.Clone()
	c.mu.Unlock()
	if err := c.records.Save(ctx, record); err != nil {
		return nil, err
	}
	return record.Config, nil
}

func (c *Coordinator) Merge(ctx context.Context, req StartRequest) (Record, error) {
	c.mu.Lock()
	record, err := mergeStart(c.record, req, c.now().UTC())
	c.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	candidate := record.Clone()
	if err := c.records.Save(ctx, candidate); err != nil {
		return Record{}, err
	}
	c.mu.Lock()
	c.record = candidate.Clone()
	c.mu.Unlock()
	return candidate, nil
}

// RecordUsage adjusts the document and byte counters. Counters are written on
// the next persistence tick.
func (c *Coordinator) RecordUsage(documents, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.DocumentCount = max(c.record.DocumentCount+documents, 0)
	c.record.StorageBytes = max(c.record.StorageBytes+bytes, 0)
	c.record.LastActivityAt = c.now().UTC()
}

func (c *Coordinator) ResourceUsage() Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	active := 0
	for _, svc := range c.services {
		if svc.Alive() {
			active++
		}
	}
	return Usage{
		DocumentCount:  c.record.DocumentCount,
		StorageBytes:   c.record.StorageBytes,
		LastActivityAt: c.record.LastActivityAt,
		ActiveServices: active,
	}
}

func (c *Coordinator) Router() (*router.Worker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[DataRouterService]
	if !ok || !svc.Alive() {
		return nil, fmt.Errorf("%w: namespace %s has no live data router (%s)", ErrUnavailable, c.id, c.state)
	}
	worker, ok := svc.(*router.Worker)
	if !ok {
		return nil, fmt.Errorf("%w: namespace %s data router has unexpected type %T", ErrUnavailable, c.id, svc)
	}
	return worker, nil
}

// mergeStart folds req into an existing record. The record keeps its tenant;
// a request from another tenant is refused.
func mergeStart(record Record, req StartRequest, now time.Time) (Record, error) {
	if record.TenantID != "" && req.TenantID != "" && record.TenantID != req.TenantID {
		return Record{}, fmt.Errorf("%w: namespace %s belongs to another tenant", ErrUnauthorized, record.ID)
	}
	record = record.Clone()
	record.Config = DeepMerge(record.Config, req.Config)
	if record.TenantID == "" {
		record.TenantID = req.TenantID
	}
	if req.DID != "" {
		record.DID = req.DID
	}
	if req.ExternalAccountID != "" {
		record.ExternalAccountID = req.ExternalAccountID
	}
	record.IdentityType = identityTypeFor(record.DID, record.ExternalAccountID)
	record.Status = StatusActive
	record.UpdatedAt = now
	return record, nil
}
