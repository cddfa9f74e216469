// Package eventstore is the single entry point used by producers on the
// device. It composes the local store, the sync worker, the cache evictor
// and the command listener.
package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/commands"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/config"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/db"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/remote"
	syncer "github.com/IRSPlays/ProjectCortexV2-sub000/internal/sync"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/validation"
)

// Option customizes a Store.
type Option func(*options)

type options struct {
	client remote.Client
	probe  syncer.Probe
}

// WithClient replaces the remote client built from the configuration.
func WithClient(c remote.Client) Option {
	return func(o *options) { o.client = c }
}

// WithProbe replaces the connectivity probe built from the configuration.
func WithProbe(p syncer.Probe) Option {
	return func(o *options) { o.probe = p }
}

// CategoryStats are the local counts for one category.
type CategoryStats struct {
	Rows    int64 `json:"rows"`
	Pending int64 `json:"pending"`
	Failed  int64 `json:"failed"`
	MaxRows int64 `json:"max_rows"`
}

// Stats is a snapshot of the store.
type Stats struct {
	LocalRows           int64                             `json:"local_rows"`
	PendingRows         int64                             `json:"pending_rows"`
	QueueDepth          int64                             `json:"queue_depth"` // pending + failed
	SyncWorkerRunning   bool                              `json:"sync_worker_running"`
	PerCategory         map[models.Category]CategoryStats `json:"per_category"`
	WorkerState         syncer.WorkerState                `json:"worker_state"`
	LastSyncAt          time.Time                         `json:"last_sync_at"`
	ConsecutiveFailures int                               `json:"consecutive_failures"`
	PushConnected       bool                              `json:"push_connected"`
}

// Store is the hybrid event store.
type Store struct {
	deviceID string
	database *db.DB
	repo     *db.Repository
	validate *validation.Validator
	client   remote.Client
	evictor  *syncer.Evictor
	worker   *syncer.Worker
	listener *commands.Listener
	log      *logging.Logger
	started  time.Time

	recordHeartbeats bool

	mu        sync.RWMutex
	syncs     sync.WaitGroup // manual SyncNow calls in flight
	closed    bool
	isRunning bool
	cancel    context.CancelFunc
	onStored  []func(*models.EventRecord)
}

// New builds a Store from cfg. The configuration is validated first and
// the store refuses to start on any error.
func New(cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v, err := validation.New()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "compile payload schemas", err)
	}

	client := o.client
	if client == nil {
		client, err = buildClient(cfg)
		if err != nil {
			return nil, err
		}
	}
	probe := o.probe
	if probe == nil {
		probe = buildProbe(cfg)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "open local store", err)
	}
	repo := db.NewRepository(database)

	evictor := syncer.NewEvictor(repo, cfg.RowCaps(), cfg.EvictInterval())
	worker := syncer.NewWorker(repo, client, probe, evictor, WorkerConfig(cfg))
	listener := commands.NewListener(repo, client, ListenerConfig(cfg))

	s := &Store{
		deviceID:         cfg.DeviceID,
		database:         database,
		repo:             repo,
		validate:         v,
		client:           client,
		evictor:          evictor,
		worker:           worker,
		listener:         listener,
		log:              logging.Get().WithComponent("eventstore"),
		started:          time.Now(),
		recordHeartbeats: cfg.RecordHeartbeatEvents,
	}
	s.registerBuiltins()

	s.log.Info("Event store opened", map[string]interface{}{
		"device_id": cfg.DeviceID,
		"path":      database.Path(),
		"remote":    cfg.Remote.Kind,
	})
	return s, nil
}

func buildClient(cfg *config.Config) (remote.Client, error) {
	switch cfg.Remote.Kind {
	case config.RemoteMemory:
		logging.Get().WithComponent("eventstore").Warn("Using the in-process memory remote: synced events are NOT durable and are lost on exit", map[string]interface{}{
			"remote_kind": cfg.Remote.Kind,
		})
		return remote.NewMemoryClient(), nil
	case config.RemoteDynamoDB:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c, err := remote.NewDynamoClient(ctx, DynamoOptions(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.Remote.PushURL != "" {
			c.WithPush(remote.NewPushSubscriber(cfg.Remote.PushURL, cfg.Remote.AuthToken, cfg.DeviceID))
		}
		return c, nil
	}
	return nil, apperrors.Newf(apperrors.ErrConfiguration, "unknown remote kind %q", cfg.Remote.Kind)
}

func buildProbe(cfg *config.Config) syncer.Probe {
	if cfg.Remote.Endpoint == "" {
		return syncer.NewStaticProbe(true)
	}
	return syncer.NewDialProbe(cfg.Remote.Endpoint, cfg.ProbeTimeout())
}

// WorkerConfig maps the file configuration to sync worker settings.
func WorkerConfig(cfg *config.Config) syncer.WorkerConfig {
	return syncer.WorkerConfig{
		DeviceID:           cfg.DeviceID,
		SyncInterval:       cfg.SyncInterval(),
		MinSignalInterval:  cfg.MinSignalInterval(),
		RetryBackoffCap:    cfg.RetryBackoffCap(),
		BatchMaxRows:       cfg.BatchMaxRows,
		BatchMaxBytes:      cfg.BatchMaxBytes,
		MaxBatchesPerCycle: cfg.MaxBatchesPerCycle,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
	}
}

// ListenerConfig maps the file configuration to command listener settings.
func ListenerConfig(cfg *config.Config) commands.Config {
	return commands.Config{
		DeviceID:     cfg.DeviceID,
		PollInterval: cfg.CommandPollInterval(),
	}
}

// DynamoOptions maps the remote section to DynamoDB client options.
func DynamoOptions(cfg *config.Config) remote.DynamoOptions {
	return remote.DynamoOptions{
		Region:          cfg.Remote.Region,
		Endpoint:        cfg.Remote.Endpoint,
		AccessKeyID:     cfg.Remote.AccessKeyID,
		SecretAccessKey: cfg.Remote.SecretAccessKey,
		EventsTable:     cfg.Remote.EventsTable,
		CommandsTable:   cfg.Remote.CommandsTable,
		StatusTable:     cfg.Remote.StatusTable,
		DeviceID:        cfg.DeviceID,
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Start launches the sync worker, the evictor and the command listener.
// Records left Pending or Failed by a previous run are picked up by the
// first cycle. The tasks keep ctx's values but not its cancellation; they
// run until Stop or Close so that an in-flight batch always completes.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.New(apperrors.ErrClosed, "store is closed")
	}
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.isRunning = true
	s.mu.Unlock()

	s.evictor.Start(runCtx)
	s.worker.Start(runCtx)
	s.listener.Start(runCtx)

	if depth, err := s.queueDepth(ctx); err == nil && depth > 0 {
		s.log.Info("Resuming unsynced backlog", map[string]interface{}{"queue_depth": depth})
		s.worker.Signal()
	}
	return nil
}

// Stop signals every background task and waits for them. The in-flight
// batch finishes before network I/O is cancelled.
func (s *Store) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.listener.Stop()
	s.worker.Stop()
	s.evictor.Stop()
	cancel()
}

// Close stops the store and closes the local database. Further calls fail
// with STORE_CLOSED.
func (s *Store) Close() error {
	s.Stop()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.syncs.Wait()

	var firstErr error
	if err := s.repo.Close(); err != nil {
		firstErr = err
	}
	if err := s.database.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("Event store closed", nil)
	return firstErr
}

// readLock holds the store open for the duration of one call.
func (s *Store) readLock() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, apperrors.New(apperrors.ErrClosed, "store is closed")
	}
	return s.mu.RUnlock, nil
}

// =====================================================
// Producer API
// =====================================================

// OnEventStored registers a callback run after every committed append.
// Callbacks run on the producer's goroutine and must not block.
func (s *Store) OnEventStored(fn func(*models.EventRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStored = append(s.onStored, fn)
}

// OnSyncCycle registers a callback run after every sync cycle.
func (s *Store) OnSyncCycle(fn func(syncer.CycleResult)) {
	s.worker.OnCycle(fn)
}

// StoreEvent validates p, commits it locally and wakes the sync worker.
// It never waits on the network. createdAt is the producer's capture time.
func (s *Store) StoreEvent(ctx context.Context, p models.Payload, createdAt time.Time) (int64, error) {
	if createdAt.IsZero() {
		return 0, apperrors.New(apperrors.ErrValidation, "created_at is required")
	}
	body, err := s.validate.Encode(p)
	if err != nil {
		return 0, err
	}

	unlock, err := s.readLock()
	if err != nil {
		return 0, err
	}
	rec := &models.EventRecord{
		Category:  p.Category(),
		DeviceID:  s.deviceID,
		Payload:   body,
		CreatedAt: createdAt.UnixMilli(),
	}
	id, err := s.repo.Append(ctx, rec)
	callbacks := s.onStored
	unlock()
	if err != nil {
		s.log.ErrorWithCode("Failed to store event", string(apperrors.ErrPersistence), err,
			map[string]interface{}{"category": string(rec.Category)})
		return 0, err
	}

	s.worker.Signal()
	for _, cb := range callbacks {
		cb(rec)
	}
	return id, nil
}

// FetchRecent returns up to limit newest records of c, newest first.
func (s *Store) FetchRecent(ctx context.Context, c models.Category, limit int) ([]*models.EventRecord, error) {
	unlock, err := s.readLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.repo.Recent(ctx, c, limit)
}

// Scan returns up to limit records of c with id > sinceID in id order.
func (s *Store) Scan(ctx context.Context, c models.Category, sinceID int64, limit int) ([]*models.EventRecord, error) {
	unlock, err := s.readLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.repo.Scan(ctx, c, sinceID, limit)
}

// UpdateHeartbeat overwrites the local device status row. The row is pushed
// by the next successful sync cycle.
func (s *Store) UpdateHeartbeat(ctx context.Context, f models.StatusFields) error {
	if f.At.IsZero() {
		f.At = time.Now()
	}

	unlock, err := s.readLock()
	if err != nil {
		return err
	}
	status, err := s.repo.GetDeviceStatus(ctx, s.deviceID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			unlock()
			return err
		}
		status = &models.DeviceStatus{DeviceID: s.deviceID, Connectivity: models.ConnectivityUnknown}
	}
	f.Apply(status)
	if depth, err := s.queueDepthLocked(ctx); err == nil {
		status.QueueDepth = depth
	}
	err = s.repo.UpsertDeviceStatus(ctx, status)
	unlock()
	if err != nil {
		return err
	}

	if s.recordHeartbeats {
		sample := models.HeartbeatPayload{UptimeSeconds: time.Since(s.started).Seconds()}
		if f.Sample != nil {
			sample = *f.Sample
		}
		if _, err := s.StoreEvent(ctx, sample, f.At); err != nil {
			return err
		}
	}
	return nil
}

// DeviceStatus returns the local status row.
func (s *Store) DeviceStatus(ctx context.Context) (*models.DeviceStatus, error) {
	unlock, err := s.readLock()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.repo.GetDeviceStatus(ctx, s.deviceID)
}

// RegisterCommandHandler installs h for remote commands named name.
func (s *Store) RegisterCommandHandler(name string, h commands.Handler) {
	s.listener.Register(name, h)
}

// =====================================================
// Stats and control
// =====================================================

// Stats returns counts across all categories and the worker state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	unlock, err := s.readLock()
	if err != nil {
		return Stats{}, err
	}
	defer unlock()

	st := Stats{PerCategory: make(map[models.Category]CategoryStats, len(models.Categories))}
	for _, c := range models.Categories {
		rows, err := s.repo.RowCount(ctx, c)
		if err != nil {
			return Stats{}, err
		}
		unsynced, err := s.repo.CountUnsynced(ctx, c)
		if err != nil {
			return Stats{}, err
		}
		failed, err := s.repo.CountFailed(ctx, c)
		if err != nil {
			return Stats{}, err
		}
		pending := unsynced - failed
		st.PerCategory[c] = CategoryStats{Rows: rows, Pending: pending, Failed: failed, MaxRows: s.evictor.MaxRows(c)}
		st.LocalRows += rows
		st.PendingRows += pending
		st.QueueDepth += unsynced
	}

	counters := s.worker.Counters()
	st.SyncWorkerRunning = s.worker.IsRunning()
	st.WorkerState = s.worker.State()
	st.LastSyncAt = s.worker.LastSyncAt(ctx)
	st.ConsecutiveFailures = counters.ConsecutiveFailures
	st.PushConnected = s.listener.PushConnected()
	return st, nil
}

func (s *Store) queueDepth(ctx context.Context) (int64, error) {
	unlock, err := s.readLock()
	if err != nil {
		return 0, err
	}
	defer unlock()
	return s.queueDepthLocked(ctx)
}

func (s *Store) queueDepthLocked(ctx context.Context) (int64, error) {
	var depth int64
	for _, c := range models.Categories {
		n, err := s.repo.CountUnsynced(ctx, c)
		if err != nil {
			return 0, err
		}
		depth += n
	}
	return depth, nil
}

// SyncNow runs one sync cycle immediately and waits for it. The store lock
// is not held across the network cycle; Close waits for it instead.
func (s *Store) SyncNow(ctx context.Context) (syncer.CycleResult, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return syncer.CycleResult{}, apperrors.New(apperrors.ErrClosed, "store is closed")
	}
	s.syncs.Add(1)
	s.mu.RUnlock()
	defer s.syncs.Done()

	return s.worker.SyncNow(ctx), nil
}

// SetSyncInterval changes the periodic sync interval.
func (s *Store) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync interval must be > 0")
	}
	s.worker.SetSyncInterval(d)
	return nil
}

// SetMaxLocalRows changes the local row cap for c.
func (s *Store) SetMaxLocalRows(c models.Category, rows int64) error {
	if !c.Valid() {
		return apperrors.Newf(apperrors.ErrValidation, "unknown category %q", c)
	}
	if rows <= 0 {
		return apperrors.New(apperrors.ErrValidation, "max local rows must be > 0")
	}
	s.evictor.SetMaxRows(c, rows)
	return nil
}

// ApplyConfig applies the settings that may change while running: sync
// interval, row caps and log level. Everything else needs a restart.
func (s *Store) ApplyConfig(cfg *config.Config) {
	if err := s.SetSyncInterval(cfg.SyncInterval()); err != nil {
		s.log.Warn("Ignoring sync interval from config", map[string]interface{}{"error": err.Error()})
	}
	for c, n := range cfg.RowCaps() {
		if err := s.SetMaxLocalRows(c, n); err != nil {
			s.log.Warn("Ignoring row cap from config", map[string]interface{}{"category": string(c), "error": err.Error()})
		}
	}
	if level, ok := logging.ParseLevel(cfg.Log.Level); ok {
		logging.Get().SetLevel(level)
	}
	s.log.Info("Configuration applied", map[string]interface{}{
		"sync_interval_seconds": cfg.SyncIntervalSeconds,
		"log_level":             cfg.Log.Level,
	})
}

// Client returns the remote client in use.
func (s *Store) Client() remote.Client {
	return s.client
}
