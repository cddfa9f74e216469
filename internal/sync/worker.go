package sync

import (
	"context"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/remote"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/uuid"
)

// WorkerState is the sync worker's position in its cycle.
type WorkerState string

const (
	StateIdle      WorkerState = "idle"
	StateProbing   WorkerState = "probing"
	StateUploading WorkerState = "uploading"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeTotalFailure   Outcome = "total_failure"
	OutcomeOffline        Outcome = "offline"
)

// MetaLastSyncAt is the sync_meta key holding the last successful cycle time (unix millis).
const MetaLastSyncAt = "last_sync_at"

// WorkerConfig holds worker tuning.
type WorkerConfig struct {
	DeviceID           string
	SyncInterval       time.Duration // default 30s
	MinSignalInterval  time.Duration // default 2s
	RetryBackoffCap    time.Duration // default 5m
	BatchMaxRows       int           // default 25
	BatchMaxBytes      int           // default 256 KiB
	MaxBatchesPerCycle int           // default 50
	MaxRetryAttempts   int           // default 5
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		SyncInterval:       30 * time.Second,
		MinSignalInterval:  2 * time.Second,
		RetryBackoffCap:    5 * time.Minute,
		BatchMaxRows:       25,
		BatchMaxBytes:      256 * 1024,
		MaxBatchesPerCycle: 50,
		MaxRetryAttempts:   5,
	}
}

// CycleResult describes one sync cycle.
type CycleResult struct {
	RunID       string
	Outcome     Outcome
	Batches     int
	Synced      int
	Rejected    int
	PoisonPills int
	Err         error
}

// Counters are cumulative worker statistics.
type Counters struct {
	Cycles              int64
	Successes           int64
	PartialFailures     int64
	TotalFailures       int64
	RowsSynced          int64
	PoisonPills         int64
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
}

// Worker uploads pending records in the background.
type Worker struct {
	store   LocalStore
	client  remote.Client
	probe   Probe
	evictor *Evictor
	log     *logging.Logger
	now     func() time.Time

	mu       sync.RWMutex
	cfg      WorkerConfig
	state    WorkerState
	counters Counters
	onCycle  []func(CycleResult)

	cycleMu    sync.Mutex // one cycle at a time
	lastCycle  time.Time
	notify     chan struct{}
	reschedule chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	isRunning  bool
}

// NewWorker creates a Worker. evictor may be nil.
func NewWorker(store LocalStore, client remote.Client, probe Probe, evictor *Evictor, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.MinSignalInterval < 0 {
		cfg.MinSignalInterval = 0
	}
	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = def.RetryBackoffCap
	}
	if cfg.BatchMaxRows <= 0 {
		cfg.BatchMaxRows = def.BatchMaxRows
	}
	if cfg.MaxBatchesPerCycle <= 0 {
		cfg.MaxBatchesPerCycle = def.MaxBatchesPerCycle
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}

	return &Worker{
		store:      store,
		client:     client,
		probe:      probe,
		evictor:    evictor,
		log:        logging.Get().WithComponent("sync"),
		now:        time.Now,
		cfg:        cfg,
		state:      StateIdle,
		notify:     make(chan struct{}, 1),
		reschedule: make(chan struct{}, 1),
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Start launches the background loop. Calling Start twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	w.log.Info("Sync worker started", map[string]interface{}{
		"interval_seconds": w.Config().SyncInterval.Seconds(),
	})
}

// Stop signals the loop and waits for the in-flight batch to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.log.Info("Sync worker stopped", nil)
}

// IsRunning reports whether the background loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isRunning
}

// Signal asks for an early cycle. It never blocks; signals arriving while
// one is already queued are merged.
func (w *Worker) Signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// SetSyncInterval changes the periodic interval and reschedules the next wake.
func (w *Worker) SetSyncInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	w.cfg.SyncInterval = d
	w.mu.Unlock()

	select {
	case w.reschedule <- struct{}{}:
	default:
	}
}

// Config returns a copy of the current configuration.
func (w *Worker) Config() WorkerConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// State returns the current state.
func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Counters returns a snapshot of the cumulative statistics.
func (w *Worker) Counters() Counters {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.counters
}

// NextPeriod returns the delay before the next periodic cycle.
func (w *Worker) NextPeriod() time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return backoffPeriod(w.cfg.SyncInterval, w.cfg.RetryBackoffCap, w.counters.ConsecutiveFailures)
}

// backoffPeriod returns interval * 2^failures, capped at limit.
func backoffPeriod(interval, limit time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	if failures > 30 {
		return limit
	}
	period := interval * time.Duration(int64(1)<<uint(failures))
	if period > limit || period <= 0 {
		return limit
	}
	return period
}

func (w *Worker) stopping() bool {
	w.mu.RLock()
	stopCh := w.stopCh
	w.mu.RUnlock()
	if stopCh == nil {
		return false
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	w.mu.RLock()
	stopCh := w.stopCh
	w.mu.RUnlock()

	timer := time.NewTimer(w.NextPeriod())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-w.reschedule:
			resetTimer(timer, w.NextPeriod())
			continue
		case <-timer.C:
		case <-w.notify:
			// Signal wakes are spaced so that a burst of producers shares one cycle.
			if wait := w.Config().MinSignalInterval - w.now().Sub(w.lastCycleStart()); wait > 0 {
				hold := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					hold.Stop()
					return
				case <-stopCh:
					hold.Stop()
					return
				case <-hold.C:
				}
			}
		}

		w.SyncNow(ctx)
		resetTimer(timer, w.NextPeriod())
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (w *Worker) lastCycleStart() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastCycle
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// =====================================================
// Cycle
// =====================================================

// OnCycle registers a callback run after every finished cycle.
func (w *Worker) OnCycle(fn func(CycleResult)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCycle = append(w.onCycle, fn)
}

// SyncNow runs one cycle synchronously and returns its result.
func (w *Worker) SyncNow(ctx context.Context) CycleResult {
	res := w.runCycle(ctx)

	w.mu.RLock()
	callbacks := w.onCycle
	w.mu.RUnlock()
	for _, cb := range callbacks {
		cb(res)
	}
	return res
}

func (w *Worker) runCycle(ctx context.Context) CycleResult {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	w.mu.Lock()
	w.lastCycle = w.now()
	w.counters.Cycles++
	cfg := w.cfg
	w.mu.Unlock()

	res := CycleResult{RunID: uuid.New()}
	defer w.setState(StateIdle)

	w.setState(StateProbing)
	if !w.probe.IsReachable(ctx) {
		res.Outcome = OutcomeOffline
		res.Err = apperrors.New(apperrors.ErrRemoteUnavailable, "remote store unreachable")
		w.recordTotalFailure(res.Err)
		w.recordConnectivity(ctx, models.ConnectivityOffline)
		w.log.Debug("Remote unreachable, skipping cycle", map[string]interface{}{
			"run_id":      res.RunID,
			"next_wake_s": w.NextPeriod().Seconds(),
		})
		return res
	}

	w.setState(StateUploading)
	batcher := NewBatcher(w.store, cfg.BatchMaxRows, cfg.BatchMaxBytes)

categories:
	for _, c := range models.Categories {
		var afterID int64
		for res.Batches < cfg.MaxBatchesPerCycle {
			if w.stopping() {
				break categories
			}

			recs, err := batcher.NextBatchAfter(ctx, c, afterID)
			if err != nil {
				res.Outcome = OutcomeTotalFailure
				res.Err = err
				w.recordTotalFailure(err)
				w.log.Error("Failed to read pending records", err, map[string]interface{}{"category": string(c)})
				return res
			}
			if len(recs) == 0 {
				break
			}
			afterID = recs[len(recs)-1].ID
			res.Batches++

			if err := w.uploadBatch(ctx, c, recs, cfg, &res); err != nil {
				res.Outcome = OutcomeTotalFailure
				res.Err = err
				w.recordTotalFailure(err)
				w.log.ErrorWithCode("Sync cycle failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
					"run_id":      res.RunID,
					"category":    string(c),
					"next_wake_s": w.NextPeriod().Seconds(),
				})
				return res
			}
		}
	}

	res.Outcome = OutcomeSuccess
	if res.Rejected > 0 {
		res.Outcome = OutcomePartialFailure
	}
	w.recordSuccess(ctx, res)
	w.afterSync(ctx)

	if res.Batches > 0 {
		w.log.Info("Sync cycle completed", map[string]interface{}{
			"run_id":       res.RunID,
			"outcome":      string(res.Outcome),
			"batches":      res.Batches,
			"synced":       res.Synced,
			"rejected":     res.Rejected,
			"poison_pills": res.PoisonPills,
		})
	}
	return res
}

// uploadBatch sends one batch and applies the per-row outcome. A returned
// error means nothing was decided and no local state changed.
func (w *Worker) uploadBatch(ctx context.Context, c models.Category, recs []*models.EventRecord, cfg WorkerConfig, res *CycleResult) error {
	summary, err := w.client.BulkWrite(ctx, remote.TableEvents, recs)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrRemoteRejected) {
			return err
		}
		// The whole request was refused on its content.
		summary = remote.AckSummary{Rejected: make(map[int64]string, len(recs))}
		for _, rec := range recs {
			summary.Rejected[rec.ID] = err.Error()
		}
	}

	if len(summary.Acked) > 0 {
		if _, err := w.store.MarkSynced(ctx, c, summary.Acked); err != nil {
			return err
		}
		res.Synced += len(summary.Acked)
	}

	if len(summary.Rejected) == 0 {
		return nil
	}
	res.Rejected += len(summary.Rejected)

	attempts, err := w.store.MarkFailed(ctx, c, summary.Rejected)
	if err != nil {
		return err
	}

	var poison []int64
	for id, n := range attempts {
		if n >= cfg.MaxRetryAttempts {
			poison = append(poison, id)
		}
	}
	if len(poison) == 0 {
		return nil
	}
	if _, err := w.store.MarkSynced(ctx, c, poison); err != nil {
		return err
	}
	res.PoisonPills += len(poison)
	for _, id := range poison {
		w.log.Warn("Giving up on record rejected by remote", map[string]interface{}{
			"category": string(c),
			"id":       id,
			"attempts": attempts[id],
			"reason":   summary.Rejected[id],
		})
	}
	return nil
}

func (w *Worker) recordTotalFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters.TotalFailures++
	w.counters.ConsecutiveFailures++
	w.counters.LastError = err.Error()
}

func (w *Worker) recordSuccess(ctx context.Context, res CycleResult) {
	now := w.now()

	w.mu.Lock()
	if res.Outcome == OutcomePartialFailure {
		w.counters.PartialFailures++
	} else {
		w.counters.Successes++
	}
	w.counters.RowsSynced += int64(res.Synced)
	w.counters.PoisonPills += int64(res.PoisonPills)
	w.counters.ConsecutiveFailures = 0
	w.counters.LastSuccessAt = now
	w.mu.Unlock()

	if err := w.store.SetMeta(ctx, MetaLastSyncAt, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		w.log.Warn("Failed to persist last sync time", map[string]interface{}{"error": err.Error()})
	}
}

// LastSyncAt returns the last successful cycle time, surviving restarts.
func (w *Worker) LastSyncAt(ctx context.Context) time.Time {
	if t := w.Counters().LastSuccessAt; !t.IsZero() {
		return t
	}
	v, err := w.store.GetMeta(ctx, MetaLastSyncAt)
	if err != nil || v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// =====================================================
// Post-sync housekeeping
// =====================================================

func (w *Worker) afterSync(ctx context.Context) {
	if w.evictor != nil {
		if _, err := w.evictor.Evict(ctx); err != nil {
			w.log.Error("Eviction after sync failed", err)
		}
	}
	w.recordConnectivity(ctx, models.ConnectivityOnline)
	w.pushDeviceStatus(ctx)
	w.flushConsumedAcks(ctx)
}

func (w *Worker) recordConnectivity(ctx context.Context, conn models.Connectivity) {
	deviceID := w.Config().DeviceID
	if deviceID == "" {
		return
	}
	s, err := w.store.GetDeviceStatus(ctx, deviceID)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			w.log.Warn("Failed to read device status", map[string]interface{}{"error": err.Error()})
			return
		}
		s = &models.DeviceStatus{DeviceID: deviceID}
	}
	if s.Connectivity == conn {
		return
	}
	s.Connectivity = conn
	if err := w.store.UpsertDeviceStatus(ctx, s); err != nil {
		w.log.Warn("Failed to record connectivity", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Worker) pushDeviceStatus(ctx context.Context) {
	deviceID := w.Config().DeviceID
	if deviceID == "" {
		return
	}
	s, err := w.store.GetDeviceStatus(ctx, deviceID)
	if err != nil || !s.Dirty {
		return
	}

	var depth int64
	for _, c := range models.Categories {
		n, err := w.store.CountUnsynced(ctx, c)
		if err != nil {
			return
		}
		depth += n
	}
	s.QueueDepth = depth

	if err := w.client.UpsertDeviceStatus(ctx, s); err != nil {
		w.log.Warn("Failed to push device status", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := w.store.MarkDeviceStatusClean(ctx, deviceID, s.UpdatedAt); err != nil {
		w.log.Warn("Failed to clear device status flag", map[string]interface{}{"error": err.Error()})
	}
}

func (w *Worker) flushConsumedAcks(ctx context.Context) {
	ids, err := w.store.PendingConsumedAcks(ctx, 100)
	if err != nil {
		w.log.Warn("Failed to list pending command acks", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, id := range ids {
		err := w.client.MarkConsumed(ctx, id)
		if err != nil && !apperrors.Is(err, apperrors.ErrRemoteRejected) {
			w.log.Debug("Command ack deferred", map[string]interface{}{"command_id": id, "error": err.Error()})
			return
		}
		if err != nil {
			w.log.Warn("Remote refused command ack, dropping", map[string]interface{}{"command_id": id, "error": err.Error()})
		}
		if err := w.store.MarkCommandConsumedSynced(ctx, id); err != nil {
			w.log.Warn("Failed to record command ack", map[string]interface{}{"command_id": id, "error": err.Error()})
		}
	}
}
