package sync

import (
	"context"
	"sync"
	"time"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// EvictionReport summarizes one eviction pass.
type EvictionReport struct {
	Deleted map[models.Category]int64
	// Backlog holds categories still above their cap after eviction, with the
	// number of unsynced rows keeping them there.
	Backlog map[models.Category]int64
}

// Evictor bounds the local tables by deleting the oldest synced records.
type Evictor struct {
	store    LocalStore
	log      *logging.Logger
	interval time.Duration

	mu      sync.RWMutex
	maxRows map[models.Category]int64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewEvictor creates an Evictor with per-category row caps.
func NewEvictor(store LocalStore, maxRows map[models.Category]int64, interval time.Duration) *Evictor {
	caps := make(map[models.Category]int64, len(maxRows))
	for c, n := range maxRows {
		caps[c] = n
	}
	return &Evictor{
		store:    store,
		log:      logging.Get().WithComponent("evictor"),
		interval: interval,
		maxRows:  caps,
	}
}

// SetMaxRows changes the cap for c. Non-positive values disable eviction
// for the category.
func (e *Evictor) SetMaxRows(c models.Category, n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxRows[c] = n
}

// MaxRows returns the cap for c.
func (e *Evictor) MaxRows(c models.Category) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxRows[c]
}

// Evict runs one pass over every category.
func (e *Evictor) Evict(ctx context.Context) (EvictionReport, error) {
	report := EvictionReport{
		Deleted: make(map[models.Category]int64),
		Backlog: make(map[models.Category]int64),
	}

	for _, c := range models.Categories {
		limit := e.MaxRows(c)
		if limit <= 0 {
			continue
		}
		deleted, remaining, err := e.store.EvictSynced(ctx, c, limit)
		if err != nil {
			return report, err
		}
		if deleted > 0 {
			report.Deleted[c] = deleted
			e.log.Debug("Evicted synced records", map[string]interface{}{
				"category": string(c),
				"deleted":  deleted,
			})
		}
		if remaining > 0 {
			report.Backlog[c] = remaining
			e.log.Warn("Unsynced backlog exceeds local row cap", map[string]interface{}{
				"category": string(c),
				"max_rows": limit,
				"over_by":  remaining,
			})
		}
	}
	return report, nil
}

// Start runs Evict on a fixed interval until Stop.
func (e *Evictor) Start(ctx context.Context) {
	e.mu.Lock()
	if e.isRunning || e.interval <= 0 {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the timer and waits for a running pass.
func (e *Evictor) Stop() {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Evictor) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.Evict(ctx); err != nil {
				e.log.Error("Eviction pass failed", err)
			}
		}
	}
}
