// Package sync moves locally committed events to the remote store.
package sync

import (
	"context"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// LocalStore is the part of the Local Store the sync worker needs.
type LocalStore interface {
	ScanPending(ctx context.Context, c models.Category, sinceID int64, limit int) ([]*models.EventRecord, error)
	MarkSynced(ctx context.Context, c models.Category, ids []int64) (int64, error)
	MarkFailed(ctx context.Context, c models.Category, failures map[int64]string) (map[int64]int, error)
	CountUnsynced(ctx context.Context, c models.Category) (int64, error)
	RowCount(ctx context.Context, c models.Category) (int64, error)
	EvictSynced(ctx context.Context, c models.Category, maxRows int64) (int64, int64, error)

	GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error)
	UpsertDeviceStatus(ctx context.Context, s *models.DeviceStatus) error
	MarkDeviceStatusClean(ctx context.Context, deviceID string, updatedAt int64) (bool, error)

	PendingConsumedAcks(ctx context.Context, limit int) ([]string, error)
	MarkCommandConsumedSynced(ctx context.Context, commandID string) error

	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)
}

// Batcher selects the next group of unacknowledged records to upload.
type Batcher struct {
	store    LocalStore
	MaxRows  int
	MaxBytes int
}

// NewBatcher creates a Batcher bounded by maxRows records and maxBytes of
// encoded remote rows.
func NewBatcher(store LocalStore, maxRows, maxBytes int) *Batcher {
	return &Batcher{store: store, MaxRows: maxRows, MaxBytes: maxBytes}
}

// NextBatch returns the oldest pending or failed records of c.
func (b *Batcher) NextBatch(ctx context.Context, c models.Category) ([]*models.EventRecord, error) {
	return b.NextBatchAfter(ctx, c, 0)
}

// NextBatchAfter returns the oldest pending or failed records of c with an id
// greater than afterID, in ascending id order. The batch stops at MaxRows or
// before MaxBytes would be exceeded, whichever comes first. A single record
// larger than MaxBytes is returned alone so it cannot block the queue.
func (b *Batcher) NextBatchAfter(ctx context.Context, c models.Category, afterID int64) ([]*models.EventRecord, error) {
	if b.MaxRows <= 0 {
		return nil, nil
	}

	recs, err := b.store.ScanPending(ctx, c, afterID, b.MaxRows)
	if err != nil {
		return nil, err
	}
	if b.MaxBytes <= 0 {
		return recs, nil
	}

	size := 0
	for i, rec := range recs {
		size += rec.RemoteSize()
		if size > b.MaxBytes {
			if i == 0 {
				return recs[:1], nil
			}
			return recs[:i], nil
		}
	}
	return recs, nil
}
