// Package remote adapts the device's records to the remote persistent store.
//
// A Client performs no retries and no batching of its own. It maps local
// shapes to the remote schema and reports failures as either
// REMOTE_UNAVAILABLE (nothing was decided, try again later) or
// REMOTE_REJECTED (the remote looked at specific rows and refused them).
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// Remote table names.
const (
	TableEvents       = "events"
	TableCommands     = "commands"
	TableDeviceStatus = "device_status"
)

// AckSummary reports the per-row outcome of a bulk write. Every record
// passed to BulkWrite appears in exactly one of Acked or Rejected.
type AckSummary struct {
	Acked    []int64
	Rejected map[int64]string
}

// AllAcked reports whether no row was rejected.
func (a AckSummary) AllAcked() bool {
	return len(a.Rejected) == 0
}

// Filter narrows a Query.
type Filter struct {
	DeviceID   string
	Since      int64 // unix millis, inclusive; 0 = unbounded
	Until      int64 // unix millis, exclusive; 0 = unbounded
	Category   models.Category
	Consumed   *bool
	Limit      int
	Descending bool
}

// Client is the transport to the remote store.
type Client interface {
	// BulkWrite writes records to table as one logical request.
	BulkWrite(ctx context.Context, table string, records []*models.EventRecord) (AckSummary, error)

	// Query returns rows of table matching f.
	Query(ctx context.Context, table string, f Filter) ([]map[string]interface{}, error)

	// Subscribe delivers newly inserted rows of table until ctx is done or the
	// channel drops. onConnected, when not nil, runs once the channel is
	// established. It returns a REMOTE_UNAVAILABLE error when the channel
	// cannot be established or is lost.
	Subscribe(ctx context.Context, table string, onConnected func(), onInsert func(models.RemoteCommand)) error

	// MarkConsumed flags a command as handled by this device.
	MarkConsumed(ctx context.Context, commandID string) error

	// UpsertDeviceStatus overwrites the device's status row.
	UpsertDeviceStatus(ctx context.Context, s *models.DeviceStatus) error
}

// CommandsFromRows converts rows returned by Query(TableCommands, ...).
func CommandsFromRows(rows []map[string]interface{}) ([]models.RemoteCommand, error) {
	out := make([]models.RemoteCommand, 0, len(rows))
	for i, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		var cmd models.RemoteCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, cmd)
	}
	return out, nil
}
