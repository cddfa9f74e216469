package remote

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/uuid"
)

// MemoryClient is an in-process remote store. It backs tests and the
// daemon's offline development mode.
type MemoryClient struct {
	mu          sync.Mutex
	unavailable error
	rejectFn    func(*models.EventRecord) string
	rows        map[string]models.RemoteRow
	batches     [][]*models.EventRecord
	commands    []*models.RemoteCommand
	statuses    map[string]models.DeviceStatus
	subscribers map[int]func(models.RemoteCommand)
	nextSub     int
	pushDown    bool
	bulkCalls   int
}

// NewMemoryClient creates an empty, available remote.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		rows:        make(map[string]models.RemoteRow),
		statuses:    make(map[string]models.DeviceStatus),
		subscribers: make(map[int]func(models.RemoteCommand)),
	}
}

// SetUnavailable makes every call fail with err (nil restores service).
func (m *MemoryClient) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

// SetRejectFunc installs a per-row validation rule. A non-empty return value
// rejects the row with that reason.
func (m *MemoryClient) SetRejectFunc(fn func(*models.EventRecord) string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectFn = fn
}

// SetPushDown makes Subscribe fail while leaving the other calls working.
func (m *MemoryClient) SetPushDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushDown = down
}

func (m *MemoryClient) check() error {
	if m.unavailable != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "memory remote unavailable", m.unavailable)
	}
	return nil
}

// BulkWrite implements Client.
func (m *MemoryClient) BulkWrite(ctx context.Context, table string, records []*models.EventRecord) (AckSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bulkCalls++
	if err := m.check(); err != nil {
		return AckSummary{}, err
	}
	if err := ctx.Err(); err != nil {
		return AckSummary{}, apperrors.Wrap(apperrors.ErrRemoteUnavailable, "bulk write canceled", err)
	}
	if table != TableEvents {
		return AckSummary{}, apperrors.Newf(apperrors.ErrRemoteRejected, "unknown table %q", table)
	}

	summary := AckSummary{Rejected: make(map[int64]string)}
	var accepted []*models.EventRecord
	for _, rec := range records {
		if m.rejectFn != nil {
			if reason := m.rejectFn(rec); reason != "" {
				summary.Rejected[rec.ID] = reason
				continue
			}
		}
		row := rec.ToRemote()
		m.rows[row.DeviceID+"|"+row.EventKey] = row
		summary.Acked = append(summary.Acked, rec.ID)
		cp := *rec
		accepted = append(accepted, &cp)
	}
	if len(accepted) > 0 {
		m.batches = append(m.batches, accepted)
	}
	return summary, nil
}

// Query implements Client for TableEvents and TableCommands.
func (m *MemoryClient) Query(ctx context.Context, table string, f Filter) ([]map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	switch table {
	case TableCommands:
		cmds := make([]*models.RemoteCommand, 0, len(m.commands))
		for _, c := range m.commands {
			if f.DeviceID != "" && c.DeviceID != f.DeviceID {
				continue
			}
			if f.Consumed != nil && c.Consumed != *f.Consumed {
				continue
			}
			if !inRange(c.IssuedAt, f) {
				continue
			}
			cmds = append(cmds, c)
		}
		sort.SliceStable(cmds, func(i, j int) bool {
			if f.Descending {
				return cmds[i].IssuedAt > cmds[j].IssuedAt
			}
			return cmds[i].IssuedAt < cmds[j].IssuedAt
		})
		for _, c := range cmds {
			out = append(out, toMap(c))
		}
	case TableEvents:
		rows := make([]models.RemoteRow, 0, len(m.rows))
		for _, r := range m.rows {
			if f.DeviceID != "" && r.DeviceID != f.DeviceID {
				continue
			}
			if f.Category != "" && r.Category != f.Category {
				continue
			}
			if !inRange(r.CreatedAt, f) {
				continue
			}
			rows = append(rows, r)
		}
		sort.Slice(rows, func(i, j int) bool {
			if f.Descending {
				return rows[i].EventKey > rows[j].EventKey
			}
			return rows[i].EventKey < rows[j].EventKey
		})
		for _, r := range rows {
			out = append(out, toMap(r))
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrRemoteRejected, "unknown table %q", table)
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func inRange(ts int64, f Filter) bool {
	if f.Since > 0 && ts < f.Since {
		return false
	}
	if f.Until > 0 && ts >= f.Until {
		return false
	}
	return true
}

func toMap(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

// Subscribe implements Client. Inserted commands are delivered synchronously
// from InsertCommand.
func (m *MemoryClient) Subscribe(ctx context.Context, table string, onConnected func(), onInsert func(models.RemoteCommand)) error {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.pushDown {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrRemoteUnavailable, "push channel down")
	}
	if table != TableCommands {
		m.mu.Unlock()
		return apperrors.Newf(apperrors.ErrRemoteRejected, "table %q has no push channel", table)
	}
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = onInsert
	m.mu.Unlock()

	if onConnected != nil {
		onConnected()
	}
	<-ctx.Done()

	m.mu.Lock()
	delete(m.subscribers, id)
	m.mu.Unlock()
	return nil
}

// DropSubscribers disconnects every active subscription, as a dropped
// websocket would.
func (m *MemoryClient) DropSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = make(map[int]func(models.RemoteCommand))
}

// InsertCommand creates a command remotely and pushes it to subscribers.
// An empty CommandID is filled with a fresh uuid.
func (m *MemoryClient) InsertCommand(cmd models.RemoteCommand) models.RemoteCommand {
	m.mu.Lock()
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New()
	}
	if cmd.IssuedAt == 0 {
		cmd.IssuedAt = time.Now().UnixMilli()
	}
	stored := cmd
	m.commands = append(m.commands, &stored)
	subs := make([]func(models.RemoteCommand), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(cmd)
	}
	return cmd
}

// Redeliver pushes an existing command to subscribers again.
func (m *MemoryClient) Redeliver(commandID string) {
	m.mu.Lock()
	var found *models.RemoteCommand
	for _, c := range m.commands {
		if c.CommandID == commandID {
			cp := *c
			found = &cp
		}
	}
	subs := make([]func(models.RemoteCommand), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if found == nil {
		return
	}
	for _, fn := range subs {
		fn(*found)
	}
}

// MarkConsumed implements Client.
func (m *MemoryClient) MarkConsumed(ctx context.Context, commandID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for _, c := range m.commands {
		if c.CommandID == commandID {
			c.Consumed = true
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrRemoteRejected, "command %s not found", commandID)
}

// UpsertDeviceStatus implements Client. A status older than the stored one is ignored.
func (m *MemoryClient) UpsertDeviceStatus(ctx context.Context, s *models.DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if prev, ok := m.statuses[s.DeviceID]; ok && prev.LastHeartbeatAt > s.LastHeartbeatAt {
		return nil
	}
	m.statuses[s.DeviceID] = *s
	return nil
}

// =====================================================
// Inspection helpers
// =====================================================

// Written returns the local ids stored remotely for category c, ascending.
func (m *MemoryClient) Written(c models.Category) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, r := range m.rows {
		if r.Category == c {
			ids = append(ids, r.LocalID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Batches returns the accepted rows of each BulkWrite call, in call order.
func (m *MemoryClient) Batches() [][]*models.EventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*models.EventRecord, len(m.batches))
	copy(out, m.batches)
	return out
}

// BulkCalls returns how many times BulkWrite was invoked.
func (m *MemoryClient) BulkCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bulkCalls
}

// Command returns the stored command with id.
func (m *MemoryClient) Command(id string) (models.RemoteCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.commands {
		if c.CommandID == id {
			return *c, true
		}
	}
	return models.RemoteCommand{}, false
}

// DeviceStatus returns the stored status row for deviceID.
func (m *MemoryClient) DeviceStatus(deviceID string) (models.DeviceStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[deviceID]
	return s, ok
}

// Subscribers returns the number of active subscriptions.
func (m *MemoryClient) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscribers)
}
