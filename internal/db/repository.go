// Package db provides repository operations for the local event store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// Repository provides the Local Store contract over the event tables.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	// Prepared statements are cached per query string.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB, now: time.Now}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func table(c models.Category) (string, error) {
	if !c.Valid() {
		return "", apperrors.Newf(apperrors.ErrValidation, "unknown category %q", c)
	}
	return c.TableName(), nil
}

const eventColumns = "id, device_id, payload, created_at, committed_at, sync_state, attempt_count, last_error, synced_at"

// =====================================================
// Append / read
// =====================================================

// Append commits rec durably and returns its assigned id. rec.ID,
// rec.CommittedAt and rec.SyncState are filled in on success.
func (r *Repository) Append(ctx context.Context, rec *models.EventRecord) (int64, error) {
	tbl, err := table(rec.Category)
	if err != nil {
		return 0, err
	}

	committed := r.now().UnixMilli()
	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf(
		`INSERT INTO %s (device_id, payload, created_at, committed_at, sync_state) VALUES (?, ?, ?, ?, 'pending')`, tbl))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "prepare append", err)
	}

	res, err := stmt.ExecContext(ctx, rec.DeviceID, string(rec.Payload), rec.CreatedAt, committed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, fmt.Sprintf("append %s event", rec.Category), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "read assigned id", err)
	}

	rec.ID = id
	rec.CommittedAt = committed
	rec.SyncState = models.SyncStatePending
	return id, nil
}

// Get returns one record.
func (r *Repository) Get(ctx context.Context, c models.Category, id int64) (*models.EventRecord, error) {
	tbl, err := table(c)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, eventColumns, tbl), id)
	rec, err := scanEvent(row.Scan, c)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s event %d not found", c, id)
	}
	return rec, err
}

// Scan returns up to limit records with id > sinceID in ascending id order.
// Callers resume by passing the last id they saw.
func (r *Repository) Scan(ctx context.Context, c models.Category, sinceID int64, limit int) ([]*models.EventRecord, error) {
	tbl, err := table(c)
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, c,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id > ? ORDER BY id ASC LIMIT ?`, eventColumns, tbl),
		sinceID, limitOrAll(limit))
}

// ScanPending returns unacknowledged (pending or failed) records with id > sinceID,
// oldest first.
func (r *Repository) ScanPending(ctx context.Context, c models.Category, sinceID int64, limit int) ([]*models.EventRecord, error) {
	tbl, err := table(c)
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, c,
		fmt.Sprintf(`SELECT %s FROM %s WHERE sync_state IN ('pending', 'failed') AND id > ? ORDER BY id ASC LIMIT ?`, eventColumns, tbl),
		sinceID, limitOrAll(limit))
}

// Recent returns the newest limit records, newest first.
func (r *Repository) Recent(ctx context.Context, c models.Category, limit int) ([]*models.EventRecord, error) {
	tbl, err := table(c)
	if err != nil {
		return nil, err
	}
	return r.queryEvents(ctx, c,
		fmt.Sprintf(`SELECT %s FROM %s ORDER BY id DESC LIMIT ?`, eventColumns, tbl),
		limitOrAll(limit))
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1 // SQLite: no limit
	}
	return limit
}

func (r *Repository) queryEvents(ctx context.Context, c models.Category, query string, args ...interface{}) ([]*models.EventRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s events: %w", c, err)
	}
	defer rows.Close()

	var out []*models.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows.Scan, c)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanEvent(scan func(dest ...interface{}) error, c models.Category) (*models.EventRecord, error) {
	var (
		rec     models.EventRecord
		payload string
		state   string
	)
	if err := scan(&rec.ID, &rec.DeviceID, &payload, &rec.CreatedAt, &rec.CommittedAt,
		&state, &rec.AttemptCount, &rec.LastError, &rec.SyncedAt); err != nil {
		return nil, err
	}
	rec.Category = c
	rec.Payload = []byte(payload)
	rec.SyncState = models.SyncState(state)
	return &rec, nil
}

// =====================================================
// Sync state tracking
// =====================================================

// MarkSynced marks ids acknowledged. Already synced rows are left untouched,
// so repeating the call is harmless. Returns the number of rows changed.
func (r *Repository) MarkSynced(ctx context.Context, c models.Category, ids []int64) (int64, error) {
	tbl, err := table(c)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`UPDATE %s SET sync_state = 'synced', synced_at = ? WHERE sync_state <> 'synced' AND id IN (%s)`,
		tbl, placeholders(len(ids)))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, r.now().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrPersistence, "mark synced", err)
	}
	return res.RowsAffected()
}

// MarkFailed records a rejected upload attempt for each id and returns the
// resulting attempt count per id. Synced rows are never touched.
func (r *Repository) MarkFailed(ctx context.Context, c models.Category, failures map[int64]string) (map[int64]int, error) {
	tbl, err := table(c)
	if err != nil {
		return nil, err
	}
	attempts := make(map[int64]int, len(failures))
	if len(failures) == 0 {
		return attempts, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "begin mark failed", err)
	}
	defer tx.Rollback()

	update := fmt.Sprintf(`UPDATE %s SET sync_state = 'failed', attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ? AND sync_state <> 'synced'`, tbl)
	read := fmt.Sprintf(`SELECT attempt_count FROM %s WHERE id = ? AND sync_state = 'failed'`, tbl)

	for id, reason := range failures {
		if _, err := tx.ExecContext(ctx, update, reason, id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "mark failed", err)
		}
		var n int
		err := tx.QueryRowContext(ctx, read, id).Scan(&n)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrPersistence, "read attempt count", err)
		}
		attempts[id] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, "commit mark failed", err)
	}
	return attempts, nil
}

// CountUnsynced returns the number of records in c not yet acknowledged by
// the remote, pending and failed alike.
func (r *Repository) CountUnsynced(ctx context.Context, c models.Category) (int64, error) {
	tbl, err := table(c)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sync_state IN ('pending', 'failed')`, tbl)).Scan(&n)
	return n, err
}

// CountFailed returns the number of records whose last attempt was rejected.
func (r *Repository) CountFailed(ctx context.Context, c models.Category) (int64, error) {
	tbl, err := table(c)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE sync_state = 'failed'`, tbl)).Scan(&n)
	return n, err
}

// RowCount returns the number of locally retained records in c.
func (r *Repository) RowCount(ctx context.Context, c models.Category) (int64, error) {
	tbl, err := table(c)
	if err != nil {
		return 0, err
	}
	var n int64
	err = r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, tbl)).Scan(&n)
	return n, err
}

// EvictSynced deletes the oldest synced records of c until at most maxRows
// remain. Pending and failed records are never deleted, so the table may
// stay above maxRows; the returned remaining value is that overflow.
func (r *Repository) EvictSynced(ctx context.Context, c models.Category, maxRows int64) (deleted int64, remaining int64, err error) {
	tbl, err := table(c)
	if err != nil {
		return 0, 0, err
	}

	total, err := r.RowCount(ctx, c)
	if err != nil {
		return 0, 0, err
	}
	excess := total - maxRows
	if excess <= 0 {
		return 0, 0, nil
	}

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %[1]s WHERE id IN (SELECT id FROM %[1]s WHERE sync_state = 'synced' ORDER BY id ASC LIMIT ?)`, tbl),
		excess)
	if err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrPersistence, "evict synced", err)
	}
	deleted, err = res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	return deleted, excess - deleted, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// =====================================================
// Sync metadata
// =====================================================

// SetMeta stores a key/value pair.
func (r *Repository) SetMeta(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "set meta", err)
	}
	return nil
}

// GetMeta returns a stored value, or "" when the key is absent.
func (r *Repository) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
