package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/eventstore"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	syncer "github.com/IRSPlays/ProjectCortexV2-sub000/internal/sync"
)

type fakeStore struct {
	stats    eventstore.Stats
	statsErr error
	cycle    syncer.CycleResult
	syncs    int
	recent   []*models.EventRecord
	limit    int
}

func (f *fakeStore) Stats(ctx context.Context) (eventstore.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeStore) SyncNow(ctx context.Context) (syncer.CycleResult, error) {
	f.syncs++
	return f.cycle, nil
}

func (f *fakeStore) FetchRecent(ctx context.Context, c models.Category, limit int) ([]*models.EventRecord, error) {
	f.limit = limit
	return f.recent, nil
}

func serve(t *testing.T, store Store, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	NewStatusHandler(store, "cortex-test-01").Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// TestHealth verifies the health endpoint and its method check.
func TestHealth(t *testing.T) {
	w := serve(t, &fakeStore{}, http.MethodGet, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	body := decode(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "cortex-test-01", body["device_id"])

	w = serve(t, &fakeStore{}, http.MethodPost, "/api/health")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// TestStats verifies stats are returned as JSON and errors are mapped.
func TestStats(t *testing.T) {
	store := &fakeStore{stats: eventstore.Stats{LocalRows: 7, PendingRows: 3, QueueDepth: 4, SyncWorkerRunning: true}}
	w := serve(t, store, http.MethodGet, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 7, body["local_rows"])
	assert.EqualValues(t, 3, body["pending_rows"])
	assert.EqualValues(t, 4, body["queue_depth"])
	assert.Equal(t, true, body["sync_worker_running"])

	store.statsErr = apperrors.New(apperrors.ErrClosed, "store is closed")
	w = serve(t, store, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "STORE_CLOSED", decode(t, w)["error_code"])
}

// TestTriggerSync verifies POST runs one cycle and reports failures.
func TestTriggerSync(t *testing.T) {
	store := &fakeStore{cycle: syncer.CycleResult{
		RunID:   "run-1",
		Outcome: syncer.OutcomeOffline,
		Err:     apperrors.New(apperrors.ErrRemoteUnavailable, "remote store unreachable"),
	}}

	w := serve(t, store, http.MethodGet, "/api/sync")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Zero(t, store.syncs)

	w = serve(t, store, http.MethodPost, "/api/sync")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, store.syncs)
	body := decode(t, w)
	assert.Equal(t, "offline", body["outcome"])
	assert.Equal(t, "REMOTE_UNAVAILABLE", body["error_code"])
}

// TestRecent verifies category and limit parsing.
func TestRecent(t *testing.T) {
	store := &fakeStore{recent: []*models.EventRecord{{ID: 2, Category: models.CategoryLog}}}

	w := serve(t, store, http.MethodGet, "/api/events?category=log&limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, store.limit)
	events := decode(t, w)["events"].([]interface{})
	assert.Len(t, events, 1)

	w = serve(t, store, http.MethodGet, "/api/events?category=video")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, store, http.MethodGet, "/api/events?category=log&limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
