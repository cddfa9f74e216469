// Package main tests for daemon flags, routing and the live feed.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/config"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/eventstore"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/remote"
	syncer "github.com/IRSPlays/ProjectCortexV2-sub000/internal/sync"
)

func newTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	cfg := config.Default()
	cfg.DeviceID = "cortex-test-01"
	cfg.DataDir = t.TempDir()
	cfg.SyncIntervalSeconds = 3600
	cfg.RetryBackoffCapSeconds = 3600
	cfg.Remote.Kind = config.RemoteMemory
	store, err := eventstore.New(cfg,
		eventstore.WithClient(remote.NewMemoryClient()),
		eventstore.WithProbe(syncer.NewStaticProbe(true)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestParseFlags verifies defaults and overrides.
func TestParseFlags(t *testing.T) {
	o, err := parseFlags(nil)
	require.NoError(t, err)
	assert.Equal(t, "cortex.toml", o.configPath)
	assert.Equal(t, "127.0.0.1:8090", o.listen)
	assert.Empty(t, o.dataDir)

	o, err = parseFlags([]string{"-config", "/etc/cortex.yaml", "-data-dir", "/var/lib/cortex", "-listen", ""})
	require.NoError(t, err)
	assert.Equal(t, "/etc/cortex.yaml", o.configPath)
	assert.Equal(t, "/var/lib/cortex", o.dataDir)
	assert.Empty(t, o.listen)

	o, err = parseFlags([]string{"-seal", "s3cr3t"})
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", o.seal)

	_, err = parseFlags([]string{"-bogus"})
	assert.Error(t, err)
}

// TestMux_routes verifies the debug API against a real store.
func TestMux_routes(t *testing.T) {
	store := newTestStore(t)
	hub := NewFeedHub()
	defer hub.Close()
	mux := newMux(store, hub, "cortex-test-01")

	_, err := store.StoreEvent(context.Background(), models.LogPayload{
		Level: "info", Component: "router", Message: "routed to vision",
	}, time.Now())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats eventstore.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.PendingRows)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"success"`)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Zero(t, stats.PendingRows)
}

// TestFeed verifies stored events and sync outcomes reach subscribed viewers.
func TestFeed(t *testing.T) {
	store := newTestStore(t)
	hub := NewFeedHub()
	defer hub.Close()
	store.OnEventStored(hub.BroadcastEventStored)
	store.OnSyncCycle(hub.BroadcastSyncCycle)

	srv := httptest.NewServer(newMux(store, hub, "cortex-test-01"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{EventStored, EventSyncCompleted},
	}))
	var ack map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	_, err = store.StoreEvent(context.Background(), models.AdaptiveVocabularyPayload{
		Word: "crosswalk", Source: "user", Confidence: 0.8,
	}, time.Now())
	require.NoError(t, err)

	var env FeedEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventStored, env.Type)
	assert.Equal(t, "adaptive_vocabulary", env.Data["category"])

	_, err = store.SyncNow(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, EventSyncCompleted, env.Type)
	assert.EqualValues(t, 1, env.Data["synced"])
}

// TestFeed_rejectsForeignOrigin verifies only local pages may connect.
func TestFeed_rejectsForeignOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	r.Host = "example.com"
	assert.False(t, upgrader.CheckOrigin(r))

	r.Host = "127.0.0.1:8090"
	assert.True(t, upgrader.CheckOrigin(r))
}
