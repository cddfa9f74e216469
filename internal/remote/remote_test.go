package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

func records(n int) []*models.EventRecord {
	out := make([]*models.EventRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, &models.EventRecord{
			ID:        int64(i),
			Category:  models.CategoryDetection,
			DeviceID:  "dev-1",
			Payload:   json.RawMessage(`{"class_name":"person","confidence":0.9}`),
			CreatedAt: int64(1000 + i),
		})
	}
	return out
}

// =====================================================
// MemoryClient
// =====================================================

// TestMemoryClient_BulkWrite verifies acks, rejections and idempotent rewrites.
func TestMemoryClient_BulkWrite(t *testing.T) {
	m := NewMemoryClient()
	m.SetRejectFunc(func(r *models.EventRecord) string {
		if r.ID == 3 {
			return "bad row"
		}
		return ""
	})

	recs := records(5)
	sum, err := m.BulkWrite(context.Background(), TableEvents, recs)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4, 5}, sum.Acked)
	assert.Equal(t, map[int64]string{3: "bad row"}, sum.Rejected)
	assert.False(t, sum.AllAcked())

	// resend is an overwrite, not a duplicate
	_, err = m.BulkWrite(context.Background(), TableEvents, recs[:2])
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4, 5}, m.Written(models.CategoryDetection))
	assert.Equal(t, 2, m.BulkCalls())
}

// TestMemoryClient_unavailable verifies outage errors carry REMOTE_UNAVAILABLE.
func TestMemoryClient_unavailable(t *testing.T) {
	m := NewMemoryClient()
	m.SetUnavailable(errors.New("no route"))

	_, err := m.BulkWrite(context.Background(), TableEvents, records(1))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUnavailable))
	assert.Empty(t, m.Written(models.CategoryDetection))

	m.SetUnavailable(nil)
	_, err = m.BulkWrite(context.Background(), TableEvents, records(1))
	assert.NoError(t, err)
}

// TestMemoryClient_commands verifies subscribe delivery and consumed filtering.
func TestMemoryClient_commands(t *testing.T) {
	m := NewMemoryClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.RemoteCommand, 1)
	connected := make(chan struct{})
	go m.Subscribe(ctx, TableCommands, func() { close(connected) }, func(c models.RemoteCommand) { got <- c })
	require.Eventually(t, func() bool { return m.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("subscription not reported as connected")
	}

	cmd := m.InsertCommand(models.RemoteCommand{DeviceID: "dev-1", CommandName: "flush_now"})
	select {
	case c := <-got:
		assert.Equal(t, cmd.CommandID, c.CommandID)
	case <-time.After(time.Second):
		t.Fatal("command not delivered")
	}

	unconsumed := false
	rows, err := m.Query(ctx, TableCommands, Filter{DeviceID: "dev-1", Consumed: &unconsumed})
	require.NoError(t, err)
	cmds, err := CommandsFromRows(rows)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "flush_now", cmds[0].CommandName)

	require.NoError(t, m.MarkConsumed(ctx, cmd.CommandID))
	rows, err = m.Query(ctx, TableCommands, Filter{DeviceID: "dev-1", Consumed: &unconsumed})
	require.NoError(t, err)
	assert.Empty(t, rows)

	cancel()
	require.Eventually(t, func() bool { return m.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

// TestMemoryClient_UpsertDeviceStatus verifies stale heartbeats are ignored.
func TestMemoryClient_UpsertDeviceStatus(t *testing.T) {
	m := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, m.UpsertDeviceStatus(ctx, &models.DeviceStatus{DeviceID: "d", LastHeartbeatAt: 200, FirmwareVersion: "b"}))
	require.NoError(t, m.UpsertDeviceStatus(ctx, &models.DeviceStatus{DeviceID: "d", LastHeartbeatAt: 100, FirmwareVersion: "a"}))

	s, ok := m.DeviceStatus("d")
	require.True(t, ok)
	assert.Equal(t, int64(200), s.LastHeartbeatAt)
	assert.Equal(t, "b", s.FirmwareVersion)
}

// =====================================================
// DynamoClient
// =====================================================

type fakeDynamo struct {
	mu          sync.Mutex
	batchErr    error
	unprocessed int // number of calls that leave the last item unprocessed
	putErr      func(key string) error
	batchCalls  int
	putCalls    int
	queryPages  []*dynamodb.QueryOutput
	queryInputs []*dynamodb.QueryInput
	updates     []*dynamodb.UpdateItemInput
	updateErr   error
}

func (f *fakeDynamo) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := &dynamodb.BatchWriteItemOutput{}
	if f.unprocessed > 0 {
		f.unprocessed--
		for table, reqs := range in.RequestItems {
			out.UnprocessedItems = map[string][]types.WriteRequest{table: reqs[len(reqs)-1:]}
		}
	}
	return out, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	key := in.Item["event_key"].(*types.AttributeValueMemberS).Value
	if f.putErr != nil {
		if err := f.putErr(key); err != nil {
			return nil, err
		}
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *in
	f.queryInputs = append(f.queryInputs, &cp)
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func newTestDynamo(api DynamoAPI) *DynamoClient {
	c := NewDynamoClientWithAPI(api, DynamoOptions{
		EventsTable:   "cortex-events",
		CommandsTable: "cortex-commands",
		StatusTable:   "cortex-status",
		DeviceID:      "dev-1",
	})
	c.backoff = time.Millisecond
	return c
}

// TestDynamoClient_BulkWrite_chunks verifies records are sent in chunks of 25.
func TestDynamoClient_BulkWrite_chunks(t *testing.T) {
	api := &fakeDynamo{}
	c := newTestDynamo(api)

	sum, err := c.BulkWrite(context.Background(), TableEvents, records(60))
	require.NoError(t, err)
	assert.Len(t, sum.Acked, 60)
	assert.True(t, sum.AllAcked())
	assert.Equal(t, 3, api.batchCalls)
	assert.Equal(t, int64(1), sum.Acked[0])
	assert.Equal(t, int64(60), sum.Acked[59])
}

// TestDynamoClient_BulkWrite_unprocessedRetried verifies unprocessed items are resent.
func TestDynamoClient_BulkWrite_unprocessedRetried(t *testing.T) {
	api := &fakeDynamo{unprocessed: 2}
	c := newTestDynamo(api)

	sum, err := c.BulkWrite(context.Background(), TableEvents, records(5))
	require.NoError(t, err)
	assert.Len(t, sum.Acked, 5)
	assert.Equal(t, 3, api.batchCalls)
}

// TestDynamoClient_BulkWrite_unprocessedExhausted verifies persistent throttling is a quota error.
func TestDynamoClient_BulkWrite_unprocessedExhausted(t *testing.T) {
	api := &fakeDynamo{unprocessed: 100}
	c := newTestDynamo(api)

	_, err := c.BulkWrite(context.Background(), TableEvents, records(5))
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteQuota))
	assert.True(t, apperrors.IsTransient(err))
}

// TestDynamoClient_BulkWrite_isolatesValidation verifies only the bad row is rejected.
func TestDynamoClient_BulkWrite_isolatesValidation(t *testing.T) {
	badKey := models.EventKey(models.CategoryDetection, 3)
	api := &fakeDynamo{
		batchErr: &smithy.GenericAPIError{Code: "ValidationException", Message: "item too large"},
		putErr: func(key string) error {
			if key == badKey {
				return &smithy.GenericAPIError{Code: "ValidationException", Message: "item too large"}
			}
			return nil
		},
	}
	c := newTestDynamo(api)

	sum, err := c.BulkWrite(context.Background(), TableEvents, records(5))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 4, 5}, sum.Acked)
	require.Contains(t, sum.Rejected, int64(3))
	assert.Contains(t, sum.Rejected[3], "item too large")
	assert.Equal(t, 5, api.putCalls)
}

// TestClassify verifies AWS error codes map to remote error codes.
func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want apperrors.ErrorCode
	}{
		{"ValidationException", apperrors.ErrRemoteRejected},
		{"ProvisionedThroughputExceededException", apperrors.ErrRemoteQuota},
		{"ThrottlingException", apperrors.ErrRemoteQuota},
		{"UnrecognizedClientException", apperrors.ErrRemoteAuthFailed},
		{"AccessDeniedException", apperrors.ErrRemoteAuthFailed},
		{"ResourceNotFoundException", apperrors.ErrRemoteUnavailable},
		{"InternalServerError", apperrors.ErrRemoteUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify("op", &smithy.GenericAPIError{Code: tt.code})
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}

	assert.Equal(t, apperrors.ErrRemoteUnavailable, apperrors.CodeOf(classify("op", errors.New("dial tcp: timeout"))))
}

// TestDynamoClient_Query verifies key conditions, filters and pagination.
func TestDynamoClient_Query(t *testing.T) {
	api := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				{"command_id": &types.AttributeValueMemberS{Value: "c1"}, "command_name": &types.AttributeValueMemberS{Value: "flush_now"}},
			},
			LastEvaluatedKey: map[string]types.AttributeValue{"command_id": &types.AttributeValueMemberS{Value: "c1"}},
		},
		{
			Items: []map[string]types.AttributeValue{
				{"command_id": &types.AttributeValueMemberS{Value: "c2"}, "command_name": &types.AttributeValueMemberS{Value: "set_log_level"}},
			},
		},
	}}
	c := newTestDynamo(api)

	consumed := false
	rows, err := c.Query(context.Background(), TableCommands, Filter{Consumed: &consumed, Since: 10})
	require.NoError(t, err)

	cmds, err := CommandsFromRows(rows)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, "c2", cmds[1].CommandID)

	require.Len(t, api.queryInputs, 2)
	in := api.queryInputs[0]
	assert.Equal(t, "cortex-commands", *in.TableName)
	assert.Equal(t, "device_id = :d", *in.KeyConditionExpression)
	assert.Equal(t, "issued_at >= :since AND consumed = :consumed", *in.FilterExpression)
	assert.NotNil(t, api.queryInputs[1].ExclusiveStartKey)
}

// TestDynamoClient_UpsertDeviceStatus verifies the write is conditional and stale writes are dropped.
func TestDynamoClient_UpsertDeviceStatus(t *testing.T) {
	api := &fakeDynamo{}
	c := newTestDynamo(api)

	battery := 80.0
	require.NoError(t, c.UpsertDeviceStatus(context.Background(), &models.DeviceStatus{
		DeviceID: "dev-1", LastHeartbeatAt: 500, BatteryPercent: &battery,
	}))
	require.Len(t, api.updates, 1)
	assert.Contains(t, *api.updates[0].ConditionExpression, "last_heartbeat_at <= :hb")
	assert.Contains(t, *api.updates[0].UpdateExpression, "battery_percent = :bat")

	api.updateErr = &types.ConditionalCheckFailedException{Message: new(string)}
	assert.NoError(t, c.UpsertDeviceStatus(context.Background(), &models.DeviceStatus{DeviceID: "dev-1", LastHeartbeatAt: 100}))
}

// TestNewDynamoClient_requiresEndpointAndCredentials verifies fail-closed construction.
func TestNewDynamoClient_requiresEndpointAndCredentials(t *testing.T) {
	_, err := NewDynamoClient(context.Background(), DynamoOptions{Region: "us-east-1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))

	_, err = NewDynamoClient(context.Background(), DynamoOptions{Region: "us-east-1", Endpoint: "http://localhost:8000"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfiguration))
}

// TestDynamoClient_Subscribe_noPush verifies subscribe without push is unavailable.
func TestDynamoClient_Subscribe_noPush(t *testing.T) {
	c := newTestDynamo(&fakeDynamo{})
	err := c.Subscribe(context.Background(), TableCommands, nil, func(models.RemoteCommand) {})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUnavailable))
}

// =====================================================
// PushSubscriber
// =====================================================

func pushServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("device_id") != "dev-1" {
			http.Error(w, "missing device", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// TestPushSubscriber_delivers verifies inserted commands reach the callback.
func TestPushSubscriber_delivers(t *testing.T) {
	srv := pushServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteJSON(PushEnvelope{Type: "other"})
		conn.WriteJSON(PushEnvelope{
			Type:      EventCommandInserted,
			Data:      json.RawMessage(`{"command_id":"c1","device_id":"dev-1","command_name":"flush_now"}`),
			Timestamp: time.Now().Unix(),
		})
		conn.WriteJSON(PushEnvelope{
			Type: EventCommandInserted,
			Data: json.RawMessage(`{"command_id":"c2","device_id":"other","command_name":"flush_now"}`),
		})
		time.Sleep(200 * time.Millisecond)
	})

	p := NewPushSubscriber(wsURL(srv), "secret", "dev-1")
	var mu sync.Mutex
	var got []string
	connected := false
	err := p.Subscribe(context.Background(), TableCommands, func() { connected = true }, func(c models.RemoteCommand) {
		mu.Lock()
		got = append(got, c.CommandID)
		mu.Unlock()
	})

	// server closes after sending, which is a dropped channel
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUnavailable))
	assert.True(t, connected)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1"}, got)
}

// TestPushSubscriber_cancel verifies cancellation returns nil.
func TestPushSubscriber_cancel(t *testing.T) {
	srv := pushServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewPushSubscriber(wsURL(srv), "secret", "dev-1").Subscribe(ctx, TableCommands, nil, func(models.RemoteCommand) {})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}
}

// TestPushSubscriber_authFailure verifies a refused handshake is an auth error.
func TestPushSubscriber_authFailure(t *testing.T) {
	srv := pushServer(t, func(*websocket.Conn) {})

	connected := false
	err := NewPushSubscriber(wsURL(srv), "wrong", "dev-1").Subscribe(context.Background(), TableCommands,
		func() { connected = true }, func(models.RemoteCommand) {})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteAuthFailed))
	assert.False(t, connected)
}
