package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// Push message types.
const (
	EventCommandInserted = "command.inserted"
)

const (
	pushWriteWait = 10 * time.Second
	pushPongWait  = 60 * time.Second
)

// PushEnvelope wraps every message on the push channel.
type PushEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// PushSubscriber receives row inserts over a websocket.
type PushSubscriber struct {
	URL      string
	Token    string
	DeviceID string
	Dialer   *websocket.Dialer
	PongWait time.Duration
}

// NewPushSubscriber creates a subscriber for the websocket endpoint rawURL.
func NewPushSubscriber(rawURL, token, deviceID string) *PushSubscriber {
	return &PushSubscriber{
		URL:      rawURL,
		Token:    token,
		DeviceID: deviceID,
		Dialer:   websocket.DefaultDialer,
		PongWait: pushPongWait,
	}
}

func (p *PushSubscriber) endpoint(table string) (string, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("device_id", p.DeviceID)
	q.Set("table", table)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe connects and delivers inserted commands until ctx is done
// (returns nil) or the connection drops (returns REMOTE_UNAVAILABLE).
func (p *PushSubscriber) Subscribe(ctx context.Context, table string, onConnected func(), onInsert func(models.RemoteCommand)) error {
	endpoint, err := p.endpoint(table)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfiguration, "invalid push url", err)
	}

	header := http.Header{}
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}

	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperrors.Wrap(apperrors.ErrRemoteAuthFailed, "push channel refused credentials", err)
		}
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "failed to open push channel", err)
	}

	pongWait := p.PongWait
	if pongWait <= 0 {
		pongWait = pushPongWait
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker((pongWait * 9) / 10)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(pushWriteWait))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pushWriteWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		close(done)
		conn.Close()
		wg.Wait()
	}()

	log := logging.Get().WithComponent("push")
	log.Info("Push channel connected", map[string]interface{}{"table": table})
	if onConnected != nil {
		onConnected()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "push channel lost", err)
		}

		var env PushEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("Dropping malformed push message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if env.Type != EventCommandInserted {
			continue
		}
		var cmd models.RemoteCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			log.Warn("Dropping malformed command", map[string]interface{}{"error": err.Error()})
			continue
		}
		if cmd.DeviceID != "" && p.DeviceID != "" && cmd.DeviceID != p.DeviceID {
			continue
		}
		onInsert(cmd)
	}
}
