// Package commands receives remote commands addressed to this device and
// dispatches them to registered handlers exactly once per command id.
package commands

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/remote"
)

// Handler applies one command. A returned error leaves the command
// unconsumed so it is delivered again.
type Handler func(ctx context.Context, name string, params map[string]interface{}) error

// Inbox is the local command mirror.
type Inbox interface {
	RecordCommand(ctx context.Context, cmd *models.RemoteCommand) (bool, error)
	GetInboxEntry(ctx context.Context, commandID string) (*models.InboxEntry, error)
	MarkCommandHandled(ctx context.Context, commandID string) error
	MarkCommandExpired(ctx context.Context, commandID string) error
	MarkCommandError(ctx context.Context, commandID, reason string) error
	MarkCommandConsumedSynced(ctx context.Context, commandID string) error
}

// Config holds listener timing.
type Config struct {
	DeviceID        string
	PollInterval    time.Duration // default 60s
	ResubscribeBase time.Duration // default 5s
	ResubscribeCap  time.Duration // default 5m
}

// Listener keeps a push subscription open and falls back to polling while
// the push channel is down.
type Listener struct {
	inbox  Inbox
	client remote.Client
	cfg    Config
	log    *logging.Logger
	now    func() time.Time

	mu        sync.RWMutex
	handlers  map[string]Handler
	pushUp    bool
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	deliverMu sync.Mutex // one delivery at a time
}

// NewListener creates a Listener.
func NewListener(inbox Inbox, client remote.Client, cfg Config) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ResubscribeBase <= 0 {
		cfg.ResubscribeBase = 5 * time.Second
	}
	if cfg.ResubscribeCap <= 0 {
		cfg.ResubscribeCap = 5 * time.Minute
	}
	return &Listener{
		inbox:    inbox,
		client:   client,
		cfg:      cfg,
		log:      logging.Get().WithComponent("commands"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
}

// Register installs the handler for name, replacing any previous one.
func (l *Listener) Register(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

func (l *Listener) handler(name string) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[name]
	return h, ok
}

// PushConnected reports whether the push subscription is currently open.
func (l *Listener) PushConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pushUp
}

func (l *Listener) setPushUp(up bool) {
	l.mu.Lock()
	l.pushUp = up
	l.mu.Unlock()
}

// =====================================================
// Lifecycle
// =====================================================

// Start launches the subscription and polling loops.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.isRunning {
		l.mu.Unlock()
		return
	}
	l.isRunning = true
	l.stopCh = make(chan struct{})
	stopCh := l.stopCh
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	l.wg.Add(3)
	go func() {
		defer l.wg.Done()
		select {
		case <-stopCh:
		case <-runCtx.Done():
		}
		cancel()
	}()
	go l.subscribeLoop(runCtx)
	go l.pollLoop(runCtx)

	l.log.Info("Command listener started", nil)
}

// Stop ends both loops and waits for an in-flight delivery.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.isRunning {
		l.mu.Unlock()
		return
	}
	l.isRunning = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()
	l.setPushUp(false)
	l.log.Info("Command listener stopped", nil)
}

func (l *Listener) subscribeLoop(ctx context.Context) {
	defer l.wg.Done()

	failures := 0
	for {
		err := l.client.Subscribe(ctx, remote.TableCommands, func() {
			l.setPushUp(true)
			failures = 0
		}, func(cmd models.RemoteCommand) {
			l.Deliver(ctx, cmd)
		})
		l.setPushUp(false)
		if ctx.Err() != nil {
			return
		}

		failures++
		wait := l.cfg.ResubscribeBase * time.Duration(int64(1)<<uint(minInt(failures-1, 16)))
		if wait > l.cfg.ResubscribeCap {
			wait = l.cfg.ResubscribeCap
		}
		fields := map[string]interface{}{"retry_in_s": wait.Seconds()}
		if err != nil {
			fields["error"] = err.Error()
		}
		l.log.Warn("Push channel down, polling for commands", fields)

		// Catch up on anything missed while disconnected.
		l.Poll(ctx)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer l.wg.Done()

	// Commands issued while the device was off are picked up at start.
	l.Poll(ctx)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.PushConnected() {
				continue
			}
			l.Poll(ctx)
		}
	}
}

// =====================================================
// Delivery
// =====================================================

// Poll queries unconsumed commands and delivers each one. It returns the
// number of commands handled in this call.
func (l *Listener) Poll(ctx context.Context) int {
	consumed := false
	rows, err := l.client.Query(ctx, remote.TableCommands, remote.Filter{
		DeviceID: l.cfg.DeviceID,
		Consumed: &consumed,
	})
	if err != nil {
		l.log.Debug("Command poll failed", map[string]interface{}{"error": err.Error()})
		return 0
	}
	cmds, err := remote.CommandsFromRows(rows)
	if err != nil {
		l.log.Error("Failed to decode polled commands", err)
		return 0
	}

	handled := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		if l.Deliver(ctx, cmd) == nil {
			handled++
		}
	}
	return handled
}

// Deliver runs the handler for cmd at most once per command id. Redelivered
// commands that were already handled only retry the remote consumed flag.
func (l *Listener) Deliver(ctx context.Context, cmd models.RemoteCommand) error {
	l.deliverMu.Lock()
	defer l.deliverMu.Unlock()

	if cmd.CommandID == "" {
		return apperrors.New(apperrors.ErrValidation, "command without id")
	}
	if cmd.DeviceID != "" && l.cfg.DeviceID != "" && cmd.DeviceID != l.cfg.DeviceID {
		return apperrors.Newf(apperrors.ErrValidation, "command %s addressed to %s", cmd.CommandID, cmd.DeviceID)
	}

	fields := map[string]interface{}{
		"command_id":   cmd.CommandID,
		"command_name": cmd.CommandName,
	}

	if _, err := l.inbox.RecordCommand(ctx, &cmd); err != nil {
		l.log.Error("Failed to record command", err, fields)
		return err
	}
	entry, err := l.inbox.GetInboxEntry(ctx, cmd.CommandID)
	if err != nil {
		return err
	}
	if entry.Handled() {
		if !entry.ConsumedSynced {
			l.ackConsumed(ctx, cmd.CommandID)
		}
		return nil
	}

	if cmd.Expired(l.now().UnixMilli()) {
		l.log.Info("Discarding expired command", fields)
		if err := l.inbox.MarkCommandExpired(ctx, cmd.CommandID); err != nil {
			return err
		}
		l.ackConsumed(ctx, cmd.CommandID)
		return nil
	}

	h, ok := l.handler(cmd.CommandName)
	if !ok {
		err := apperrors.Newf(apperrors.ErrHandlerNotFound, "no handler for command %q", cmd.CommandName)
		l.log.Warn("Unknown command left unconsumed", fields)
		l.recordError(ctx, cmd.CommandID, err)
		return err
	}

	params := cmd.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := h(ctx, cmd.CommandName, params); err != nil {
		l.log.Error("Command handler failed", err, fields)
		l.recordError(ctx, cmd.CommandID, err)
		return err
	}

	if err := l.inbox.MarkCommandHandled(ctx, cmd.CommandID); err != nil {
		return err
	}
	l.log.Info("Command handled", fields)
	l.ackConsumed(ctx, cmd.CommandID)
	return nil
}

func (l *Listener) recordError(ctx context.Context, commandID string, cause error) {
	if err := l.inbox.MarkCommandError(ctx, commandID, cause.Error()); err != nil {
		l.log.Warn("Failed to record command error", map[string]interface{}{"error": err.Error()})
	}
}

// ackConsumed tells the remote the command is done. Failures are left for
// the sync worker, which retries pending acks from the inbox.
func (l *Listener) ackConsumed(ctx context.Context, commandID string) {
	if err := l.client.MarkConsumed(ctx, commandID); err != nil {
		l.log.Debug("Consumed flag deferred", map[string]interface{}{
			"command_id": commandID,
			"error":      err.Error(),
		})
		return
	}
	if err := l.inbox.MarkCommandConsumedSynced(ctx, commandID); err != nil {
		l.log.Warn("Failed to record consumed flag", map[string]interface{}{"error": err.Error()})
	}
}

// DecodeParams converts command parameters into dst via JSON.
func DecodeParams(params map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "encode parameters", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid parameters", err)
	}
	return nil
}
