package eventstore

import (
	"context"
	"time"

	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/commands"
	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/logging"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// Built-in remote command names.
const (
	CommandSetSyncInterval = "set_sync_interval"
	CommandFlushNow        = "flush_now"
	CommandSetMaxLocalRows = "set_max_local_rows"
	CommandSetLogLevel     = "set_log_level"
)

func (s *Store) registerBuiltins() {
	s.listener.Register(CommandSetSyncInterval, s.handleSetSyncInterval)
	s.listener.Register(CommandFlushNow, s.handleFlushNow)
	s.listener.Register(CommandSetMaxLocalRows, s.handleSetMaxLocalRows)
	s.listener.Register(CommandSetLogLevel, s.handleSetLogLevel)
}

func (s *Store) handleSetSyncInterval(ctx context.Context, name string, params map[string]interface{}) error {
	var p struct {
		Seconds float64 `json:"seconds"`
	}
	if err := commands.DecodeParams(params, &p); err != nil {
		return err
	}
	return s.SetSyncInterval(time.Duration(p.Seconds * float64(time.Second)))
}

func (s *Store) handleFlushNow(ctx context.Context, name string, params map[string]interface{}) error {
	s.worker.Signal()
	return nil
}

func (s *Store) handleSetMaxLocalRows(ctx context.Context, name string, params map[string]interface{}) error {
	var p struct {
		Category string `json:"category"`
		Rows     int64  `json:"rows"`
	}
	if err := commands.DecodeParams(params, &p); err != nil {
		return err
	}
	return s.SetMaxLocalRows(models.Category(p.Category), p.Rows)
}

func (s *Store) handleSetLogLevel(ctx context.Context, name string, params map[string]interface{}) error {
	var p struct {
		Level string `json:"level"`
	}
	if err := commands.DecodeParams(params, &p); err != nil {
		return err
	}
	level, ok := logging.ParseLevel(p.Level)
	if !ok {
		return apperrors.Newf(apperrors.ErrValidation, "unknown log level %q", p.Level)
	}
	logging.Get().SetLevel(level)
	return nil
}
