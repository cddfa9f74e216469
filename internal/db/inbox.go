package db

import (
	"context"
	"database/sql"
	"encoding/json"

	apperrors "github.com/IRSPlays/ProjectCortexV2-sub000/internal/errors"
	"github.com/IRSPlays/ProjectCortexV2-sub000/internal/models"
)

// RecordCommand mirrors a delivered command into the inbox. It returns false
// when the command id was already recorded (a redelivery).
func (r *Repository) RecordCommand(ctx context.Context, cmd *models.RemoteCommand) (bool, error) {
	params, err := json.Marshal(cmd.Parameters)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrValidation, "encode command parameters", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO command_inbox (command_id, command_name, parameters, issued_at, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO NOTHING`,
		cmd.CommandID, cmd.CommandName, string(params), cmd.IssuedAt, r.now().UnixMilli())
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrPersistence, "record command", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetInboxEntry returns the inbox row for commandID.
func (r *Repository) GetInboxEntry(ctx context.Context, commandID string) (*models.InboxEntry, error) {
	var (
		e        models.InboxEntry
		params   string
		consumed int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT command_id, command_name, parameters, issued_at, received_at, handled_at, consumed_synced, last_error
		FROM command_inbox WHERE command_id = ?`, commandID).
		Scan(&e.CommandID, &e.CommandName, &params, &e.IssuedAt, &e.ReceivedAt, &e.HandledAt, &consumed, &e.LastError)
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "command %s not in inbox", commandID)
	}
	if err != nil {
		return nil, err
	}
	e.Parameters = []byte(params)
	e.ConsumedSynced = consumed == 1
	return &e, nil
}

// MarkCommandHandled records that the local handler completed.
func (r *Repository) MarkCommandHandled(ctx context.Context, commandID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE command_inbox SET handled_at = ?, last_error = '' WHERE command_id = ? AND handled_at = 0`,
		r.now().UnixMilli(), commandID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "mark command handled", err)
	}
	return nil
}

// MarkCommandExpired closes out a command that expired before it was handled.
// It is acknowledged to the remote like a handled command.
func (r *Repository) MarkCommandExpired(ctx context.Context, commandID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE command_inbox SET handled_at = ?, last_error = 'expired' WHERE command_id = ? AND handled_at = 0`,
		r.now().UnixMilli(), commandID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "mark command expired", err)
	}
	return nil
}

// MarkCommandError records why handling a command did not complete.
func (r *Repository) MarkCommandError(ctx context.Context, commandID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE command_inbox SET last_error = ? WHERE command_id = ?`, reason, commandID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "mark command error", err)
	}
	return nil
}

// MarkCommandConsumedSynced records that the remote accepted the consumed flag.
func (r *Repository) MarkCommandConsumedSynced(ctx context.Context, commandID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE command_inbox SET consumed_synced = 1 WHERE command_id = ?`, commandID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersistence, "mark command consumed", err)
	}
	return nil
}

// PendingConsumedAcks lists handled commands whose consumed flag has not
// reached the remote yet, oldest first.
func (r *Repository) PendingConsumedAcks(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT command_id FROM command_inbox
		WHERE handled_at > 0 AND consumed_synced = 0
		ORDER BY handled_at ASC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
