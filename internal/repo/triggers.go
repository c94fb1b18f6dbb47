package repo

import (
	"context"
	"database/sql"

	"opsloop/internal/domain"
)

func (r Repo) InsertTrigger(ctx context.Context, t domain.Trigger) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO triggers(id,name,event_kind,condition_json,action_json,enabled,cooldown_s,last_fired,last_event_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.EventKind, t.ConditionJSON, t.ActionJSON, boolToInt(t.Enabled), t.CooldownS,
		nullableStringPtr(t.LastFired), t.LastEventID, t.CreatedAt)
	return err
}

func (r Repo) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,event_kind,condition_json,action_json,enabled,cooldown_s,last_fired,last_event_id,created_at FROM triggers WHERE id=?`, id)
	return scanTriggerRow(row)
}

func scanTriggerRow(row *sql.Row) (domain.Trigger, error) {
	var t domain.Trigger
	var enabled int
	var lastFired sql.NullString
	err := row.Scan(&t.ID, &t.Name, &t.EventKind, &t.ConditionJSON, &t.ActionJSON, &enabled, &t.CooldownS, &lastFired, &t.LastEventID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Enabled = enabled != 0
	if lastFired.Valid {
		t.LastFired = &lastFired.String
	}
	return t, nil
}

// ListTriggers returns triggers in a stable order by id so every evaluation
// pass visits them identically.
func (r Repo) ListTriggers(ctx context.Context, enabledOnly bool) ([]domain.Trigger, error) {
	query := `SELECT id,name,event_kind,condition_json,action_json,enabled,cooldown_s,last_fired,last_event_id,created_at FROM triggers`
	if enabledOnly {
		query += ` WHERE enabled=1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var enabled int
		var lastFired sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.EventKind, &t.ConditionJSON, &t.ActionJSON, &enabled, &t.CooldownS, &lastFired, &t.LastEventID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Enabled = enabled != 0
		if lastFired.Valid {
			t.LastFired = &lastFired.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTriggerFired advances both the cooldown clock and the event watermark.
func (r Repo) MarkTriggerFired(ctx context.Context, tx *sql.Tx, id, lastFired string, lastEventID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE triggers SET last_fired=?, last_event_id=? WHERE id=?`, lastFired, lastEventID, id)
	return err
}

// AdvanceTriggerWatermark moves the watermark without firing, so events
// suppressed by cooldown are not re-scanned next tick.
func (r Repo) AdvanceTriggerWatermark(ctx context.Context, id string, lastEventID int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE triggers SET last_event_id=? WHERE id=? AND last_event_id<?`, lastEventID, id, lastEventID)
	return err
}

func (r Repo) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE triggers SET enabled=? WHERE id=?`, boolToInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Reactions ---

func (r Repo) InsertReaction(ctx context.Context, tx *sql.Tx, re domain.Reaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reactions(id,trigger_id,status,payload_json,created_at,processed_at) VALUES (?,?,?,?,?,?)`,
		re.ID, re.TriggerID, re.Status, re.PayloadJSON, re.CreatedAt, nullableStringPtr(re.ProcessedAt))
	return err
}

// ClaimReaction claims the oldest queued reaction, using the same single
// conditional UPDATE discipline as step claiming.
func (r Repo) ClaimReaction(ctx context.Context) (domain.Reaction, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE reactions SET status='processing'
WHERE id = (SELECT id FROM reactions WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT 1)
AND status='queued'
RETURNING id,trigger_id,status,payload_json,created_at,processed_at`)
	return scanReactionRow(row)
}

func scanReactionRow(row *sql.Row) (domain.Reaction, error) {
	var re domain.Reaction
	var processedAt sql.NullString
	err := row.Scan(&re.ID, &re.TriggerID, &re.Status, &re.PayloadJSON, &re.CreatedAt, &processedAt)
	if err == sql.ErrNoRows {
		return re, ErrNotFound
	}
	if err != nil {
		return re, err
	}
	if processedAt.Valid {
		re.ProcessedAt = &processedAt.String
	}
	return re, nil
}

// FinishReaction moves a processing reaction to completed or failed.
func (r Repo) FinishReaction(ctx context.Context, id, status, processedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE reactions SET status=?, processed_at=? WHERE id=? AND status='processing'`,
		status, processedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListReactions(ctx context.Context, status string, limit int) ([]domain.Reaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,trigger_id,status,payload_json,created_at,processed_at FROM reactions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reaction
	for rows.Next() {
		var re domain.Reaction
		var processedAt sql.NullString
		if err := rows.Scan(&re.ID, &re.TriggerID, &re.Status, &re.PayloadJSON, &re.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			re.ProcessedAt = &processedAt.String
		}
		res = append(res, re)
	}
	return res, rows.Err()
}
