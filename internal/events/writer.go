package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the event log. The log is append-only: rows are never
// updated or deleted, and the AUTOINCREMENT id is the ordering sequence.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside an open transaction so that state changes
// and the facts about them commit together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, kind, source string, payload EventPayload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(kind,source,payload_json,ts) VALUES (?,?,?,?)`,
		kind, source, data, ts)
	return err
}

// AppendDirect records an event outside any transaction. Used by producers
// that have no surrounding write (workers between claims, the file bridge).
func (w Writer) AppendDirect(ctx context.Context, kind, source string, payload EventPayload) error {
	ts, data, err := w.encode(payload)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(kind,source,payload_json,ts) VALUES (?,?,?,?)`,
		kind, source, data, ts)
	return err
}

func (w Writer) encode(payload EventPayload) (string, string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	return ts, string(data), nil
}
