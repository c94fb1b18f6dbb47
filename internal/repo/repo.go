package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsloop/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrNoClaimableStep is the expected outcome of losing a claim race or
// polling an empty queue. Callers back off and retry.
var ErrNoClaimableStep = errors.New("no claimable step")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- Proposals ---

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,agent_id,kind,title,body,status,policy_snapshot,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.AgentID, p.Kind, p.Title, nullable(p.Body), p.Status, p.PolicySnapshot, p.CreatedAt, nullableStringPtr(p.DecidedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT id,agent_id,kind,title,body,status,policy_snapshot,created_at,decided_at FROM proposals WHERE id=?`, id))
}

func scanProposal(row *sql.Row) (domain.Proposal, error) {
	var p domain.Proposal
	var body, decidedAt sql.NullString
	err := row.Scan(&p.ID, &p.AgentID, &p.Kind, &p.Title, &body, &p.Status, &p.PolicySnapshot, &p.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if body.Valid {
		p.Body = body.String
	}
	if decidedAt.Valid {
		p.DecidedAt = &decidedAt.String
	}
	return p, nil
}

type ProposalFilters struct {
	Status  string
	Kind    string
	AgentID string
	Limit   int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,agent_id,kind,title,body,status,policy_snapshot,created_at,decided_at FROM proposals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		var body, decidedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Kind, &p.Title, &body, &p.Status, &p.PolicySnapshot, &p.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		if body.Valid {
			p.Body = body.String
		}
		if decidedAt.Valid {
			p.DecidedAt = &decidedAt.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DecideProposal moves a pending proposal to its decided status and stamps
// decided_at. The conditional WHERE keeps decisions single-shot: deciding an
// already-decided proposal reports ErrNotFound.
func (r Repo) DecideProposal(ctx context.Context, tx *sql.Tx, id, status, decidedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, decided_at=? WHERE id=? AND status='pending'`,
		status, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountProposalsByAgentSince counts an agent's proposals created at or after
// the cutoff, inside the caller's gate transaction.
func (r Repo) CountProposalsByAgentSince(ctx context.Context, tx *sql.Tx, agentID, since string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE agent_id=? AND created_at>=?`, agentID, since).Scan(&n)
	return n, err
}

// CountProposalsByKindSince counts proposals of one kind created at or after
// the cutoff, inside the caller's gate transaction.
func (r Repo) CountProposalsByKindSince(ctx context.Context, tx *sql.Tx, kind, since string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals WHERE kind=? AND created_at>=?`, kind, since).Scan(&n)
	return n, err
}

// --- Missions ---

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,proposal_id,title,status,created_at,completed_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ProposalID, m.Title, m.Status, m.CreatedAt, nullableStringPtr(m.CompletedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	var m domain.Mission
	var completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,proposal_id,title,status,created_at,completed_at FROM missions WHERE id=?`, id).
		Scan(&m.ID, &m.ProposalID, &m.Title, &m.Status, &m.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func (r Repo) ListMissions(ctx context.Context, status string, limit int) ([]domain.Mission, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,proposal_id,title,status,created_at,completed_at FROM missions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		var m domain.Mission
		var completedAt sql.NullString
		if err := rows.Scan(&m.ID, &m.ProposalID, &m.Title, &m.Status, &m.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			m.CompletedAt = &completedAt.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// FinalizeMission conditionally moves an active mission to its terminal
// status. Returns false when another finalizer got there first.
func (r Repo) FinalizeMission(ctx context.Context, tx *sql.Tx, id, status, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status=?, completed_at=? WHERE id=? AND status='active'`,
		status, completedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MissionStepCounts aggregates step statuses for one mission.
type MissionStepCounts struct {
	Total     int
	Completed int
	Failed    int
}

// UnfinalizedMissionIDs returns active missions whose steps have all reached
// a terminal state. These show up when a worker dies between committing its
// last step and running the finalize check.
func (r Repo) UnfinalizedMissionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT m.id FROM missions m
WHERE m.status='active'
AND EXISTS (SELECT 1 FROM steps s WHERE s.mission_id=m.id)
AND NOT EXISTS (SELECT 1 FROM steps s WHERE s.mission_id=m.id AND s.status IN ('queued','running'))
ORDER BY m.created_at ASC, m.id ASC`)
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

func (r Repo) CountMissionSteps(ctx context.Context, tx *sql.Tx, missionID string) (MissionStepCounts, error) {
	var c MissionStepCounts
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0)
FROM steps WHERE mission_id=?`, missionID).Scan(&c.Total, &c.Completed, &c.Failed)
	return c, err
}

// --- Policy store ---

func (r Repo) GetPolicy(ctx context.Context, key string) (domain.PolicyEntry, error) {
	var p domain.PolicyEntry
	err := r.DB.QueryRowContext(ctx, `SELECT key,value_json,updated_at FROM policy WHERE key=?`, key).
		Scan(&p.Key, &p.ValueJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) SetPolicy(ctx context.Context, key, valueJSON string) error {
	var tmp any
	if err := json.Unmarshal([]byte(valueJSON), &tmp); err != nil {
		return fmt.Errorf("policy value for %s is not valid JSON: %w", key, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO policy(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, key, valueJSON, now)
	return err
}

func (r Repo) ListPolicies(ctx context.Context) ([]domain.PolicyEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json,updated_at FROM policy ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PolicyEntry
	for rows.Next() {
		var p domain.PolicyEntry
		if err := rows.Scan(&p.Key, &p.ValueJSON, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SnapshotPolicies captures the whole policy table as key→value JSON, read
// inside the gate transaction so the audit snapshot matches what the gates
// actually saw.
func (r Repo) SnapshotPolicies(ctx context.Context, tx *sql.Tx) (string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key,value_json FROM policy ORDER BY key`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	snapshot := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return "", err
		}
		snapshot[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetPolicyTx reads one policy value inside the gate transaction.
func (r Repo) GetPolicyTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var value string
	err := tx.QueryRowContext(ctx, `SELECT value_json FROM policy WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// --- Action runs ---

func (r Repo) InsertActionRun(ctx context.Context, a domain.ActionRun) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO action_runs(id,action,status,details_json,duration_ms,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Action, a.Status, a.DetailsJSON, a.DurationMS, a.CreatedAt)
	return err
}

func (r Repo) ListActionRuns(ctx context.Context, limit int) ([]domain.ActionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,action,status,details_json,duration_ms,created_at FROM action_runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionRun
	for rows.Next() {
		var a domain.ActionRun
		if err := rows.Scan(&a.ID, &a.Action, &a.Status, &a.DetailsJSON, &a.DurationMS, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- Events (read side; writes go through events.Writer) ---

// LatestEvents returns the newest events, optionally filtered by kind.
func (r Repo) LatestEvents(ctx context.Context, limit int, kind string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	query := `SELECT id,kind,source,payload_json,ts FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order. This is the high-water-mark read path for trigger evaluation.
func (r Repo) EventsAfter(ctx context.Context, cursor int64, kind string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	query := `SELECT id,kind,source,payload_json,ts FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event sequence number.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Source, &e.Payload, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
