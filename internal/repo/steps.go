package repo

import (
	"context"
	"database/sql"

	"opsloop/internal/domain"
)

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(id,mission_id,kind,title,input_json,output_json,status,worker_id,claimed_at,completed_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.MissionID, s.Kind, s.Title, nullableStringPtr(s.InputJSON), nullableStringPtr(s.OutputJSON),
		s.Status, nullableStringPtr(s.WorkerID), nullableStringPtr(s.ClaimedAt), nullableStringPtr(s.CompletedAt), s.CreatedAt)
	return err
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,mission_id,kind,title,input_json,output_json,status,worker_id,claimed_at,completed_at,created_at FROM steps WHERE id=?`, id)
	return scanStepRow(row)
}

func scanStepRow(row *sql.Row) (domain.Step, error) {
	var s domain.Step
	var input, output, workerID, claimedAt, completedAt sql.NullString
	err := row.Scan(&s.ID, &s.MissionID, &s.Kind, &s.Title, &input, &output, &s.Status, &workerID, &claimedAt, &completedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	applyStepNulls(&s, input, output, workerID, claimedAt, completedAt)
	return s, nil
}

func applyStepNulls(s *domain.Step, input, output, workerID, claimedAt, completedAt sql.NullString) {
	if input.Valid {
		s.InputJSON = &input.String
	}
	if output.Valid {
		s.OutputJSON = &output.String
	}
	if workerID.Valid {
		s.WorkerID = &workerID.String
	}
	if claimedAt.Valid {
		s.ClaimedAt = &claimedAt.String
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
}

func (r Repo) ListStepsByMission(ctx context.Context, missionID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,kind,title,input_json,output_json,status,worker_id,claimed_at,completed_at,created_at FROM steps WHERE mission_id=? ORDER BY created_at ASC, id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var input, output, workerID, claimedAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.MissionID, &s.Kind, &s.Title, &input, &output, &s.Status, &workerID, &claimedAt, &completedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		applyStepNulls(&s, input, output, workerID, claimedAt, completedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClaimStep atomically claims the oldest queued step of the given kind for
// one worker. The whole claim is a single conditional UPDATE: the subquery
// picks a candidate and the status guard re-checks it, so under concurrent
// contention exactly one caller transitions the row to running and everyone
// else gets ErrNoClaimableStep.
func (r Repo) ClaimStep(ctx context.Context, kind, workerID, claimedAt string) (domain.Step, error) {
	row := r.DB.QueryRowContext(ctx, `UPDATE steps SET status='running', worker_id=?, claimed_at=?
WHERE id = (SELECT id FROM steps WHERE status='queued' AND kind=? ORDER BY created_at ASC, id ASC LIMIT 1)
AND status='queued'
RETURNING id,mission_id,kind,title,input_json,output_json,status,worker_id,claimed_at,completed_at,created_at`,
		workerID, claimedAt, kind)
	s, err := scanStepRow(row)
	if err == ErrNotFound {
		return s, ErrNoClaimableStep
	}
	return s, err
}

// CompleteStep moves a running step to completed with its output. The status
// guard makes terminal transitions single-shot: re-completing a finished step
// reports ErrNotFound and never double-applies output.
func (r Repo) CompleteStep(ctx context.Context, tx *sql.Tx, id, outputJSON, completedAt string) error {
	return r.finishStep(ctx, tx, id, domain.StepCompleted, outputJSON, completedAt)
}

// FailStep moves a running step to failed, recording the failure detail in
// the output column.
func (r Repo) FailStep(ctx context.Context, tx *sql.Tx, id, outputJSON, completedAt string) error {
	return r.finishStep(ctx, tx, id, domain.StepFailed, outputJSON, completedAt)
}

func (r Repo) finishStep(ctx context.Context, tx *sql.Tx, id, status, outputJSON, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, output_json=?, completed_at=? WHERE id=? AND status='running'`,
		status, outputJSON, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleRunningSteps returns steps still running whose claim is older than the
// cutoff. Only the recovery sweep calls this; workers never self-diagnose.
func (r Repo) StaleRunningSteps(ctx context.Context, cutoff string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,mission_id,kind,title,input_json,output_json,status,worker_id,claimed_at,completed_at,created_at
FROM steps WHERE status='running' AND claimed_at < ? ORDER BY claimed_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var input, output, workerID, claimedAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.MissionID, &s.Kind, &s.Title, &input, &output, &s.Status, &workerID, &claimedAt, &completedAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		applyStepNulls(&s, input, output, workerID, claimedAt, completedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}
