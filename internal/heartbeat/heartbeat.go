package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/events"
	"opsloop/internal/policy"
	"opsloop/internal/repo"
	"opsloop/internal/trigger"
)

const source = "heartbeat"

// Action is one unit of periodic maintenance. Its details map is persisted
// on the action run row.
type Action struct {
	Name string
	Run  func(ctx context.Context) (map[string]any, error)
}

// Scheduler runs the maintenance actions on every tick, in a fixed order,
// each isolated from the others' failures. Every action execution leaves an
// action run row behind, success or not.
type Scheduler struct {
	Engine  engine.Engine
	Trigger trigger.Evaluator
	actions []Action
}

func New(eng engine.Engine) *Scheduler {
	s := &Scheduler{
		Engine:  eng,
		Trigger: trigger.Evaluator{Engine: eng},
	}
	s.actions = []Action{
		{Name: "recover_stale_steps", Run: s.recoverStaleSteps},
		{Name: "finalize_missions", Run: s.finalizeMissions},
		{Name: "evaluate_triggers", Run: s.evaluateTriggers},
		{Name: "process_reactions", Run: s.processReactions},
		{Name: "log_heartbeat", Run: s.logHeartbeat},
	}
	return s
}

// Register appends a custom action to the end of the tick sequence.
func (s *Scheduler) Register(a Action) {
	s.actions = append(s.actions, a)
}

func (s *Scheduler) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now()
	}
	return time.Now()
}

// Tick runs every action once. An action failure is recorded and logged but
// never stops the remaining actions.
func (s *Scheduler) Tick(ctx context.Context) error {
	var firstErr error
	for _, a := range s.actions {
		if err := s.runAction(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Scheduler) runAction(ctx context.Context, a Action) error {
	startedAt := s.now().UTC().Format(time.RFC3339)
	start := time.Now()
	details, err := a.Run(ctx)
	elapsed := time.Since(start)

	run := domain.ActionRun{
		ID:         uuid.New().String(),
		Action:     a.Name,
		Status:     "ok",
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  startedAt,
	}
	if details == nil {
		details = map[string]any{}
	}
	if err != nil {
		run.Status = "error"
		details["error"] = err.Error()
		slog.Error("heartbeat action failed", "action", a.Name, "error", err)
	}
	data, mErr := json.Marshal(details)
	if mErr != nil {
		data = []byte(`{}`)
	}
	run.DetailsJSON = string(data)

	if insErr := s.Engine.Repo.InsertActionRun(ctx, run); insErr != nil {
		slog.Error("record action run failed", "action", a.Name, "error", insErr)
	}
	return err
}

// Run ticks immediately, then on the given interval until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	slog.Info("heartbeat started", "interval", interval)
	if err := s.Tick(ctx); err != nil {
		slog.Error("heartbeat tick failed", "error", err)
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := s.Tick(ctx); err != nil {
			slog.Error("heartbeat tick failed", "error", err)
		}
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// staleTimeout reads the stale-step policy, defaulting to 30 minutes.
func (s *Scheduler) staleTimeout(ctx context.Context) time.Duration {
	entry, err := s.Engine.Repo.GetPolicy(ctx, policy.KeyStaleStepTimeout)
	if errors.Is(err, repo.ErrNotFound) {
		return 30 * time.Minute
	}
	if err != nil {
		return 30 * time.Minute
	}
	t, err := policy.DecodeStaleStepTimeout(entry.ValueJSON)
	if err != nil || t.Minutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(t.Minutes) * time.Minute
}

// recoverStaleSteps fails running steps whose claim outlived the timeout and
// queues a fresh copy of each, so a crashed worker's work is retried rather
// than lost. The dead step keeps its row for the audit trail.
func (s *Scheduler) recoverStaleSteps(ctx context.Context) (map[string]any, error) {
	timeout := s.staleTimeout(ctx)
	cutoff := s.now().UTC().Add(-timeout).Format(time.RFC3339)
	stale, err := s.Engine.Repo.StaleRunningSteps(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	recovered := 0
	for _, step := range stale {
		if err := s.recoverOne(ctx, step, timeout); err != nil {
			slog.Error("stale step recovery failed", "step_id", step.ID, "error", err)
			continue
		}
		recovered++
	}
	return map[string]any{"stale": len(stale), "recovered": recovered}, nil
}

func (s *Scheduler) recoverOne(ctx context.Context, step domain.Step, timeout time.Duration) error {
	now := s.now().UTC().Format(time.RFC3339)
	detail, _ := json.Marshal(map[string]any{
		"error":       "stale claim recovered",
		"worker_id":   step.WorkerID,
		"timeout_min": int(timeout.Minutes()),
	})

	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.Engine.Repo.FailStep(ctx, tx, step.ID, string(detail), now); err != nil {
		// Lost the race with the worker finishing late; nothing to recover.
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	replacement := domain.Step{
		ID:        uuid.New().String(),
		MissionID: step.MissionID,
		Kind:      step.Kind,
		Title:     step.Title,
		InputJSON: step.InputJSON,
		Status:    domain.StepQueued,
		CreatedAt: now,
	}
	if err := s.Engine.Repo.InsertStep(ctx, tx, replacement); err != nil {
		return err
	}
	if err := s.Engine.Events.Append(ctx, tx, "step.recovered", source, events.EventPayload{
		"step_id":     step.ID,
		"replacement": replacement.ID,
		"mission_id":  step.MissionID,
		"worker_id":   step.WorkerID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Warn("stale step recovered", "step_id", step.ID, "replacement", replacement.ID)
	return nil
}

// finalizeMissions is the sweep half of mission completion. Workers finalize
// after each terminal step, but a worker can die between committing the step
// and running that check; this catches the missions it left behind. Runs
// after stale recovery so a mission with a freshly requeued step stays
// active.
func (s *Scheduler) finalizeMissions(ctx context.Context) (map[string]any, error) {
	ids, err := s.Engine.Repo.UnfinalizedMissionIDs(ctx)
	if err != nil {
		return nil, err
	}
	finalized := 0
	for _, id := range ids {
		done, err := s.Engine.FinalizeMissionIfDone(ctx, id)
		if err != nil {
			slog.Error("mission finalize sweep failed", "mission_id", id, "error", err)
			continue
		}
		if done {
			finalized++
		}
	}
	return map[string]any{"candidates": len(ids), "finalized": finalized}, nil
}

func (s *Scheduler) evaluateTriggers(ctx context.Context) (map[string]any, error) {
	fired, err := s.Trigger.EvaluateTriggers(ctx)
	return map[string]any{"fired": fired}, err
}

func (s *Scheduler) processReactions(ctx context.Context) (map[string]any, error) {
	processed, err := s.Trigger.ProcessReactionQueue(ctx)
	return map[string]any{"processed": processed}, err
}

// logHeartbeat closes the tick with a liveness event carrying queue gauges.
func (s *Scheduler) logHeartbeat(ctx context.Context) (map[string]any, error) {
	gauges, err := s.queueGauges(ctx)
	if err != nil {
		return nil, err
	}
	payload := events.EventPayload{}
	for k, v := range gauges {
		payload[k] = v
	}
	if err := s.Engine.Events.AppendDirect(ctx, "heartbeat.tick", source, payload); err != nil {
		return gauges, err
	}
	return gauges, nil
}

func (s *Scheduler) queueGauges(ctx context.Context) (map[string]any, error) {
	gauges := map[string]any{}
	queries := map[string]string{
		"steps_queued":      `SELECT COUNT(*) FROM steps WHERE status='queued'`,
		"steps_running":     `SELECT COUNT(*) FROM steps WHERE status='running'`,
		"missions_active":   `SELECT COUNT(*) FROM missions WHERE status='active'`,
		"proposals_pending": `SELECT COUNT(*) FROM proposals WHERE status='pending'`,
		"reactions_queued":  `SELECT COUNT(*) FROM reactions WHERE status='queued'`,
	}
	for name, q := range queries {
		var n int
		if err := s.Engine.DB.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, err
		}
		gauges[name] = n
	}
	return gauges, nil
}
