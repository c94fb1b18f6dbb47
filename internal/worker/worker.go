package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/events"
	"opsloop/internal/repo"
)

// Runner executes one claimed step and returns its output. Implementations
// must be safe to call from a single goroutine; the pool never runs two steps
// on the same Runner concurrently.
type Runner interface {
	Run(ctx context.Context, step domain.Step) (map[string]any, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, step domain.Step) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, step domain.Step) (map[string]any, error) {
	return f(ctx, step)
}

// EchoRunner is the built-in runner: it echoes the step back as output.
// Useful for wiring checks and as the default for kinds with no real
// executor attached yet.
type EchoRunner struct{}

func (EchoRunner) Run(ctx context.Context, step domain.Step) (map[string]any, error) {
	return map[string]any{
		"echo":  step.Title,
		"kind":  step.Kind,
		"note":  "no runner configured for this kind",
		"input": inputMap(step),
	}, nil
}

func inputMap(step domain.Step) map[string]any {
	out := map[string]any{}
	if step.InputJSON != nil {
		_ = json.Unmarshal([]byte(*step.InputJSON), &out)
	}
	return out
}

// Pool is a single-kind worker loop. It claims queued steps of its kind one
// at a time, runs them, and records the outcome. Run several Pools, one per
// kind, to fan out across step kinds; run several processes with distinct
// WorkerIDs to fan out within a kind.
type Pool struct {
	Engine       engine.Engine
	Kind         string
	WorkerID     string
	Runner       Runner
	PollInterval time.Duration
}

func (p Pool) runner() Runner {
	if p.Runner != nil {
		return p.Runner
	}
	return EchoRunner{}
}

// Run claims and executes steps until the context is cancelled, sleeping
// PollInterval between empty polls.
func (p Pool) Run(ctx context.Context) error {
	if p.Kind == "" {
		return fmt.Errorf("worker pool needs a step kind")
	}
	if p.WorkerID == "" {
		return fmt.Errorf("worker pool needs a worker id")
	}
	interval := p.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	slog.Info("worker started", "worker_id", p.WorkerID, "kind", p.Kind, "poll_interval", interval)
	for {
		worked, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker cycle failed", "worker_id", p.WorkerID, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunOnce attempts a single claim-execute-finish cycle. It reports whether a
// step was claimed.
func (p Pool) RunOnce(ctx context.Context) (bool, error) {
	now := p.Engine.Now
	if now == nil {
		now = time.Now
	}
	step, err := p.Engine.Repo.ClaimStep(ctx, p.Kind, p.WorkerID, now().UTC().Format(time.RFC3339))
	if errors.Is(err, repo.ErrNoClaimableStep) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}

	if err := p.Engine.Events.AppendDirect(ctx, "step.started", "worker:"+p.WorkerID, events.EventPayload{
		"step_id":    step.ID,
		"mission_id": step.MissionID,
		"kind":       step.Kind,
		"worker_id":  p.WorkerID,
	}); err != nil {
		slog.Warn("append step.started failed", "step_id", step.ID, "error", err)
	}

	output, runErr := p.runner().Run(ctx, step)
	if runErr != nil {
		if err := p.finish(ctx, step, domain.StepFailed, map[string]any{"error": runErr.Error()}); err != nil {
			return true, err
		}
	} else {
		if output == nil {
			output = map[string]any{}
		}
		if err := p.finish(ctx, step, domain.StepCompleted, output); err != nil {
			return true, err
		}
	}

	if _, err := p.Engine.FinalizeMissionIfDone(ctx, step.MissionID); err != nil {
		slog.Warn("mission finalize check failed", "mission_id", step.MissionID, "error", err)
	}
	return true, nil
}

// finish writes the terminal step transition and its event in one
// transaction.
func (p Pool) finish(ctx context.Context, step domain.Step, status string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	now := p.Engine.Now
	if now == nil {
		now = time.Now
	}
	completedAt := now().UTC().Format(time.RFC3339)

	tx, err := p.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var finishErr error
	if status == domain.StepCompleted {
		finishErr = p.Engine.Repo.CompleteStep(ctx, tx, step.ID, string(data), completedAt)
	} else {
		finishErr = p.Engine.Repo.FailStep(ctx, tx, step.ID, string(data), completedAt)
	}
	if errors.Is(finishErr, repo.ErrNotFound) {
		// Already moved off running, most likely by the stale-step sweep.
		// The terminal transition is single-shot, so drop this outcome.
		slog.Warn("step no longer running, outcome dropped", "step_id", step.ID, "status", status)
		return nil
	}
	if finishErr != nil {
		return finishErr
	}

	kind := "step.completed"
	if status == domain.StepFailed {
		kind = "step.failed"
	}
	if err := p.Engine.Events.Append(ctx, tx, kind, "worker:"+p.WorkerID, events.EventPayload{
		"step_id":    step.ID,
		"mission_id": step.MissionID,
		"kind":       step.Kind,
		"worker_id":  p.WorkerID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
