package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsloop/internal/config"
	"opsloop/internal/domain"
	"opsloop/internal/events"
	"opsloop/internal/policy"
	"opsloop/internal/repo"
)

// Engine is the proposal service: the single entry point for new work.
// Every proposal, whatever its origin, flows through CreateProposal and its
// policy gates before any mission or step exists.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

const source = "proposal_service"

// ValidationError marks malformed proposal input, rejected before anything
// is persisted.
type ValidationError struct {
	Msg string
}

func (v ValidationError) Error() string { return v.Msg }

// ProposalCreateOptions are parameters for creating a proposal.
type ProposalCreateOptions struct {
	AgentID string
	Kind    string
	Title   string
	Body    string
}

// ProposalResult is the outcome of proposal creation. Mission and Steps are
// populated only when the proposal was auto-approved; HoldReason explains why
// a proposal stayed pending.
type ProposalResult struct {
	Proposal   domain.Proposal `json:"proposal"`
	Mission    *domain.Mission `json:"mission,omitempty"`
	Steps      []domain.Step   `json:"steps,omitempty"`
	HoldReason string          `json:"hold_reason,omitempty"`
}

// CreateProposal creates a proposal, evaluates the policy gates, and
// auto-approves it when policy allows, materializing the mission and steps.
// Gate reads, the cap counts, and the insert share one transaction so two
// concurrent proposals cannot both pass a cap that only admits one.
func (e Engine) CreateProposal(ctx context.Context, opts ProposalCreateOptions) (ProposalResult, error) {
	if opts.AgentID == "" {
		return ProposalResult{}, ValidationError{Msg: "agent_id is required"}
	}
	if opts.Kind == "" {
		return ProposalResult{}, ValidationError{Msg: "kind is required"}
	}
	if opts.Title == "" {
		return ProposalResult{}, ValidationError{Msg: "title is required"}
	}

	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposalResult{}, err
	}
	defer tx.Rollback()

	snapshot, err := e.Repo.SnapshotPolicies(ctx, tx)
	if err != nil {
		return ProposalResult{}, fmt.Errorf("snapshot policies: %w", err)
	}

	p := domain.Proposal{
		ID:             uuid.New().String(),
		AgentID:        opts.AgentID,
		Kind:           opts.Kind,
		Title:          opts.Title,
		Body:           opts.Body,
		Status:         domain.ProposalPending,
		PolicySnapshot: snapshot,
		CreatedAt:      now.Format(time.RFC3339),
	}

	holdReason, err := e.evaluateGates(ctx, tx, opts.AgentID, opts.Kind, now)
	if err != nil {
		return ProposalResult{}, err
	}

	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return ProposalResult{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proposal.created", source, events.EventPayload{
		"proposal_id": p.ID,
		"agent_id":    p.AgentID,
		"kind":        p.Kind,
	}); err != nil {
		return ProposalResult{}, err
	}

	result := ProposalResult{Proposal: p, HoldReason: holdReason}
	if holdReason == "" {
		decidedAt := now.Format(time.RFC3339)
		if err := e.Repo.DecideProposal(ctx, tx, p.ID, domain.ProposalApproved, decidedAt); err != nil {
			return ProposalResult{}, fmt.Errorf("auto-approve proposal: %w", err)
		}
		result.Proposal.Status = domain.ProposalApproved
		result.Proposal.DecidedAt = &decidedAt
		if err := e.Events.Append(ctx, tx, "proposal.approved", source, events.EventPayload{
			"proposal_id": p.ID,
			"auto":        true,
		}); err != nil {
			return ProposalResult{}, err
		}
		mission, steps, err := e.createMissionAndSteps(ctx, tx, result.Proposal)
		if err != nil {
			return ProposalResult{}, err
		}
		result.Mission = &mission
		result.Steps = steps
	}

	if err := tx.Commit(); err != nil {
		return ProposalResult{}, err
	}
	if holdReason == "" {
		slog.Info("proposal auto-approved", "proposal_id", p.ID, "kind", p.Kind, "agent_id", p.AgentID)
	} else {
		slog.Info("proposal pending review", "proposal_id", p.ID, "kind", p.Kind, "reason", holdReason)
	}
	return result, nil
}

// evaluateGates returns an empty string when the proposal may be
// auto-approved, or the reason it must stay pending. All reads happen inside
// the caller's transaction.
func (e Engine) evaluateGates(ctx context.Context, tx *sql.Tx, agentID, kind string, now time.Time) (string, error) {
	auto, err := e.autoApprovePolicy(ctx, tx)
	if err != nil {
		return "", err
	}
	if !auto.Allows(kind) {
		return fmt.Sprintf("kind %q not auto-approvable", kind), nil
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)

	daily, err := e.dailyCapPolicy(ctx, tx)
	if err != nil {
		return "", err
	}
	if daily.Max > 0 {
		n, err := e.Repo.CountProposalsByAgentSince(ctx, tx, agentID, dayStart)
		if err != nil {
			return "", err
		}
		if n >= daily.Max {
			return fmt.Sprintf("daily cap reached: %d/%d", n, daily.Max), nil
		}
	}

	kindCap, ok, err := e.kindCapPolicy(ctx, tx, kind)
	if err != nil {
		return "", err
	}
	if ok && kindCap.MaxPerDay > 0 {
		n, err := e.Repo.CountProposalsByKindSince(ctx, tx, kind, dayStart)
		if err != nil {
			return "", err
		}
		if n >= kindCap.MaxPerDay {
			return fmt.Sprintf("kind cap %q reached: %d/%d", kind, n, kindCap.MaxPerDay), nil
		}
	}
	return "", nil
}

func (e Engine) autoApprovePolicy(ctx context.Context, tx *sql.Tx) (policy.AutoApprove, error) {
	raw, err := e.Repo.GetPolicyTx(ctx, tx, policy.KeyAutoApprove)
	if errors.Is(err, repo.ErrNotFound) {
		return policy.AutoApprove{}, nil
	}
	if err != nil {
		return policy.AutoApprove{}, err
	}
	return policy.DecodeAutoApprove(raw)
}

func (e Engine) dailyCapPolicy(ctx context.Context, tx *sql.Tx) (policy.DailyProposalCap, error) {
	raw, err := e.Repo.GetPolicyTx(ctx, tx, policy.KeyDailyProposalCap)
	if errors.Is(err, repo.ErrNotFound) {
		return policy.DailyProposalCap{Max: 50}, nil
	}
	if err != nil {
		return policy.DailyProposalCap{}, err
	}
	return policy.DecodeDailyProposalCap(raw)
}

func (e Engine) kindCapPolicy(ctx context.Context, tx *sql.Tx, kind string) (policy.KindCap, bool, error) {
	raw, err := e.Repo.GetPolicyTx(ctx, tx, policy.KindCapKey(kind))
	if errors.Is(err, repo.ErrNotFound) {
		return policy.KindCap{}, false, nil
	}
	if err != nil {
		return policy.KindCap{}, false, err
	}
	cap, err := policy.DecodeKindCap(raw)
	return cap, err == nil, err
}

// ApproveProposal manually approves a pending proposal, creating its mission
// and steps.
func (e Engine) ApproveProposal(ctx context.Context, id string) (ProposalResult, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return ProposalResult{}, err
	}
	if p.Status != domain.ProposalPending {
		return ProposalResult{}, fmt.Errorf("proposal is %q, not pending", p.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposalResult{}, err
	}
	defer tx.Rollback()

	decidedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.DecideProposal(ctx, tx, p.ID, domain.ProposalApproved, decidedAt); err != nil {
		return ProposalResult{}, err
	}
	p.Status = domain.ProposalApproved
	p.DecidedAt = &decidedAt
	if err := e.Events.Append(ctx, tx, "proposal.approved", source, events.EventPayload{
		"proposal_id": p.ID,
		"auto":        false,
	}); err != nil {
		return ProposalResult{}, err
	}
	mission, steps, err := e.createMissionAndSteps(ctx, tx, p)
	if err != nil {
		return ProposalResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProposalResult{}, err
	}
	return ProposalResult{Proposal: p, Mission: &mission, Steps: steps}, nil
}

// RejectProposal rejects a pending proposal. No mission is created.
func (e Engine) RejectProposal(ctx context.Context, id, reason string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalPending {
		return domain.Proposal{}, fmt.Errorf("proposal is %q, not pending", p.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	decidedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.DecideProposal(ctx, tx, p.ID, domain.ProposalRejected, decidedAt); err != nil {
		return domain.Proposal{}, err
	}
	p.Status = domain.ProposalRejected
	p.DecidedAt = &decidedAt
	if err := e.Events.Append(ctx, tx, "proposal.rejected", source, events.EventPayload{
		"proposal_id": p.ID,
		"reason":      reason,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// createMissionAndSteps materializes exactly one mission and its queued
// steps from the kind-specific template, inside the approval transaction.
func (e Engine) createMissionAndSteps(ctx context.Context, tx *sql.Tx, p domain.Proposal) (domain.Mission, []domain.Step, error) {
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Mission{
		ID:         uuid.New().String(),
		ProposalID: p.ID,
		Title:      p.Title,
		Status:     domain.MissionActive,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertMission(ctx, tx, m); err != nil {
		return m, nil, fmt.Errorf("insert mission: %w", err)
	}

	input, err := json.Marshal(map[string]string{
		"proposal_id": p.ID,
		"kind":        p.Kind,
		"agent_id":    p.AgentID,
	})
	if err != nil {
		return m, nil, err
	}
	inputStr := string(input)

	var steps []domain.Step
	for _, tmpl := range e.Config.StepsFor(p.Kind, p.Title) {
		s := domain.Step{
			ID:        uuid.New().String(),
			MissionID: m.ID,
			Kind:      tmpl.Kind,
			Title:     tmpl.Title,
			InputJSON: &inputStr,
			Status:    domain.StepQueued,
			CreatedAt: now,
		}
		if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
			return m, nil, fmt.Errorf("insert step: %w", err)
		}
		steps = append(steps, s)
	}

	if err := e.Events.Append(ctx, tx, "mission.created", source, events.EventPayload{
		"mission_id":  m.ID,
		"proposal_id": p.ID,
		"step_count":  len(steps),
	}); err != nil {
		return m, nil, err
	}
	return m, steps, nil
}

// FinalizeMissionIfDone transitions an active mission whose steps have all
// reached a terminal state: completed when every step completed, failed when
// any failed. Safe to call from workers and the heartbeat sweep alike; the
// conditional update makes the transition single-shot.
func (e Engine) FinalizeMissionIfDone(ctx context.Context, missionID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	counts, err := e.Repo.CountMissionSteps(ctx, tx, missionID)
	if err != nil {
		return false, err
	}
	if counts.Total == 0 || counts.Completed+counts.Failed < counts.Total {
		return false, nil
	}
	status := domain.MissionCompleted
	if counts.Failed > 0 {
		status = domain.MissionFailed
	}
	now := e.now().UTC().Format(time.RFC3339)
	changed, err := e.Repo.FinalizeMission(ctx, tx, missionID, status, now)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := e.Events.Append(ctx, tx, "mission.completed", source, events.EventPayload{
		"mission_id":   missionID,
		"status":       status,
		"steps_done":   counts.Completed,
		"steps_failed": counts.Failed,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	slog.Info("mission finalized", "mission_id", missionID, "status", status)
	return true, nil
}

// MissionDetail returns a mission together with its steps.
func (e Engine) MissionDetail(ctx context.Context, id string) (domain.Mission, []domain.Step, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return m, nil, err
	}
	steps, err := e.Repo.ListStepsByMission(ctx, id)
	if err != nil {
		return m, nil, err
	}
	return m, steps, nil
}
