package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"opsloop/internal/app"
	"opsloop/internal/config"
	"opsloop/internal/db"
	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/migrate"
	"opsloop/internal/policy"
	"opsloop/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	ctx := context.Background()
	if err := app.SeedPolicies(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("seed policies: %v", err)
	}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return *clock }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: ctx, Clock: clock}
}

func TestAutoApproveCreatesMissionAndSteps(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1",
		Kind:    "analysis",
		Title:   "Investigate latency",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if res.Proposal.Status != domain.ProposalApproved {
		t.Fatalf("expected approved, got %s", res.Proposal.Status)
	}
	if res.Proposal.DecidedAt == nil {
		t.Fatalf("approved proposal must carry decided_at")
	}
	if res.Mission == nil {
		t.Fatalf("auto-approval must create a mission")
	}
	if len(res.Steps) != 1 || res.Steps[0].Kind != "analyze" {
		t.Fatalf("unexpected steps: %+v", res.Steps)
	}
	if res.Steps[0].Status != domain.StepQueued {
		t.Fatalf("new steps must be queued, got %s", res.Steps[0].Status)
	}
	if res.Proposal.PolicySnapshot == "" || res.Proposal.PolicySnapshot == "{}" {
		t.Fatalf("policy snapshot missing: %q", res.Proposal.PolicySnapshot)
	}

	// Event order is the log order: created, approved, mission.created.
	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 0, "", 10)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []string{"proposal.created", "proposal.approved", "mission.created"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestNonAllowListedKindStaysPending(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1",
		Kind:    "deploy",
		Title:   "Ship release",
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if res.Proposal.Status != domain.ProposalPending {
		t.Fatalf("expected pending, got %s", res.Proposal.Status)
	}
	if res.HoldReason == "" {
		t.Fatalf("pending proposal must carry a hold reason")
	}
	if res.Mission != nil {
		t.Fatalf("pending proposal must not have a mission")
	}
	if res.Proposal.DecidedAt != nil {
		t.Fatalf("pending proposal must not carry decided_at")
	}
}

func TestDailyCapHoldsOverflow(t *testing.T) {
	env := newTestEnv(t)
	value, _ := policy.Encode(policy.DailyProposalCap{Max: 2})
	if err := env.Engine.Repo.SetPolicy(env.Ctx, policy.KeyDailyProposalCap, value); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
			AgentID: "agent-1",
			Kind:    "analysis",
			Title:   fmt.Sprintf("task %d", i),
		})
		if err != nil {
			t.Fatalf("create proposal %d: %v", i, err)
		}
		if res.Proposal.Status != domain.ProposalApproved {
			t.Fatalf("proposal %d: expected approved, got %s", i, res.Proposal.Status)
		}
	}
	res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1",
		Kind:    "analysis",
		Title:   "over the cap",
	})
	if err != nil {
		t.Fatalf("create over-cap proposal: %v", err)
	}
	if res.Proposal.Status != domain.ProposalPending {
		t.Fatalf("over-cap proposal should stay pending, got %s", res.Proposal.Status)
	}

	// Another agent is unaffected: the cap is per agent.
	res, err = env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-2",
		Kind:    "analysis",
		Title:   "other agent",
	})
	if err != nil {
		t.Fatalf("create other-agent proposal: %v", err)
	}
	if res.Proposal.Status != domain.ProposalApproved {
		t.Fatalf("other agent should approve, got %s", res.Proposal.Status)
	}
}

func TestKindCapCountsAcrossAgents(t *testing.T) {
	env := newTestEnv(t)
	auto, _ := policy.Encode(policy.AutoApprove{Enabled: true, Kinds: []string{"content"}})
	if err := env.Engine.Repo.SetPolicy(env.Ctx, policy.KeyAutoApprove, auto); err != nil {
		t.Fatalf("set auto_approve: %v", err)
	}
	cap, _ := policy.Encode(policy.KindCap{MaxPerDay: 1})
	if err := env.Engine.Repo.SetPolicy(env.Ctx, policy.KindCapKey("content"), cap); err != nil {
		t.Fatalf("set kind cap: %v", err)
	}

	res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1", Kind: "content", Title: "first",
	})
	if err != nil || res.Proposal.Status != domain.ProposalApproved {
		t.Fatalf("first content proposal: %v status=%s", err, res.Proposal.Status)
	}
	res, err = env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-2", Kind: "content", Title: "second",
	})
	if err != nil {
		t.Fatalf("second content proposal: %v", err)
	}
	if res.Proposal.Status != domain.ProposalPending {
		t.Fatalf("kind cap must count across agents, got %s", res.Proposal.Status)
	}
}

func TestManualApproveAndReject(t *testing.T) {
	env := newTestEnv(t)
	pending, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1", Kind: "deploy", Title: "Ship it",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := env.Engine.ApproveProposal(env.Ctx, pending.Proposal.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Mission == nil || len(res.Steps) != 3 {
		t.Fatalf("deploy template should yield 3 steps, got %+v", res.Steps)
	}
	// Second decision must fail: approvals are single-shot.
	if _, err := env.Engine.ApproveProposal(env.Ctx, pending.Proposal.ID); err == nil {
		t.Fatalf("expected error approving decided proposal")
	}

	other, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1", Kind: "deploy", Title: "Ship the other thing",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rejected, err := env.Engine.RejectProposal(env.Ctx, other.Proposal.ID, "too risky")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.ProposalRejected || rejected.DecidedAt == nil {
		t.Fatalf("bad rejected proposal: %+v", rejected)
	}
	missions, err := env.Engine.Repo.ListMissions(env.Ctx, "", 0)
	if err != nil {
		t.Fatalf("list missions: %v", err)
	}
	if len(missions) != 1 {
		t.Fatalf("rejection must not create missions, got %d", len(missions))
	}
}

func TestCreateProposalValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.ProposalCreateOptions{
		{Kind: "analysis", Title: "x"},
		{AgentID: "a", Title: "x"},
		{AgentID: "a", Kind: "analysis"},
	}
	for i, opts := range cases {
		_, err := env.Engine.CreateProposal(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	// Nothing persisted.
	proposals, err := env.Engine.Repo.ListProposals(env.Ctx, repo.ProposalFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(proposals) != 0 {
		t.Fatalf("invalid input must not persist proposals, got %d", len(proposals))
	}
}

func TestFinalizeMissionIfDone(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateProposal(env.Ctx, engine.ProposalCreateOptions{
		AgentID: "agent-1", Kind: "analysis", Title: "finish me",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	done, err := env.Engine.FinalizeMissionIfDone(env.Ctx, res.Mission.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if done {
		t.Fatalf("mission with queued steps must not finalize")
	}

	step, err := env.Engine.Repo.ClaimStep(env.Ctx, "analyze", "w1", "2024-01-01T12:00:00Z")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	tx, _ := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err := env.Engine.Repo.CompleteStep(env.Ctx, tx, step.ID, "{}", "2024-01-01T12:01:00Z"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	done, err = env.Engine.FinalizeMissionIfDone(env.Ctx, res.Mission.ID)
	if err != nil || !done {
		t.Fatalf("finalize after completion: done=%v err=%v", done, err)
	}
	m, err := env.Engine.Repo.GetMission(env.Ctx, res.Mission.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.Status != domain.MissionCompleted || m.CompletedAt == nil {
		t.Fatalf("bad finalized mission: %+v", m)
	}
	// Finalization is single-shot.
	done, err = env.Engine.FinalizeMissionIfDone(env.Ctx, res.Mission.ID)
	if err != nil || done {
		t.Fatalf("second finalize should be a no-op, done=%v err=%v", done, err)
	}
}
