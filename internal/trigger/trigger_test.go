package trigger_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"opsloop/internal/app"
	"opsloop/internal/config"
	"opsloop/internal/db"
	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/migrate"
	"opsloop/internal/repo"
	"opsloop/internal/trigger"
)

func newTestEvaluator(t *testing.T) (trigger.Evaluator, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	ctx := context.Background()
	require.NoError(t, app.SeedPolicies(ctx, repo.Repo{DB: conn}, cfg))
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return *clock }
	eng.Events.Now = eng.Now
	return trigger.Evaluator{Engine: eng}, clock
}

func insertTrigger(t *testing.T, ev trigger.Evaluator, name, eventKind, condition string, action trigger.Action, cooldownS int) domain.Trigger {
	t.Helper()
	actionJSON, err := json.Marshal(action)
	require.NoError(t, err)
	if condition == "" {
		condition = "{}"
	}
	tr := domain.Trigger{
		ID:            name,
		Name:          name,
		EventKind:     eventKind,
		ConditionJSON: condition,
		ActionJSON:    string(actionJSON),
		Enabled:       true,
		CooldownS:     cooldownS,
		CreatedAt:     "2024-01-01T12:00:00Z",
	}
	require.NoError(t, ev.Engine.Repo.InsertTrigger(context.Background(), tr))
	return tr
}

func TestConditionMatches(t *testing.T) {
	cases := []struct {
		name      string
		condition trigger.Condition
		payload   string
		want      bool
	}{
		{"empty matches anything", trigger.Condition{}, `{"a":1}`, true},
		{"equals string match", trigger.Condition{Field: "kind", Equals: json.RawMessage(`"deploy"`)}, `{"kind":"deploy"}`, true},
		{"equals string mismatch", trigger.Condition{Field: "kind", Equals: json.RawMessage(`"deploy"`)}, `{"kind":"analysis"}`, false},
		{"equals number match", trigger.Condition{Field: "count", Equals: json.RawMessage(`3`)}, `{"count":3}`, true},
		{"gte pass", trigger.Condition{Field: "count", GTE: f(2)}, `{"count":5}`, true},
		{"gte boundary", trigger.Condition{Field: "count", GTE: f(5)}, `{"count":5}`, true},
		{"gte fail", trigger.Condition{Field: "count", GTE: f(10)}, `{"count":5}`, false},
		{"gte non-number", trigger.Condition{Field: "count", GTE: f(1)}, `{"count":"many"}`, false},
		{"missing field", trigger.Condition{Field: "absent", Equals: json.RawMessage(`1`)}, `{"a":1}`, false},
		{"existence check", trigger.Condition{Field: "a"}, `{"a":null}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.condition.Matches(tc.payload))
		})
	}
}

func f(v float64) *float64 { return &v }

func TestDecodeActionValidation(t *testing.T) {
	_, err := trigger.DecodeAction(`{"type":"create_proposal","agent_id":"a","kind":"analysis","title":"t"}`)
	require.NoError(t, err)
	_, err = trigger.DecodeAction(`{"type":"create_proposal"}`)
	require.Error(t, err)
	_, err = trigger.DecodeAction(`{"type":"emit_event","event_kind":"custom.ping"}`)
	require.NoError(t, err)
	_, err = trigger.DecodeAction(`{"type":"emit_event"}`)
	require.Error(t, err)
	_, err = trigger.DecodeAction(`{"type":"launch_missiles"}`)
	require.Error(t, err)
}

func TestTriggerFiresAndQueuesReaction(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	ctx := context.Background()
	tr := insertTrigger(t, ev, "on-deploy-proposal", "proposal.created",
		`{"field":"kind","equals":"deploy"}`,
		trigger.Action{Type: trigger.ActionEmitEvent, EventKind: "alert.deploy_proposed"}, 0)

	// Non-matching event: watermark advances, nothing fires.
	_, err := ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{
		AgentID: "a1", Kind: "analysis", Title: "quiet",
	})
	require.NoError(t, err)
	fired, err := ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)
	got, err := ev.Engine.Repo.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.Positive(t, got.LastEventID)

	// Matching event fires exactly once.
	_, err = ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{
		AgentID: "a1", Kind: "deploy", Title: "loud",
	})
	require.NoError(t, err)
	fired, err = ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	reactions, err := ev.Engine.Repo.ListReactions(ctx, domain.ReactionQueued, 10)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.Equal(t, tr.ID, reactions[0].TriggerID)

	events, err := ev.Engine.Repo.LatestEvents(ctx, 10, "trigger.fired")
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Re-evaluating without new events does not fire again.
	fired, err = ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)
}

func TestCooldownSuppressesButAdvancesWatermark(t *testing.T) {
	ev, clock := newTestEvaluator(t)
	ctx := context.Background()
	tr := insertTrigger(t, ev, "cooldown-trigger", "proposal.created", "",
		trigger.Action{Type: trigger.ActionEmitEvent, EventKind: "alert.proposal"}, 300)

	_, err := ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{AgentID: "a1", Kind: "analysis", Title: "one"})
	require.NoError(t, err)
	fired, err := ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	// A second matching event inside the cooldown window is consumed silently.
	*clock = clock.Add(2 * time.Minute)
	_, err = ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{AgentID: "a1", Kind: "analysis", Title: "two"})
	require.NoError(t, err)
	before, err := ev.Engine.Repo.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	fired, err = ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)
	after, err := ev.Engine.Repo.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.Greater(t, after.LastEventID, before.LastEventID)

	// Once the cooldown expires, fresh events fire again.
	*clock = clock.Add(10 * time.Minute)
	_, err = ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{AgentID: "a1", Kind: "analysis", Title: "three"})
	require.NoError(t, err)
	fired, err = ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)
}

func TestReactionCreatesProposal(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	ctx := context.Background()
	insertTrigger(t, ev, "escalate", "file.task_created", "",
		trigger.Action{
			Type:    trigger.ActionCreateProposal,
			AgentID: "trigger-bot",
			Kind:    "analysis",
			Title:   "Analyze new task file",
		}, 0)

	require.NoError(t, ev.Engine.Events.AppendDirect(ctx, "file.task_created", "file_bridge", map[string]any{"path": "/inbox/task.md"}))

	fired, err := ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fired)

	processed, err := ev.ProcessReactionQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	reactions, err := ev.Engine.Repo.ListReactions(ctx, domain.ReactionCompleted, 10)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	require.NotNil(t, reactions[0].ProcessedAt)

	proposals, err := ev.Engine.Repo.ListProposals(ctx, repo.ProposalFilters{AgentID: "trigger-bot"})
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	require.Equal(t, domain.ProposalApproved, proposals[0].Status)

	events, err := ev.Engine.Repo.LatestEvents(ctx, 10, "reaction.completed")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCorruptActionDoesNotPinWatermark(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	ctx := context.Background()

	// Stored directly with an action that no longer decodes, as if edited by
	// hand after creation. Server and CLI validation never let this in.
	tr := domain.Trigger{
		ID:            "rotten",
		Name:          "rotten",
		EventKind:     "proposal.created",
		ConditionJSON: "{}",
		ActionJSON:    `{"type":"launch_missiles"}`,
		Enabled:       true,
		CreatedAt:     "2024-01-01T12:00:00Z",
	}
	require.NoError(t, ev.Engine.Repo.InsertTrigger(ctx, tr))

	_, err := ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{
		AgentID: "a1", Kind: "analysis", Title: "bait",
	})
	require.NoError(t, err)

	fired, err := ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)
	reactions, err := ev.Engine.Repo.ListReactions(ctx, domain.ReactionQueued, 10)
	require.NoError(t, err)
	require.Empty(t, reactions)

	// The scanned slice is consumed even though the fire was aborted, so the
	// next evaluation does not chew the same events again.
	got, err := ev.Engine.Repo.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.Positive(t, got.LastEventID)

	before := got.LastEventID
	fired, err = ev.EvaluateTriggers(ctx)
	require.NoError(t, err)
	require.Zero(t, fired)
	got, err = ev.Engine.Repo.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, before, got.LastEventID)
}

func TestBadReactionPayloadFails(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	ctx := context.Background()
	tr := insertTrigger(t, ev, "broken", "heartbeat.tick", "",
		trigger.Action{Type: trigger.ActionEmitEvent, EventKind: "x"}, 0)

	// A reaction whose stored action rotted (e.g. edited by hand) must land
	// in failed, not wedge the queue.
	tx, err := ev.Engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ev.Engine.Repo.InsertReaction(ctx, tx, domain.Reaction{
		ID:          "r-bad",
		TriggerID:   tr.ID,
		Status:      domain.ReactionQueued,
		PayloadJSON: `{"trigger_id":"broken","action":{"type":"launch_missiles"}}`,
		CreatedAt:   "2024-01-01T12:00:00Z",
	}))
	require.NoError(t, tx.Commit())

	processed, err := ev.ProcessReactionQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	reactions, err := ev.Engine.Repo.ListReactions(ctx, domain.ReactionFailed, 10)
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	events, err := ev.Engine.Repo.LatestEvents(ctx, 10, "reaction.failed")
	require.NoError(t, err)
	require.Len(t, events, 1)
}
