package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"opsloop/internal/domain"
	"opsloop/internal/engine"
	"opsloop/internal/events"
	"opsloop/internal/repo"
)

const source = "trigger_engine"

// Condition is the optional payload predicate of a trigger. A zero Condition
// matches every event of the trigger's kind. When Field is set, exactly one
// of Equals or GTE applies.
type Condition struct {
	Field  string          `json:"field,omitempty"`
	Equals json.RawMessage `json:"equals,omitempty"`
	GTE    *float64        `json:"gte,omitempty"`
}

// Action is what a fired trigger does. Type selects the variant.
type Action struct {
	Type string `json:"type" enum:"create_proposal,emit_event"`

	// create_proposal fields.
	AgentID string `json:"agent_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Title   string `json:"title,omitempty"`
	Body    string `json:"body,omitempty"`

	// emit_event fields.
	EventKind string         `json:"event_kind,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	ActionCreateProposal = "create_proposal"
	ActionEmitEvent      = "emit_event"
)

// Validate checks the action is executable before it is ever stored.
func (a Action) Validate() error {
	switch a.Type {
	case ActionCreateProposal:
		if a.AgentID == "" || a.Kind == "" || a.Title == "" {
			return fmt.Errorf("create_proposal action needs agent_id, kind and title")
		}
	case ActionEmitEvent:
		if a.EventKind == "" {
			return fmt.Errorf("emit_event action needs event_kind")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// DecodeCondition parses a stored condition document.
func DecodeCondition(raw string) (Condition, error) {
	var c Condition
	if raw == "" || raw == "null" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("invalid condition: %w", err)
	}
	return c, nil
}

// DecodeAction parses and validates a stored action document.
func DecodeAction(raw string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return a, fmt.Errorf("invalid action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return a, err
	}
	return a, nil
}

// Matches reports whether an event payload satisfies the condition.
func (c Condition) Matches(payloadJSON string) bool {
	if c.Field == "" {
		return true
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return false
	}
	value, ok := payload[c.Field]
	if !ok {
		return false
	}
	if c.GTE != nil {
		n, ok := value.(float64)
		return ok && n >= *c.GTE
	}
	if len(c.Equals) > 0 {
		want, err := json.Marshal(value)
		if err != nil {
			return false
		}
		var a, b any
		if json.Unmarshal(want, &a) != nil || json.Unmarshal(c.Equals, &b) != nil {
			return false
		}
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	// Field present with no comparator: existence check.
	return true
}

// reactionPayload is the document stored on a queued reaction. It carries
// everything needed to execute later without re-reading the trigger.
type reactionPayload struct {
	TriggerID   string `json:"trigger_id"`
	TriggerName string `json:"trigger_name"`
	EventID     int64  `json:"event_id"`
	Action      Action `json:"action"`
}

// Evaluator scans the event log for trigger matches and drains the reaction
// queue. One Evaluator runs inside the heartbeat; it is not meant to run
// concurrently with itself.
type Evaluator struct {
	Engine    engine.Engine
	ScanLimit int
}

func (ev Evaluator) now() time.Time {
	if ev.Engine.Now != nil {
		return ev.Engine.Now()
	}
	return time.Now()
}

func (ev Evaluator) scanLimit() int {
	if ev.ScanLimit > 0 {
		return ev.ScanLimit
	}
	return 200
}

// EvaluateTriggers scans each enabled trigger's slice of the event log past
// its watermark. The first matching event fires the trigger (unless its
// cooldown is still open); either way the watermark advances past everything
// scanned, so no event is ever considered twice by the same trigger.
func (ev Evaluator) EvaluateTriggers(ctx context.Context) (int, error) {
	triggers, err := ev.Engine.Repo.ListTriggers(ctx, true)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, t := range triggers {
		didFire, err := ev.evaluateOne(ctx, t)
		if err != nil {
			slog.Error("trigger evaluation failed", "trigger", t.Name, "error", err)
			continue
		}
		if didFire {
			fired++
		}
	}
	return fired, nil
}

func (ev Evaluator) evaluateOne(ctx context.Context, t domain.Trigger) (bool, error) {
	cond, err := DecodeCondition(t.ConditionJSON)
	if err != nil {
		return false, err
	}
	evts, err := ev.Engine.Repo.EventsAfter(ctx, t.LastEventID, t.EventKind, ev.scanLimit())
	if err != nil {
		return false, err
	}
	if len(evts) == 0 {
		return false, nil
	}

	var match *domain.Event
	for i := range evts {
		if cond.Matches(evts[i].Payload) {
			match = &evts[i]
			break
		}
	}
	scannedTo := evts[len(evts)-1].ID

	if match == nil {
		return false, ev.Engine.Repo.AdvanceTriggerWatermark(ctx, t.ID, scannedTo)
	}
	if ev.inCooldown(t) {
		// Suppressed fire still consumes the scanned slice.
		return false, ev.Engine.Repo.AdvanceTriggerWatermark(ctx, t.ID, scannedTo)
	}

	action, err := DecodeAction(t.ActionJSON)
	if err != nil {
		// A trigger whose stored action no longer decodes must not pin its
		// watermark, or every tick rescans the same slice and logs the same
		// error. Consume the slice, then surface the fault.
		if wErr := ev.Engine.Repo.AdvanceTriggerWatermark(ctx, t.ID, scannedTo); wErr != nil {
			return false, wErr
		}
		return false, err
	}
	payload, err := json.Marshal(reactionPayload{
		TriggerID:   t.ID,
		TriggerName: t.Name,
		EventID:     match.ID,
		Action:      action,
	})
	if err != nil {
		return false, err
	}

	now := ev.now().UTC().Format(time.RFC3339)
	tx, err := ev.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	reaction := domain.Reaction{
		ID:          uuid.New().String(),
		TriggerID:   t.ID,
		Status:      domain.ReactionQueued,
		PayloadJSON: string(payload),
		CreatedAt:   now,
	}
	if err := ev.Engine.Repo.InsertReaction(ctx, tx, reaction); err != nil {
		return false, err
	}
	if err := ev.Engine.Repo.MarkTriggerFired(ctx, tx, t.ID, now, match.ID); err != nil {
		return false, err
	}
	if err := ev.Engine.Events.Append(ctx, tx, "trigger.fired", source, events.EventPayload{
		"trigger_id":  t.ID,
		"trigger":     t.Name,
		"event_id":    match.ID,
		"reaction_id": reaction.ID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	slog.Info("trigger fired", "trigger", t.Name, "event_id", match.ID, "reaction_id", reaction.ID)
	return true, nil
}

func (ev Evaluator) inCooldown(t domain.Trigger) bool {
	if t.CooldownS <= 0 || t.LastFired == nil {
		return false
	}
	last, err := time.Parse(time.RFC3339, *t.LastFired)
	if err != nil {
		return false
	}
	return ev.now().UTC().Before(last.Add(time.Duration(t.CooldownS) * time.Second))
}

// ProcessReactionQueue drains queued reactions one at a time, executing each
// action and recording the outcome. It returns the number of reactions
// processed.
func (ev Evaluator) ProcessReactionQueue(ctx context.Context) (int, error) {
	processed := 0
	for {
		reaction, err := ev.Engine.Repo.ClaimReaction(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return processed, nil
		}
		if err != nil {
			return processed, err
		}
		processed++
		ev.executeReaction(ctx, reaction)
	}
}

func (ev Evaluator) executeReaction(ctx context.Context, reaction domain.Reaction) {
	var payload reactionPayload
	execErr := json.Unmarshal([]byte(reaction.PayloadJSON), &payload)
	if execErr == nil {
		execErr = ev.executeAction(ctx, payload)
	}

	status := domain.ReactionCompleted
	eventKind := "reaction.completed"
	eventPayload := events.EventPayload{
		"reaction_id": reaction.ID,
		"trigger_id":  reaction.TriggerID,
	}
	if execErr != nil {
		status = domain.ReactionFailed
		eventKind = "reaction.failed"
		eventPayload["error"] = execErr.Error()
		slog.Error("reaction failed", "reaction_id", reaction.ID, "error", execErr)
	}

	now := ev.now().UTC().Format(time.RFC3339)
	if err := ev.Engine.Repo.FinishReaction(ctx, reaction.ID, status, now); err != nil {
		slog.Error("finish reaction failed", "reaction_id", reaction.ID, "error", err)
		return
	}
	if err := ev.Engine.Events.AppendDirect(ctx, eventKind, source, eventPayload); err != nil {
		slog.Warn("append reaction event failed", "reaction_id", reaction.ID, "error", err)
	}
}

func (ev Evaluator) executeAction(ctx context.Context, payload reactionPayload) error {
	switch payload.Action.Type {
	case ActionCreateProposal:
		_, err := ev.Engine.CreateProposal(ctx, engine.ProposalCreateOptions{
			AgentID: payload.Action.AgentID,
			Kind:    payload.Action.Kind,
			Title:   payload.Action.Title,
			Body:    payload.Action.Body,
		})
		return err
	case ActionEmitEvent:
		p := events.EventPayload{}
		for k, v := range payload.Action.Payload {
			p[k] = v
		}
		p["trigger_id"] = payload.TriggerID
		return ev.Engine.Events.AppendDirect(ctx, payload.Action.EventKind, "trigger:"+payload.TriggerName, p)
	default:
		return fmt.Errorf("unknown action type %q", payload.Action.Type)
	}
}
