package server

import (
	"encoding/json"

	"opsloop/internal/domain"
	"opsloop/internal/engine"
)

// Request payloads

type CreateProposalRequest struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Title   string `json:"title"`
	Body    string `json:"body,omitempty"`
}

type RejectProposalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetPolicyRequest struct {
	Value json.RawMessage `json:"value"`
}

type CreateTriggerRequest struct {
	Name      string          `json:"name"`
	EventKind string          `json:"event_kind"`
	Condition json.RawMessage `json:"condition,omitempty"`
	Action    json.RawMessage `json:"action"`
	Enabled   *bool           `json:"enabled,omitempty"`
	CooldownS int             `json:"cooldown_s,omitempty"`
}

type UpdateTriggerRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// Response payloads

type ProposalResultResponse struct {
	Proposal   domain.Proposal `json:"proposal"`
	Mission    *domain.Mission `json:"mission,omitempty"`
	Steps      []domain.Step   `json:"steps,omitempty"`
	HoldReason string          `json:"hold_reason,omitempty"`
}

type MissionDetailResponse struct {
	Mission domain.Mission `json:"mission"`
	Steps   []domain.Step  `json:"steps"`
}

type TickResponse struct {
	Runs []domain.ActionRun `json:"runs"`
}

func resultResponse(res engine.ProposalResult) ProposalResultResponse {
	return ProposalResultResponse{
		Proposal:   res.Proposal,
		Mission:    res.Mission,
		Steps:      res.Steps,
		HoldReason: res.HoldReason,
	}
}
