package domain

// Proposal statuses.
const (
	ProposalPending   = "pending"
	ProposalApproved  = "approved"
	ProposalRejected  = "rejected"
	ProposalCompleted = "completed"
)

// Mission statuses.
const (
	MissionActive    = "active"
	MissionCompleted = "completed"
	MissionFailed    = "failed"
)

// Step statuses.
const (
	StepQueued    = "queued"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Reaction statuses.
const (
	ReactionQueued     = "queued"
	ReactionProcessing = "processing"
	ReactionCompleted  = "completed"
	ReactionFailed     = "failed"
)

type Proposal struct {
	ID             string  `json:"id"`
	AgentID        string  `json:"agent_id"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	Body           string  `json:"body,omitempty"`
	Status         string  `json:"status" enum:"pending,approved,rejected,completed"`
	PolicySnapshot string  `json:"policy_snapshot"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	DecidedAt      *string `json:"decided_at,omitempty" format:"date-time"`
}

type Mission struct {
	ID          string  `json:"id"`
	ProposalID  string  `json:"proposal_id"`
	Title       string  `json:"title"`
	Status      string  `json:"status" enum:"active,completed,failed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Step struct {
	ID          string  `json:"id"`
	MissionID   string  `json:"mission_id"`
	Kind        string  `json:"kind"`
	Title       string  `json:"title"`
	InputJSON   *string `json:"input_json,omitempty"`
	OutputJSON  *string `json:"output_json,omitempty"`
	Status      string  `json:"status" enum:"queued,running,completed,failed"`
	WorkerID    *string `json:"worker_id,omitempty"`
	ClaimedAt   *string `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	Kind    string `json:"kind"`
	Source  string `json:"source"`
	Payload string `json:"payload_json"`
	TS      string `json:"ts" format:"date-time"`
}

type PolicyEntry struct {
	Key       string `json:"key"`
	ValueJSON string `json:"value_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ActionRun struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	Status      string `json:"status" enum:"ok,error"`
	DetailsJSON string `json:"details_json"`
	DurationMS  int64  `json:"duration_ms"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Trigger struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	EventKind     string  `json:"event_kind"`
	ConditionJSON string  `json:"condition_json"`
	ActionJSON    string  `json:"action_json"`
	Enabled       bool    `json:"enabled"`
	CooldownS     int     `json:"cooldown_s"`
	LastFired     *string `json:"last_fired,omitempty" format:"date-time"`
	LastEventID   int64   `json:"last_event_id"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Reaction struct {
	ID          string  `json:"id"`
	TriggerID   string  `json:"trigger_id"`
	Status      string  `json:"status" enum:"queued,processing,completed,failed"`
	PayloadJSON string  `json:"payload_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ProcessedAt *string `json:"processed_at,omitempty" format:"date-time"`
}
