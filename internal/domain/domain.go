package domain

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailure   Status = "FAILURE"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// InFlight reports whether a build still counts for deduplication.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusRunning
}

// Trigger causes recorded on QueuedBuild.Cause.
const (
	CauseRest        = "rest"
	CauseVcs         = "vcs"
	CauseFinishBuild = "finish-build"
	CauseSnapshot    = "snapshot"
	CauseCLI         = "cli"
)

type QueuedBuild struct {
	ID              int64             `json:"id"`
	BuildTypeID     string            `json:"build_type_id"`
	Branch          string            `json:"branch,omitempty"`
	Revision        string            `json:"revision,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	ParamsHash      string            `json:"params_hash"`
	Status          Status            `json:"status" enum:"QUEUED,RUNNING,SUCCESS,FAILURE,CANCELLED"`
	Priority        int               `json:"priority"`
	Cause           string            `json:"cause,omitempty"`
	ChainDepth      int               `json:"chain_depth"`
	TriggeredBy     *int64            `json:"triggered_by,omitempty"`
	DependsOn       []int64           `json:"depends_on,omitempty"`
	AgentID         string            `json:"agent_id,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	QueuedAt        string            `json:"queued_at" format:"date-time"`
	StartedAt       *string           `json:"started_at,omitempty" format:"date-time"`
	FinishedAt      *string           `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type AccessToken struct {
	ID         string  `json:"id"`
	Principal  string  `json:"principal"`
	Name       string  `json:"name,omitempty"`
	TokenHash  string  `json:"token_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
}

// VcsRevision is the last revision seen for a branch of a VCS root.
type VcsRevision struct {
	VcsRootID string `json:"vcs_root_id"`
	Branch    string `json:"branch"`
	Revision  string `json:"revision"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}
