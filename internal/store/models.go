package store

import "time"

// WorkItem status values (spec §3).
const (
	WorkItemPending     = "pending"
	WorkItemInProgress  = "in_progress"
	WorkItemPRCreated   = "pr_created"
	WorkItemResolved    = "resolved"
	WorkItemNeedsHuman  = "needs_human"
)

// AgentRun kind values.
const (
	KindImplement = "implement"
	KindFixReview = "fix_review"
)

// AgentRun status values.
const (
	AgentRunRunning     = "running"
	AgentRunCompleted   = "completed"
	AgentRunFailed      = "failed"
	AgentRunTimeout     = "timeout"
	AgentRunRateLimited = "rate_limited"
	AgentRunResumed     = "resumed"
)

// AgentEvent type values (spec §3).
const (
	EventSystem    = "system"
	EventAssistant = "assistant"
	EventToolUse   = "tool_use"
	EventUser      = "user"
	EventResult    = "result"
	EventError     = "error"
	EventRateLimit = "rate_limit_event"
)

// ReviewIteration status values.
const (
	IterationPending = "pending"
	IterationFixing  = "fixing"
	IterationFixed   = "fixed"
	IterationFailed  = "failed"
)

// WorkItem tracks one remote issue in scope for automation.
type WorkItem struct {
	Number          int        `db:"number" json:"number"`
	Title           string     `db:"title" json:"title"`
	Body            string     `db:"body" json:"body"`
	Status          string     `db:"status" json:"status"`
	AssignedAgentID *string    `db:"assigned_agent_id" json:"assigned_agent_id,omitempty"`
	PRNumber        *int       `db:"pr_number" json:"pr_number,omitempty"`
	Attempts        int        `db:"attempts" json:"attempts"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// AgentRun is one invocation of the external agent process.
type AgentRun struct {
	AgentID        string     `db:"agent_id" json:"agent_id"`
	WorkItemNumber *int       `db:"work_item_number" json:"work_item_number,omitempty"`
	PRNumber       *int       `db:"pr_number" json:"pr_number,omitempty"`
	Kind           string     `db:"kind" json:"kind"`
	Status         string     `db:"status" json:"status"`
	WorktreePath   string     `db:"worktree_path" json:"worktree_path"`
	BranchName     string     `db:"branch_name" json:"branch_name"`
	PID            *int       `db:"pid" json:"pid,omitempty"`
	SessionID      *string    `db:"session_id" json:"session_id,omitempty"`
	ResumeCount    int        `db:"resume_count" json:"resume_count"`
	RateLimitedAt  *time.Time `db:"rate_limited_at" json:"rate_limited_at,omitempty"`
	StartedAt      time.Time  `db:"started_at" json:"started_at"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
}

// AgentEvent is one ingested structured-output line.
type AgentEvent struct {
	ID        int64     `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agent_id"`
	EventType string    `db:"event_type" json:"event_type"`
	EventData string    `db:"event_data" json:"event_data"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// ReviewIteration is one observed cycle of the review-fix loop on a PR.
type ReviewIteration struct {
	ID            int64     `db:"id" json:"id"`
	PRNumber      int       `db:"pr_number" json:"pr_number"`
	Iteration     int       `db:"iteration" json:"iteration"`
	CommentsCount int       `db:"comments_count" json:"comments_count"`
	CommentsJSON  *string   `db:"comments_json" json:"comments_json,omitempty"`
	AgentID       *string   `db:"agent_id" json:"agent_id,omitempty"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intPtr(n int) *int { return &n }
