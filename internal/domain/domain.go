package domain

import "time"

// Mission statuses as stored in the database and the backlog export.
const (
	StatusQueued     = "Queued"
	StatusCurrent    = "Current"
	StatusInProgress = "In Progress"
	StatusCompleted  = "Completed"
	StatusBlocked    = "Blocked"
)

// ValidStatus reports whether s is one of the recognised mission statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusQueued, StatusCurrent, StatusInProgress, StatusCompleted, StatusBlocked:
		return true
	}
	return false
}

// StatusRank returns the queue-selection priority for a status. Lower ranks
// are picked first; ties fall back to insertion order (rowid).
func StatusRank(s string) int {
	switch s {
	case StatusInProgress:
		return 0
	case StatusCurrent:
		return 1
	case StatusQueued:
		return 2
	case StatusBlocked:
		return 3
	default:
		return 4
	}
}

// Session event actions and the event statuses they record.
const (
	ActionStart    = "start"
	ActionComplete = "complete"
	ActionBlocked  = "blocked"

	EventStatusInProgress = "in_progress"
	EventStatusCompleted  = "completed"
	EventStatusBlocked    = "blocked"
)

type Mission struct {
	ID          string  `json:"id"`
	SprintID    *string `json:"sprint_id,omitempty"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Notes       string  `json:"notes,omitempty"`
	Metadata    string  `json:"metadata,omitempty"`
}

type Sprint struct {
	ID                string  `json:"id"`
	Title             string  `json:"title,omitempty"`
	Focus             string  `json:"focus,omitempty"`
	Status            string  `json:"status,omitempty"`
	StartDate         *string `json:"start_date,omitempty"`
	EndDate           *string `json:"end_date,omitempty"`
	TotalMissions     *int    `json:"total_missions,omitempty"`
	CompletedMissions *int    `json:"completed_missions,omitempty"`
}

// Dependency is an advisory edge between missions; the lifecycle engine does
// not enforce it when promoting.
type Dependency struct {
	FromID string `json:"from"`
	ToID   string `json:"to"`
	Type   string `json:"type,omitempty"`
}

type SessionEvent struct {
	ID       int64  `json:"id,omitempty"`
	TS       string `json:"ts" format:"date-time"`
	Agent    string `json:"agent"`
	Mission  string `json:"mission"`
	Action   string `json:"action"`
	Status   string `json:"status"`
	Summary  string `json:"summary"`
	NextHint string `json:"next_hint,omitempty"`
	Raw      string `json:"raw_event,omitempty"`
}

type ContextRecord struct {
	ID         string `json:"id"`
	SourcePath string `json:"source_path,omitempty"`
	Content    string `json:"content"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Snapshot struct {
	ID          int64  `json:"id"`
	ContextID   string `json:"context_id"`
	SessionID   string `json:"session_id,omitempty"`
	Source      string `json:"source,omitempty"`
	ContentHash string `json:"content_hash"`
	Content     string `json:"content"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PromptMapping struct {
	ID       int64  `json:"id,omitempty"`
	Prompt   string `json:"prompt"`
	Behavior string `json:"behavior"`
}

type HealthStatus struct {
	OK      bool           `json:"ok"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// FormatTS renders a timestamp as ISO-8601 UTC with second precision, the
// format used for every persisted timestamp.
func FormatTS(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
