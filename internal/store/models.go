package store

import (
	"database/sql"
	"time"
)

type TaskStatus string

const (
	TaskTodo       TaskStatus = "Todo"
	TaskInProgress TaskStatus = "InProgress"
	TaskInReview   TaskStatus = "InReview"
	TaskDone       TaskStatus = "Done"
	TaskCancelled  TaskStatus = "Cancelled"
)

type ProcessType string

const (
	ProcessSetupScript   ProcessType = "SetupScript"
	ProcessCodingAgent   ProcessType = "CodingAgent"
	ProcessCleanupScript ProcessType = "CleanupScript"
	ProcessDevServer     ProcessType = "DevServer"
)

type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "Running"
	ProcessCompleted ProcessStatus = "Completed"
	ProcessFailed    ProcessStatus = "Failed"
	ProcessKilled    ProcessStatus = "Killed"
)

type EventKind string

const (
	EventUserMessage      EventKind = "UserMessage"
	EventAssistantMessage EventKind = "AssistantMessage"
	EventToolUse          EventKind = "ToolUse"
	EventToolResult       EventKind = "ToolResult"
	EventError            EventKind = "Error"
	EventSessionStarted   EventKind = "SessionStarted"
	EventFinished         EventKind = "Finished"
)

type Project struct {
	ID            string
	Name          string
	GitRepoPath   string
	SetupScript   *string
	DevScript     *string
	CleanupScript *string
	CreatedBy     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Task struct {
	ID                   string
	ProjectID            string
	Title                string
	Description          *string
	Status               TaskStatus
	WishID               string
	ParentTaskAttemptID  *string
	CreatedBy            *string
	AssignedTo           *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TaskWithDerivedStatus is the view-layer projection of a task with its
// status flags computed on read via correlated subqueries, never stored
// on the task row itself, so they can never be written out of step with
// the attempt/process rows they summarize.
type TaskWithDerivedStatus struct {
	Task
	HasInProgressAttempt bool
	HasMergedAttempt     bool
	LastAttemptFailed    bool
	LatestAttemptExecutor *string
}

type TaskAttempt struct {
	ID           string
	TaskID       string
	Executor     string
	BaseBranch   string
	Branch       string
	WorktreePath string
	PRURL        *string
	PRStatus     *string
	PRMergedAt   *time.Time
	MergeCommit  *string
	CreatedBy    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ExecutionProcess struct {
	ID               string
	TaskAttemptID    string
	ProcessType      ProcessType
	ExecutorType     string
	Status           ProcessStatus
	CommandLine      string
	WorkingDirectory string
	ExitCode         *int
	StartedAt        time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type ConversationEvent struct {
	ProcessID         string
	Seq               int64
	Kind              EventKind
	Payload           string
	ExternalSessionID *string
	CreatedAt         time.Time
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
