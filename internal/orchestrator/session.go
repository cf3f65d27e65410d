package orchestrator

import (
	"time"

	"github.com/ShayCichocki/colony/internal/memory"
	"github.com/ShayCichocki/colony/internal/scheduler"
	"github.com/ShayCichocki/colony/pkg/models"
)

// SessionStatus is the state of an orchestrator session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// session is the in-flight session state. Each session owns its scheduler.
type session struct {
	id        string
	startedAt time.Time
	status    SessionStatus
	goals     int
	sched     *scheduler.Scheduler
}

// TaskOutcome is the final state of one task of a goal.
type TaskOutcome struct {
	TaskID   string            `json:"task_id"`
	StepID   string            `json:"step_id"`
	Title    string            `json:"title"`
	Assignee string            `json:"assignee"`
	Priority models.Priority   `json:"priority"`
	Status   models.TaskStatus `json:"status"`
	Output   string            `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	// Reason is the blocking reason of a BLOCKED task.
	Reason string `json:"reason,omitempty"`
}

// ExecutionSummary is the result of ProcessGoal.
type ExecutionSummary struct {
	SessionID string        `json:"session_id"`
	Goal      string        `json:"goal"`
	Plan      models.Plan   `json:"plan"`
	Tasks     []TaskOutcome `json:"tasks"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	// Stranded counts tasks still queued because a dependency never completed.
	Stranded   int               `json:"stranded"`
	Reflection models.Reflection `json:"reflection"`
	Duration   time.Duration     `json:"duration"`
}

// SessionSummary is the result of EndSession.
type SessionSummary struct {
	ID        string          `json:"id"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Duration  time.Duration   `json:"duration"`
	Goals     int             `json:"goals"`
	Scheduler scheduler.Stats `json:"scheduler"`
	// Memory is nil without a memory collaborator.
	Memory *memory.Stats `json:"memory,omitempty"`
}
