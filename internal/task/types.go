// Package task runs at most one cancellable background job per session and
// tracks its lifecycle.
package task

import (
	"context"
	"time"

	"runcore/internal/cancel"
	"runcore/internal/eventbus"
)

// Status is the lifecycle state of a run. Transitions are monotone: running
// moves to exactly one terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusError
}

// Job is the unit of work a run executes. It must call token.Checkpoint at
// every loop iteration and before visible side effects; ctx is cancelled as a
// forced stop when the run is cancelled.
type Job func(ctx context.Context, token *cancel.Token) error

// StartOutcome reports what Start did.
type StartOutcome string

const (
	Started        StartOutcome = "started"
	AlreadyRunning StartOutcome = "already_running"
)

// CancelOutcome reports what Cancel did.
type CancelOutcome string

const (
	NotFound   CancelOutcome = "not_found"
	Cancelling CancelOutcome = "cancelling"
)

// StartResult is returned by Start.
type StartResult struct {
	Outcome StartOutcome `json:"result"`
	RunID   string       `json:"run_id,omitempty"`
}

// CancelResult is returned by Cancel. Status is the run status at the time of
// the request.
type CancelResult struct {
	Outcome CancelOutcome `json:"result"`
	Status  Status        `json:"status,omitempty"`
}

// Record is a snapshot of one run. It never carries the live job handle.
type Record struct {
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind,omitempty"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// StatusResult answers a status query.
type StatusResult struct {
	Exists bool `json:"exists"`
	Record
}

// Publisher is the slice of the event bus the manager reports to.
type Publisher interface {
	Publish(ctx context.Context, sessionID, eventType string, payload map[string]any) eventbus.Event
}

// Run lifecycle event types besides the terminal ones in eventbus.
const EventStarted = "started"
