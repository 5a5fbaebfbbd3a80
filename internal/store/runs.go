package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the runs status column.
type RunStatus string

// Run statuses persisted in the status column.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Run is one scraping job as recorded in history.
type Run struct {
	ID            string     `json:"id"`
	Folder        string     `json:"folder"`
	Tables        []string   `json:"tables"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Status        RunStatus  `json:"status"`
	RowsSaved     int        `json:"rowsSaved"`
	TablesSkipped int        `json:"tablesSkipped"`
	ErrorMessage  *string    `json:"errorMessage,omitempty"`
}

// Outcome is the terminal state written when a run ends.
type Outcome struct {
	FinishedAt    time.Time
	Status        RunStatus
	RowsSaved     int
	TablesSkipped int
	// Error is empty for successful runs.
	Error string
}

// RunRepository persists scrape run history.
type RunRepository interface {
	// RecordStart inserts a run in running state.
	RecordStart(ctx context.Context, run Run) error
	// RecordFinish stores the outcome of a run or returns ErrNotFound.
	RecordFinish(ctx context.Context, id string, outcome Outcome) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id string) (Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
}
