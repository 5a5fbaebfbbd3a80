// Package scrape runs the single scraping job slot. A job logs in to the
// registry, walks each table URL in order and captures every row in the
// requested range, streaming progress to the log bus as it goes.
package scrape

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyRunning rejects a start while another job holds the slot.
	ErrAlreadyRunning = errors.New("a scraping operation is already in progress")
	// ErrMaintenanceWindow rejects a start during the registry's maintenance window.
	ErrMaintenanceWindow = errors.New("website under maintenance")
	// ErrInvalidSpec rejects a job description that cannot be run.
	ErrInvalidSpec = errors.New("invalid scrape request")
	// ErrMissingInput is the ErrInvalidSpec case for absent required fields.
	ErrMissingInput = fmt.Errorf("%w: login URL, table URLs, and folder name are required", ErrInvalidSpec)
	// ErrOutputDir reports an output folder that could not be created.
	ErrOutputDir = errors.New("error creating save directory")
	// ErrContentFatal stops a job whose page matched an error signature.
	ErrContentFatal = errors.New("unexpected content detected")
)

// maintenanceError carries the gate's user-facing message and matches
// ErrMaintenanceWindow.
type maintenanceError struct {
	msg string
}

func (e *maintenanceError) Error() string {
	return e.msg
}

func (e *maintenanceError) Is(target error) bool {
	return target == ErrMaintenanceWindow
}

// State is the lifecycle state of the job slot.
type State int

// Job slot states. Idle, Completed and Failed all leave the slot free.
const (
	StateIdle State = iota
	StateRunning
	StateAborting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Busy reports whether the state holds the job slot.
func (s State) Busy() bool {
	return s == StateRunning || s == StateAborting
}

// Spec describes one scraping job. StartIndex is 1-based and LastIndex is an
// inclusive 1-based bound; both are optional.
type Spec struct {
	LoginURL   string   `json:"loginUrl"`
	TableURLs  []string `json:"urls"`
	FolderName string   `json:"folderName"`
	StartIndex *int     `json:"startIndex,omitempty"`
	LastIndex  *int     `json:"lastIndex,omitempty"`
}

// Normalize trims the string fields.
func (s Spec) Normalize() Spec {
	out := s
	out.LoginURL = strings.TrimSpace(s.LoginURL)
	out.FolderName = strings.TrimSpace(s.FolderName)
	out.TableURLs = make([]string, 0, len(s.TableURLs))
	for _, u := range s.TableURLs {
		out.TableURLs = append(out.TableURLs, strings.TrimSpace(u))
	}
	return out
}

// Validate reports ErrMissingInput when a required field is empty.
func (s Spec) Validate() error {
	if s.LoginURL == "" || s.FolderName == "" || len(s.TableURLs) == 0 {
		return ErrMissingInput
	}
	for i, u := range s.TableURLs {
		if u == "" {
			return fmt.Errorf("%w: table URL %d is empty", ErrInvalidSpec, i+1)
		}
	}
	return nil
}

// Ack is returned to callers of Start and Abort.
type Ack struct {
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

// Counters track progress of the current job.
type Counters struct {
	TablesDone    int `json:"tablesDone"`
	TablesSkipped int `json:"tablesSkipped"`
	RowsSaved     int `json:"rowsSaved"`
	RowsFallback  int `json:"rowsFallback"`
}

// Snapshot is a point-in-time view of the job slot.
type Snapshot struct {
	State      State      `json:"state"`
	JobID      string     `json:"jobId,omitempty"`
	Job        *Spec      `json:"job,omitempty"`
	Directory  string     `json:"directory,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Counters   Counters   `json:"counters"`
	LastError  string     `json:"lastError,omitempty"`
}

type job struct {
	id         string
	spec       Spec
	dir        string
	startedAt  time.Time
	finishedAt time.Time
	counters   Counters
	lastErr    string
}
