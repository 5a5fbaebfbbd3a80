package scrape

import (
	"time"

	"github.com/JakeFAU/registry-scraper/internal/store"
)

// Summary is published when a job leaves the slot.
type Summary struct {
	JobID         string          `json:"jobId"`
	Folder        string          `json:"folder"`
	Status        store.RunStatus `json:"status"`
	Tables        int             `json:"tables"`
	TablesDone    int             `json:"tablesDone"`
	TablesSkipped int             `json:"tablesSkipped"`
	RowsSaved     int             `json:"rowsSaved"`
	RowsFallback  int             `json:"rowsFallback"`
	StartedAt     time.Time       `json:"startedAt"`
	FinishedAt    time.Time       `json:"finishedAt"`
	Error         string          `json:"error,omitempty"`
}

// Attributes lets subscribers filter on job and status.
func (s Summary) Attributes() map[string]string {
	return map[string]string{
		"job_id": s.JobID,
		"status": string(s.Status),
		"folder": s.Folder,
	}
}

func newSummary(j *job, status store.RunStatus) Summary {
	return Summary{
		JobID:         j.id,
		Folder:        j.spec.FolderName,
		Status:        status,
		Tables:        len(j.spec.TableURLs),
		TablesDone:    j.counters.TablesDone,
		TablesSkipped: j.counters.TablesSkipped,
		RowsSaved:     j.counters.RowsSaved,
		RowsFallback:  j.counters.RowsFallback,
		StartedAt:     j.startedAt,
		FinishedAt:    j.finishedAt,
		Error:         j.lastErr,
	}
}

func (s Summary) outcome() store.Outcome {
	return store.Outcome{
		FinishedAt:    s.FinishedAt,
		Status:        s.Status,
		RowsSaved:     s.RowsSaved,
		TablesSkipped: s.TablesSkipped,
		Error:         s.Error,
	}
}
