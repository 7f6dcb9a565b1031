package domain

import "time"

type ArchiveStatus string

const (
	ArchiveArchived ArchiveStatus = "archived"
	ArchiveFailed   ArchiveStatus = "failed"
	ArchiveSkipped  ArchiveStatus = "skipped"
)

// ArchiveOutcome is the result of archiving one URL. ExitCode is -1 when
// the process never ran or did not exit on its own.
type ArchiveOutcome struct {
	Status   ArchiveStatus `json:"status"`
	ExitCode int           `json:"exit_code"`
	Reason   string        `json:"reason,omitempty"`
}

// Succeeded reports whether the item may proceed to deletion.
func (o ArchiveOutcome) Succeeded() bool {
	return o.Status == ArchiveArchived || o.Status == ArchiveSkipped
}

type ItemState string

const (
	StateMalformed     ItemState = "malformed"
	StateArchiveFailed ItemState = "archive_failed"
	StateDeleted       ItemState = "deleted"
	StateKept          ItemState = "kept"
	StateDeleteFailed  ItemState = "delete_failed"
)

// ItemOutcome records what happened to one bookmark during a run.
type ItemOutcome struct {
	Index      int            `json:"index"`
	BookmarkID uint64         `json:"bookmark_id"`
	Title      string         `json:"title"`
	URL        string         `json:"url"`
	Archive    ArchiveOutcome `json:"archive"`
	State      ItemState      `json:"state"`
	Error      string         `json:"error,omitempty"`
}

// RunReport holds statistics about a sync run.
type RunReport struct {
	RunID          string        `json:"run_id"`
	Account        string        `json:"account"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration_ns"`
	Fetched        int           `json:"fetched"`
	Malformed      int           `json:"malformed"`
	Archived       int           `json:"archived"`
	ArchiveSkipped int           `json:"archive_skipped"`
	ArchiveFailed  int           `json:"archive_failed"`
	Deleted        int           `json:"deleted"`
	DeleteFailed   int           `json:"delete_failed"`
	Kept           int           `json:"kept"`
	Published      int           `json:"published"`
	PublishErrors  int           `json:"publish_errors"`
	Items          []ItemOutcome `json:"items"`
}

// AccountState accumulates totals across runs for one remote account.
type AccountState struct {
	ID            int64     `db:"id"`
	Account       string    `db:"account"`
	LastRunAt     time.Time `db:"last_run_at"`
	LastRunID     string    `db:"last_run_id"`
	TotalArchived int64     `db:"total_archived"`
	TotalDeleted  int64     `db:"total_deleted"`
}
