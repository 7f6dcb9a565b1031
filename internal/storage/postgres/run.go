package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"nclbk/internal/domain"
)

type RunStore struct {
	db *sqlx.DB
}

func NewRunStore(db *sqlx.DB) *RunStore {
	return &RunStore{db: db}
}

// Insert stores the run totals and returns the row id that run items
// reference.
func (s *RunStore) Insert(ctx context.Context, report *domain.RunReport) (int64, error) {
	query := `
		INSERT INTO runs (
			run_id, account, started_at, duration_ms, fetched, malformed,
			archived, archive_skipped, archive_failed, deleted, delete_failed,
			kept, published, publish_errors
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		report.RunID,
		report.Account,
		report.StartedAt,
		report.Duration.Milliseconds(),
		report.Fetched,
		report.Malformed,
		report.Archived,
		report.ArchiveSkipped,
		report.ArchiveFailed,
		report.Deleted,
		report.DeleteFailed,
		report.Kept,
		report.Published,
		report.PublishErrors,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	return id, nil
}
