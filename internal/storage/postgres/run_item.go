package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"

	"nclbk/internal/domain"
)

const (
	itemColumns = 9
	// keeps a single statement under the 65535 bind parameter limit
	itemBatchSize = 1000
)

type ItemStore struct {
	db *sqlx.DB
}

func NewItemStore(db *sqlx.DB) *ItemStore {
	return &ItemStore{db: db}
}

// InsertBatch stores the outcomes of one run in multi-row inserts.
func (s *ItemStore) InsertBatch(ctx context.Context, runID int64, items []domain.ItemOutcome) error {
	exec := GetExecutor(ctx, s.db)

	for start := 0; start < len(items); start += itemBatchSize {
		end := min(start+itemBatchSize, len(items))
		query, args := buildItemInsert(runID, items[start:end])

		if _, err := exec.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert run items %d-%d: %w", start, end-1, err)
		}
	}

	return nil
}

func buildItemInsert(runID int64, items []domain.ItemOutcome) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO run_items (run_id, item_index, bookmark_id, title, url, archive_status, exit_code, state, error) VALUES ")
	args := make([]any, 0, len(items)*itemColumns)

	for i, item := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 0; col < itemColumns; col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(strconv.Itoa(i*itemColumns + col + 1))
		}
		sb.WriteString(")")

		args = append(args,
			runID,
			item.Index,
			int64(item.BookmarkID),
			item.Title,
			item.URL,
			string(item.Archive.Status),
			item.Archive.ExitCode,
			string(item.State),
			item.Error,
		)
	}

	return sb.String(), args
}
