package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nclbk/internal/config"
	"nclbk/internal/domain"
	"nclbk/internal/metrics"
)

const recordTimeout = 30 * time.Second

// History groups the stores of the run ledger. All fields are required.
type History struct {
	Runs      RunStore
	Items     ItemStore
	States    StateStore
	TxManager TransactionManager
}

type SyncService struct {
	gateway   Gateway
	archiver  Archiver
	history   *History
	publisher Publisher
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	query     domain.Query
	run       domain.RunConfig
	retry     config.RetryConfig
}

// NewSyncService wires a run. history, publisher and collector may be nil.
func NewSyncService(
	gateway Gateway,
	archiver Archiver,
	history *History,
	publisher Publisher,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg *config.Config,
) *SyncService {
	if collector == nil {
		collector = noopMetrics{}
	}
	return &SyncService{
		gateway:   gateway,
		archiver:  archiver,
		history:   history,
		publisher: publisher,
		metrics:   collector,
		logger:    logger.With("account", gateway.Account()),
		query:     cfg.Sync.Query(),
		run:       cfg.RunConfig(),
		retry:     cfg.Remote.Retry,
	}
}

// Sync fetches the matching bookmarks once and processes them one by one.
// Per-item failures are recorded in the report; only a failed fetch, a
// cancelled context or a failed ledger write make Sync return an error.
func (s *SyncService) Sync(ctx context.Context) (*domain.RunReport, error) {
	startTime := time.Now()
	report := &domain.RunReport{
		RunID:     uuid.NewString(),
		Account:   s.gateway.Account(),
		StartedAt: startTime.UTC(),
	}
	logger := s.logger.With("run_id", report.RunID)

	logger.Info("starting sync",
		"tags", s.query.Tags,
		"filters", s.query.Filters,
		"unavailable", s.query.Unavailable,
		"download", s.run.Download,
		"remove", s.run.Remove,
	)

	records, err := s.fetchBookmarks(ctx, logger)
	if err != nil {
		s.metrics.RecordRunFailure()
		return nil, fmt.Errorf("fetch bookmarks: %w", err)
	}

	report.Fetched = len(records)
	s.metrics.RecordBookmarksFetched(len(records))
	logger.Info("fetched bookmarks from remote", "count", len(records))

	var runErr error
	for i := range records {
		if err := ctx.Err(); err != nil {
			logger.Warn("sync interrupted",
				"processed", i,
				"remaining", len(records)-i,
			)
			runErr = err
			break
		}

		item := s.processRecord(ctx, logger, &records[i])
		report.Items = append(report.Items, item)
		tally(report, &item)
		s.publish(ctx, logger, report, &item)
	}

	report.Duration = time.Since(startTime)

	if err := s.recordRun(ctx, report); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("record run: %w", err))
	}

	if runErr != nil {
		s.metrics.RecordRunFailure()
		logger.Error("sync finished with error", "error", runErr)
		return report, runErr
	}

	s.metrics.RecordRunDuration(report.Duration)

	logger.Info("sync completed",
		"fetched", report.Fetched,
		"malformed", report.Malformed,
		"archived", report.Archived,
		"archive_skipped", report.ArchiveSkipped,
		"archive_failed", report.ArchiveFailed,
		"deleted", report.Deleted,
		"delete_failed", report.DeleteFailed,
		"kept", report.Kept,
		"published", report.Published,
		"duration", report.Duration,
	)

	return report, nil
}

func (s *SyncService) fetchBookmarks(ctx context.Context, logger *slog.Logger) ([]domain.BookmarkRecord, error) {
	attempts := max(s.retry.MaxAttempts, 1)

	var records []domain.BookmarkRecord
	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		records, err = s.gateway.ListBookmarks(ctx, s.query)
		if err == nil {
			return records, nil
		}

		if attempt == attempts {
			break
		}

		backoff := s.calculateBackoff(attempt)
		logger.Warn("request failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", attempts, err)
}

func (s *SyncService) calculateBackoff(attempt int) time.Duration {
	backoff := s.retry.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	if s.retry.MaxBackoff > 0 && backoff > s.retry.MaxBackoff {
		backoff = s.retry.MaxBackoff
	}
	return backoff
}

func (s *SyncService) processRecord(ctx context.Context, logger *slog.Logger, rec *domain.BookmarkRecord) domain.ItemOutcome {
	if !rec.Present {
		logger.Warn("skipping malformed bookmark record", "index", rec.Index)
		s.metrics.RecordSkipped("malformed")
		return domain.ItemOutcome{
			Index: rec.Index,
			State: domain.StateMalformed,
			Error: "null record in response",
		}
	}

	b := rec.Bookmark
	url := domain.NormalizeURL(b.URL)
	item := domain.ItemOutcome{
		Index:      rec.Index,
		BookmarkID: b.ID,
		Title:      b.Title,
		URL:        url,
	}

	logger = logger.With("bookmark_id", b.ID)
	logger.Debug("bookmark", "bookmark", b)
	logger.Info("bookmark url", "url", url)

	item.Archive = s.archive(ctx, url)
	if !item.Archive.Succeeded() {
		item.State = domain.StateArchiveFailed
		item.Error = item.Archive.Reason
		s.metrics.RecordSkipped("archive_failed")
		logger.Warn("archive failed, keeping bookmark",
			"url", url,
			"exit_code", item.Archive.ExitCode,
			"reason", item.Archive.Reason,
		)
		return item
	}

	if !s.run.Remove {
		item.State = domain.StateKept
		s.metrics.RecordSkipped("dry_run")
		logger.Info("would have deleted bookmark", "url", url)
		return item
	}

	ok, err := s.gateway.DeleteBookmark(ctx, b.ID)
	switch {
	case err != nil:
		item.State = domain.StateDeleteFailed
		item.Error = err.Error()
		logger.Warn("failed to delete bookmark", "url", url, "error", err)
	case !ok:
		item.State = domain.StateDeleteFailed
		item.Error = "remote rejected delete"
		logger.Warn("remote rejected bookmark delete", "url", url)
	default:
		item.State = domain.StateDeleted
		logger.Info("removed bookmark", "title", b.Title, "url", url)
	}
	s.metrics.RecordDelete(item.State == domain.StateDeleted)

	return item
}

func (s *SyncService) archive(ctx context.Context, url string) domain.ArchiveOutcome {
	if !s.run.Download {
		return domain.ArchiveOutcome{Status: domain.ArchiveSkipped, ExitCode: -1}
	}

	var outcome domain.ArchiveOutcome
	if url == "" {
		outcome = domain.ArchiveOutcome{
			Status:   domain.ArchiveFailed,
			ExitCode: -1,
			Reason:   "bookmark has no url",
		}
	} else {
		outcome = s.archiver.Archive(ctx, url, s.run.OutputDir, s.run.Command)
	}

	s.metrics.RecordArchive(outcome.Status == domain.ArchiveArchived)
	return outcome
}

func (s *SyncService) publish(ctx context.Context, logger *slog.Logger, report *domain.RunReport, item *domain.ItemOutcome) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, report, item); err != nil {
		report.PublishErrors++
		logger.Warn("failed to publish outcome",
			"index", item.Index,
			"bookmark_id", item.BookmarkID,
			"error", err,
		)
		return
	}
	report.Published++
}

// recordRun writes the report to the ledger. Cancellation of ctx does not
// apply; the write is bounded by recordTimeout instead.
func (s *SyncService) recordRun(ctx context.Context, report *domain.RunReport) error {
	if s.history == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	return s.history.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		runID, err := s.history.Runs.Insert(txCtx, report)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		if len(report.Items) > 0 {
			if err := s.history.Items.InsertBatch(txCtx, runID, report.Items); err != nil {
				return fmt.Errorf("insert run items: %w", err)
			}
		}

		state, err := s.history.States.Get(txCtx, report.Account)
		if err != nil {
			return fmt.Errorf("get account state: %w", err)
		}

		state.Account = report.Account
		state.LastRunAt = report.StartedAt
		state.LastRunID = report.RunID
		state.TotalArchived += int64(report.Archived)
		state.TotalDeleted += int64(report.Deleted)

		if err := s.history.States.Update(txCtx, state); err != nil {
			return fmt.Errorf("update account state: %w", err)
		}
		return nil
	})
}

func tally(report *domain.RunReport, item *domain.ItemOutcome) {
	switch item.Archive.Status {
	case domain.ArchiveArchived:
		report.Archived++
	case domain.ArchiveSkipped:
		report.ArchiveSkipped++
	case domain.ArchiveFailed:
		report.ArchiveFailed++
	}

	switch item.State {
	case domain.StateMalformed:
		report.Malformed++
	case domain.StateDeleted:
		report.Deleted++
	case domain.StateDeleteFailed:
		report.DeleteFailed++
	case domain.StateKept:
		report.Kept++
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordBookmarksFetched(int)      {}
func (noopMetrics) RecordArchive(bool)              {}
func (noopMetrics) RecordDelete(bool)               {}
func (noopMetrics) RecordSkipped(string)            {}
func (noopMetrics) RecordRunDuration(time.Duration) {}
func (noopMetrics) RecordRunFailure()               {}
