package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"nclbk/internal/config"
	"nclbk/internal/domain"
	"nclbk/internal/metrics"
	"nclbk/internal/service/mocks"
)

const testAccount = "dan@cloud.example.com"

type SyncServiceTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	gateway   *mocks.MockGateway
	archiver  *mocks.MockArchiver
	runs      *mocks.MockRunStore
	items     *mocks.MockItemStore
	states    *mocks.MockStateStore
	txManager *mocks.MockTransactionManager
	publisher *mocks.MockPublisher

	cfg    *config.Config
	logger *slog.Logger
}

func (s *SyncServiceTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.gateway = mocks.NewMockGateway(s.ctrl)
	s.archiver = mocks.NewMockArchiver(s.ctrl)
	s.runs = mocks.NewMockRunStore(s.ctrl)
	s.items = mocks.NewMockItemStore(s.ctrl)
	s.states = mocks.NewMockStateStore(s.ctrl)
	s.txManager = mocks.NewMockTransactionManager(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)

	s.cfg = &config.Config{
		Remote: config.RemoteConfig{
			Retry: config.RetryConfig{
				MaxAttempts:    2,
				InitialBackoff: time.Millisecond,
				MaxBackoff:     5 * time.Millisecond,
			},
		},
		Archive: config.ArchiveConfig{
			Command:   "yt-dlp",
			OutputDir: "/tmp/out",
		},
		Sync: config.SyncConfig{
			Download: true,
			Remove:   true,
		},
	}

	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	s.gateway.EXPECT().Account().Return(testAccount).AnyTimes()
}

func (s *SyncServiceTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestSyncServiceTestSuite(t *testing.T) {
	suite.Run(t, new(SyncServiceTestSuite))
}

func (s *SyncServiceTestSuite) newService() *SyncService {
	return NewSyncService(s.gateway, s.archiver, nil, nil, nil, s.logger, s.cfg)
}

func (s *SyncServiceTestSuite) history() *History {
	return &History{
		Runs:      s.runs,
		Items:     s.items,
		States:    s.states,
		TxManager: s.txManager,
	}
}

func present(index int, id uint64, url string) domain.BookmarkRecord {
	return domain.BookmarkRecord{
		Index:   index,
		Present: true,
		Bookmark: domain.Bookmark{
			ID:    id,
			URL:   url,
			Title: "bookmark " + url,
		},
	}
}

func archived() domain.ArchiveOutcome {
	return domain.ArchiveOutcome{Status: domain.ArchiveArchived, ExitCode: 0}
}

func (s *SyncServiceTestSuite) TestSync_DeleteOnlyRemovesEveryBookmark() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
		present(2, 3, "https://c.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(true, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(2)).Return(true, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(3)).Return(true, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(testAccount, report.Account)
	s.NotEmpty(report.RunID)
	s.Equal(3, report.Fetched)
	s.Equal(3, report.ArchiveSkipped)
	s.Equal(0, report.Archived)
	s.Equal(3, report.Deleted)
	s.Require().Len(report.Items, 3)
	for _, item := range report.Items {
		s.Equal(domain.StateDeleted, item.State)
		s.Equal(domain.ArchiveSkipped, item.Archive.Status)
	}
}

func (s *SyncServiceTestSuite) TestSync_ArchiveFailureKeepsBookmark() {
	ctx := context.Background()

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
		present(2, 3, "https://c.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	gomock.InOrder(
		s.archiver.EXPECT().Archive(ctx, "https://a.example/", "/tmp/out", "yt-dlp").Return(archived()),
		s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(true, nil),
		s.archiver.EXPECT().Archive(ctx, "https://b.example/", "/tmp/out", "yt-dlp").Return(domain.ArchiveOutcome{
			Status:   domain.ArchiveFailed,
			ExitCode: 1,
			Reason:   "archive command exited with status 1",
		}),
		s.archiver.EXPECT().Archive(ctx, "https://c.example/", "/tmp/out", "yt-dlp").Return(archived()),
		s.gateway.EXPECT().DeleteBookmark(ctx, uint64(3)).Return(true, nil),
	)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(2, report.Archived)
	s.Equal(1, report.ArchiveFailed)
	s.Equal(2, report.Deleted)
	s.Require().Len(report.Items, 3)
	s.Equal(domain.StateArchiveFailed, report.Items[1].State)
	s.Equal(1, report.Items[1].Archive.ExitCode)
	s.Equal("archive command exited with status 1", report.Items[1].Error)
}

func (s *SyncServiceTestSuite) TestSync_DryRunNeverDeletes() {
	ctx := context.Background()
	s.cfg.Sync.Remove = false

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.archiver.EXPECT().Archive(ctx, gomock.Any(), "/tmp/out", "yt-dlp").Return(archived()).Times(2)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(2, report.Archived)
	s.Equal(2, report.Kept)
	s.Equal(0, report.Deleted)
}

func (s *SyncServiceTestSuite) TestSync_NormalizesQuotedURL() {
	ctx := context.Background()

	records := []domain.BookmarkRecord{present(0, 9, `"https://quoted.example/x"`)}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.archiver.EXPECT().Archive(ctx, "https://quoted.example/x", "/tmp/out", "yt-dlp").Return(archived())
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(9)).Return(true, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Require().Len(report.Items, 1)
	s.Equal("https://quoted.example/x", report.Items[0].URL)
}

func (s *SyncServiceTestSuite) TestSync_PassesQuery() {
	ctx := context.Background()
	s.cfg.Sync.Tags = []string{"video"}
	s.cfg.Sync.Filters = []string{"youtube"}
	s.cfg.Sync.Unavailable = true

	want := domain.Query{
		Tags:        []string{"video"},
		Filters:     []string{"youtube"},
		Unavailable: true,
	}
	s.gateway.EXPECT().ListBookmarks(ctx, want).Return([]domain.BookmarkRecord{}, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(0, report.Fetched)
	s.Empty(report.Items)
}

func (s *SyncServiceTestSuite) TestSync_SkipsMalformedRecord() {
	ctx := context.Background()

	records := []domain.BookmarkRecord{
		{Index: 0},
		present(1, 2, "https://b.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.archiver.EXPECT().Archive(ctx, "https://b.example/", "/tmp/out", "yt-dlp").Return(archived())
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(2)).Return(true, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(2, report.Fetched)
	s.Equal(1, report.Malformed)
	s.Equal(1, report.Deleted)
	s.Require().Len(report.Items, 2)
	s.Equal(domain.StateMalformed, report.Items[0].State)
	s.Equal(uint64(0), report.Items[0].BookmarkID)
}

func (s *SyncServiceTestSuite) TestSync_DeleteFailuresDoNotStopRun() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
		present(2, 3, "https://c.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(false, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(2)).Return(false, errors.New("connection reset"))
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(3)).Return(true, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(2, report.DeleteFailed)
	s.Equal(1, report.Deleted)
	s.Equal("remote rejected delete", report.Items[0].Error)
	s.Equal("connection reset", report.Items[1].Error)
}

func (s *SyncServiceTestSuite) TestSync_EmptyURLFailsArchive() {
	ctx := context.Background()

	records := []domain.BookmarkRecord{present(0, 4, "")}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(1, report.ArchiveFailed)
	s.Require().Len(report.Items, 1)
	s.Equal(domain.StateArchiveFailed, report.Items[0].State)
	s.Equal("bookmark has no url", report.Items[0].Error)
}

func (s *SyncServiceTestSuite) TestSync_FetchError() {
	ctx := context.Background()

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(nil, errors.New("api error")).Times(2)

	report, err := s.newService().Sync(ctx)

	s.Error(err)
	s.Nil(report)
	s.Contains(err.Error(), "fetch bookmarks")
	s.Contains(err.Error(), "after 2 attempts")
}

func (s *SyncServiceTestSuite) TestSync_FetchRetrySucceeds() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	gomock.InOrder(
		s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(nil, errors.New("temporary")),
		s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return([]domain.BookmarkRecord{present(0, 1, "https://a.example/")}, nil),
	)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(true, nil)

	report, err := s.newService().Sync(ctx)

	s.Require().NoError(err)
	s.Equal(1, report.Deleted)
}

func (s *SyncServiceTestSuite) TestSync_PublishesOutcomes() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, gomock.Any()).Return(true, nil).Times(2)

	var runIDs []string
	gomock.InOrder(
		s.publisher.EXPECT().Publish(ctx, gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, report *domain.RunReport, item *domain.ItemOutcome) error {
				runIDs = append(runIDs, report.RunID)
				s.Equal(uint64(1), item.BookmarkID)
				s.Equal(domain.StateDeleted, item.State)
				return nil
			},
		),
		s.publisher.EXPECT().Publish(ctx, gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, report *domain.RunReport, item *domain.ItemOutcome) error {
				runIDs = append(runIDs, report.RunID)
				return errors.New("channel closed")
			},
		),
	)

	service := NewSyncService(s.gateway, s.archiver, nil, s.publisher, nil, s.logger, s.cfg)
	report, err := service.Sync(ctx)

	s.Require().NoError(err)
	s.Equal(1, report.Published)
	s.Equal(1, report.PublishErrors)
	s.Equal(2, report.Deleted)
	s.Equal([]string{report.RunID, report.RunID}, runIDs)
}

func (s *SyncServiceTestSuite) TestSync_RecordsHistory() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{present(0, 1, "https://a.example/")}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(true, nil)

	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
	s.runs.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, report *domain.RunReport) (int64, error) {
			s.Equal(1, report.Deleted)
			return 7, nil
		},
	)
	s.items.EXPECT().InsertBatch(gomock.Any(), int64(7), gomock.Len(1)).Return(nil)
	s.states.EXPECT().Get(gomock.Any(), testAccount).Return(&domain.AccountState{
		ID:            3,
		Account:       testAccount,
		TotalArchived: 4,
		TotalDeleted:  2,
	}, nil)

	var saved *domain.AccountState
	s.states.EXPECT().Update(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, state *domain.AccountState) error {
			saved = state
			return nil
		},
	)

	service := NewSyncService(s.gateway, s.archiver, s.history(), nil, nil, s.logger, s.cfg)
	report, err := service.Sync(ctx)

	s.Require().NoError(err)
	s.Require().NotNil(saved)
	s.Equal(int64(3), saved.ID)
	s.Equal(int64(4), saved.TotalArchived)
	s.Equal(int64(3), saved.TotalDeleted)
	s.Equal(report.RunID, saved.LastRunID)
	s.Equal(report.StartedAt, saved.LastRunAt)
}

func (s *SyncServiceTestSuite) TestSync_EmptyRunSkipsItemBatch() {
	ctx := context.Background()

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return([]domain.BookmarkRecord{}, nil)

	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, fn func(context.Context) error) error {
			return fn(ctx)
		},
	)
	s.runs.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(int64(1), nil)
	s.states.EXPECT().Get(gomock.Any(), testAccount).Return(&domain.AccountState{}, nil)
	s.states.EXPECT().Update(gomock.Any(), gomock.Any()).Return(nil)

	service := NewSyncService(s.gateway, s.archiver, s.history(), nil, nil, s.logger, s.cfg)
	_, err := service.Sync(ctx)

	s.NoError(err)
}

func (s *SyncServiceTestSuite) TestSync_HistoryErrorKeepsReport() {
	ctx := context.Background()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{present(0, 1, "https://a.example/")}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).Return(true, nil)
	s.txManager.EXPECT().WithTransaction(gomock.Any(), gomock.Any()).Return(errors.New("db down"))

	service := NewSyncService(s.gateway, s.archiver, s.history(), nil, nil, s.logger, s.cfg)
	report, err := service.Sync(ctx)

	s.Error(err)
	s.Contains(err.Error(), "record run")
	s.Require().NotNil(report)
	s.Equal(1, report.Deleted)
}

func (s *SyncServiceTestSuite) TestSync_CancelledContextStopsLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.cfg.Sync.Download = false

	records := []domain.BookmarkRecord{
		present(0, 1, "https://a.example/"),
		present(1, 2, "https://b.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(1)).DoAndReturn(
		func(context.Context, uint64) (bool, error) {
			cancel()
			return true, nil
		},
	)

	report, err := s.newService().Sync(ctx)

	s.ErrorIs(err, context.Canceled)
	s.Require().NotNil(report)
	s.Equal(2, report.Fetched)
	s.Len(report.Items, 1)
	s.Equal(1, report.Deleted)
}

func (s *SyncServiceTestSuite) TestSync_RecordsMetrics() {
	ctx := context.Background()

	records := []domain.BookmarkRecord{
		{Index: 0},
		present(1, 2, "https://b.example/"),
		present(2, 3, "https://c.example/"),
	}

	s.gateway.EXPECT().ListBookmarks(ctx, domain.Query{}).Return(records, nil)
	s.archiver.EXPECT().Archive(ctx, "https://b.example/", "/tmp/out", "yt-dlp").Return(archived())
	s.archiver.EXPECT().Archive(ctx, "https://c.example/", "/tmp/out", "yt-dlp").Return(archived())
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(2)).Return(true, nil)
	s.gateway.EXPECT().DeleteBookmark(ctx, uint64(3)).Return(false, nil)

	reg := prometheus.NewRegistry()
	service := NewSyncService(s.gateway, s.archiver, nil, nil, metrics.NewCollector(reg), s.logger, s.cfg)

	_, err := service.Sync(ctx)
	s.Require().NoError(err)

	expected := `
# HELP nclbk_bookmarks_fetched_total Bookmarks returned by the remote service.
# TYPE nclbk_bookmarks_fetched_total counter
nclbk_bookmarks_fetched_total 3
# HELP nclbk_archive_total Archive attempts by result.
# TYPE nclbk_archive_total counter
nclbk_archive_total{result="success"} 2
# HELP nclbk_delete_total Remote delete attempts by result.
# TYPE nclbk_delete_total counter
nclbk_delete_total{result="failure"} 1
nclbk_delete_total{result="success"} 1
# HELP nclbk_skipped_total Bookmarks not deleted, by reason.
# TYPE nclbk_skipped_total counter
nclbk_skipped_total{reason="malformed"} 1
`
	s.NoError(testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"nclbk_bookmarks_fetched_total",
		"nclbk_archive_total",
		"nclbk_delete_total",
		"nclbk_skipped_total",
	))

	count, err := testutil.GatherAndCount(reg, "nclbk_run_duration_seconds")
	s.Require().NoError(err)
	s.Equal(1, count)
}
