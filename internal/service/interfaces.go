package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"nclbk/internal/domain"
)

type Gateway interface {
	Account() string
	ListBookmarks(ctx context.Context, query domain.Query) ([]domain.BookmarkRecord, error)
	DeleteBookmark(ctx context.Context, id uint64) (bool, error)
}

type Archiver interface {
	Archive(ctx context.Context, url, dir, command string) domain.ArchiveOutcome
}

type RunStore interface {
	Insert(ctx context.Context, report *domain.RunReport) (int64, error)
}

type ItemStore interface {
	InsertBatch(ctx context.Context, runID int64, items []domain.ItemOutcome) error
}

type StateStore interface {
	Get(ctx context.Context, account string) (*domain.AccountState, error)
	Update(ctx context.Context, state *domain.AccountState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, report *domain.RunReport, item *domain.ItemOutcome) error
	Close() error
}
