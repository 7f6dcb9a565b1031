package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"nclbk/internal/domain"
)

type AccountStateStore struct {
	db *sqlx.DB
}

func NewAccountStateStore(db *sqlx.DB) *AccountStateStore {
	return &AccountStateStore{db: db}
}

// Get returns the cumulative totals for account, or a zero state for an
// account that has never been synced. Inside a transaction the row stays
// locked until commit.
func (s *AccountStateStore) Get(ctx context.Context, account string) (*domain.AccountState, error) {
	var state domain.AccountState
	query := `
		SELECT id, account, last_run_at, last_run_id, total_archived, total_deleted
		FROM account_state
		WHERE account = $1
		FOR UPDATE`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &state, query, account)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.AccountState{Account: account}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account state %s: %w", account, err)
	}
	return &state, nil
}

func (s *AccountStateStore) Update(ctx context.Context, state *domain.AccountState) error {
	query := `
		INSERT INTO account_state (account, last_run_at, last_run_id, total_archived, total_deleted)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE SET
			last_run_at = EXCLUDED.last_run_at,
			last_run_id = EXCLUDED.last_run_id,
			total_archived = EXCLUDED.total_archived,
			total_deleted = EXCLUDED.total_deleted`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		state.Account,
		state.LastRunAt,
		state.LastRunID,
		state.TotalArchived,
		state.TotalDeleted,
	)
	if err != nil {
		return fmt.Errorf("update account state %s: %w", state.Account, err)
	}
	return nil
}
