package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenstudio/backend/internal/models"
)

// TransactionStore is the append-only persistence the service writes to.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int, typeFilter string) ([]*models.Transaction, error)
}

// Service is the user-facing transaction history. Callers supply the
// post-mutation balance they computed inside their own transaction; the
// service never re-reads it.
type Service interface {
	RecordTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount, balanceAfter int64, details string, referenceID *uuid.UUID) (*models.Transaction, error)
	Query(ctx context.Context, userID uuid.UUID, limit int, typeFilter string) ([]*models.Transaction, error)
}

type service struct {
	store TransactionStore
}

func NewService(store TransactionStore) Service {
	return &service{store: store}
}

var _ Service = (*service)(nil)

func (s *service) RecordTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, txType string, amount, balanceAfter int64, details string, referenceID *uuid.UUID) (*models.Transaction, error) {
	t := &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Details:      details,
		ReferenceID:  referenceID,
	}
	if err := s.store.CreateTx(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *service) Query(ctx context.Context, userID uuid.UUID, limit int, typeFilter string) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit, typeFilter)
}
