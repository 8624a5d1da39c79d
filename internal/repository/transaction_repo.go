package repository

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx appends a history entry inside the given transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, balance_after, details, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.BalanceAfter, t.Details, t.ReferenceID).Scan(&t.CreatedAt)
}

// ListByUser returns entries newest first, optionally filtered by type.
func (r *TransactionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int, typeFilter string) ([]*models.Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_after, details, reference_id, created_at
		FROM transactions WHERE user_id = $1`
	args := []any{userID}
	if typeFilter != "" {
		query += ` AND type = $2`
		args = append(args, typeFilter)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceAfter, &t.Details, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
