package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, token_balance, total_tokens_spent, total_tokens_earned)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, u.TokenBalance, u.TotalTokensSpent, u.TotalTokensEarned).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, token_balance, total_tokens_spent, total_tokens_earned, created_at, updated_at
		FROM users WHERE id = $1
	`, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.scanUser(r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, token_balance, total_tokens_spent, total_tokens_earned, created_at, updated_at
		FROM users WHERE email = $1
	`, email))
}

// GetByIDForUpdate locks the user row. Call within a transaction.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	return r.scanUser(tx.QueryRow(ctx, `
		SELECT id, email, display_name, password_hash, token_balance, total_tokens_spent, total_tokens_earned, created_at, updated_at
		FROM users WHERE id = $1 FOR UPDATE
	`, id))
}

// DeductTokens atomically deducts amount if token_balance >= amount and
// bumps total_tokens_spent. Returns pgx.ErrNoRows when the balance is too
// low or the user does not exist.
func (r *UserRepo) DeductTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (newBalance int64, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET token_balance = token_balance - $1, total_tokens_spent = total_tokens_spent + $1, updated_at = now()
		WHERE id = $2 AND token_balance >= $1
		RETURNING token_balance
	`, amount, id).Scan(&newBalance)
	return newBalance, err
}

// AddTokens adds amount and returns the new balance. When earned is true the
// lifetime-earned counter moves too (tips received). Returns pgx.ErrNoRows
// for a missing user; the wallet treats that as an integrity alarm, never as
// a cue to create a record.
func (r *UserRepo) AddTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (newBalance int64, err error) {
	earnedDelta := int64(0)
	if earned {
		earnedDelta = amount
	}
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET token_balance = token_balance + $1, total_tokens_earned = total_tokens_earned + $2, updated_at = now()
		WHERE id = $3
		RETURNING token_balance
	`, amount, earnedDelta, id).Scan(&newBalance)
	return newBalance, err
}

func (r *UserRepo) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.TokenBalance,
		&u.TotalTokensSpent, &u.TotalTokensEarned, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
