package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

// AuditRepo writes the low-level integrity trail. Rows are append-only:
// no update or delete paths exist on purpose.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// CreateTx appends an audit entry inside the mutating transaction.
func (r *AuditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error {
	return tx.QueryRow(ctx, `
		INSERT INTO token_audit_log (id, user_id, type, amount, balance_before, balance_after, reason, reference_id, metadata, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, e.ID, e.UserID, e.Type, e.Amount, e.BalanceBefore, e.BalanceAfter, e.Reason, e.ReferenceID, e.Metadata, e.IPAddress).Scan(&e.CreatedAt)
}

func (r *AuditRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, reason, reference_id, metadata, ip_address, created_at
		FROM token_audit_log WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

// ListByReference returns all mutations correlated to a creation or
// transfer, for integrity verification.
func (r *AuditRepo) ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after, reason, reference_id, metadata, ip_address, created_at
		FROM token_audit_log WHERE reference_id = $1 ORDER BY created_at ASC
	`, referenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func scanAuditEntries(rows pgx.Rows) ([]*models.AuditEntry, error) {
	var list []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceBefore, &e.BalanceAfter,
			&e.Reason, &e.ReferenceID, &e.Metadata, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
