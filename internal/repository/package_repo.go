package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

type PackageRepo struct {
	pool *pgxpool.Pool
}

func NewPackageRepo(pool *pgxpool.Pool) *PackageRepo {
	return &PackageRepo{pool: pool}
}

func (r *PackageRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.TokenPackage, error) {
	var p models.TokenPackage
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, tokens, price_cents, is_active, created_at
		FROM token_packages WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Tokens, &p.PriceCents, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PackageRepo) ListActive(ctx context.Context) ([]*models.TokenPackage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, tokens, price_cents, is_active, created_at
		FROM token_packages WHERE is_active ORDER BY tokens ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.TokenPackage
	for rows.Next() {
		var p models.TokenPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.Tokens, &p.PriceCents, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}
