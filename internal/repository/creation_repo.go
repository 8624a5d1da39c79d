package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

type CreationRepo struct {
	pool *pgxpool.Pool
}

func NewCreationRepo(pool *pgxpool.Pool) *CreationRepo {
	return &CreationRepo{pool: pool}
}

func (r *CreationRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const creationColumns = `id, user_id, media_type, prompt, cost, status, progress, refunded, error,
	aspect_ratio, duration_seconds, media_url, thumbnail_url, model_used, generation_time_seconds,
	worker_started_at, created_at, updated_at`

// CreateTx inserts the creation inside the caller's transaction so the row
// commits together with the debit that paid for it.
func (r *CreationRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Creation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO creations (id, user_id, media_type, prompt, cost, status, aspect_ratio, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.MediaType, c.Prompt, c.Cost, c.Status, c.AspectRatio, c.DurationSeconds).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *CreationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Creation, error) {
	return scanCreation(r.pool.QueryRow(ctx, `SELECT `+creationColumns+` FROM creations WHERE id = $1`, id))
}

// GetByIDForUpdate locks the creation row. The refund protocol reads the
// refunded flag under this lock so duplicate triggers serialize.
func (r *CreationRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Creation, error) {
	return scanCreation(tx.QueryRow(ctx, `SELECT `+creationColumns+` FROM creations WHERE id = $1 FOR UPDATE`, id))
}

func (r *CreationRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Creation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+creationColumns+` FROM creations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Creation
	for rows.Next() {
		c, err := scanCreation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// SetProcessing advances pending|processing to processing without ever
// regressing progress, and stamps worker_started_at on the first report.
// Returns false when the creation is already terminal.
func (r *CreationRepo) SetProcessing(ctx context.Context, id uuid.UUID, progress float64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE creations
		SET status = 'processing',
		    progress = GREATEST(progress, $2),
		    worker_started_at = COALESCE(worker_started_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, progress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetDraft moves a non-terminal creation to draft with its output. Returns
// false when the row was not in a state that allows the transition.
func (r *CreationRepo) SetDraft(ctx context.Context, id uuid.UUID, mediaURL string, thumbnailURL *string, modelUsed string, generationTime float64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE creations
		SET status = 'draft', progress = 1, media_url = $2, thumbnail_url = $3,
		    model_used = $4, generation_time_seconds = $5, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, id, mediaURL, thumbnailURL, modelUsed, generationTime)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetFailedRefundedTx marks the creation failed+refunded inside the refund
// transaction. The refunded = false guard makes the refund exactly-once even
// if two callers raced past the row lock read.
func (r *CreationRepo) SetFailedRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE creations
		SET status = 'failed', refunded = TRUE, error = $2, updated_at = now()
		WHERE id = $1 AND refunded = FALSE
	`, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetPublished promotes a draft. User action, no wallet effect.
func (r *CreationRepo) SetPublished(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE creations SET status = 'published', updated_at = now()
		WHERE id = $1 AND user_id = $2 AND status = 'draft'
	`, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindStale returns creations stuck in a non-terminal state since before the
// cutoff, oldest first. The reconciler fails them.
func (r *CreationRepo) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.Creation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+creationColumns+` FROM creations
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Creation
	for rows.Next() {
		c, err := scanCreation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func scanCreation(row pgx.Row) (*models.Creation, error) {
	var c models.Creation
	err := row.Scan(&c.ID, &c.UserID, &c.MediaType, &c.Prompt, &c.Cost, &c.Status, &c.Progress,
		&c.Refunded, &c.Error, &c.AspectRatio, &c.DurationSeconds, &c.MediaURL, &c.ThumbnailURL,
		&c.ModelUsed, &c.GenerationTimeSeconds, &c.WorkerStartedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
