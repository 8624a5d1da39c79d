package creation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/models"
)

var (
	ErrNotFound             = errors.New("creation not found")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrEmptyPrompt          = errors.New("prompt must not be empty")
	ErrInvalidTransition    = errors.New("invalid creation state transition")
	// ErrQueueUnavailable means the job could not be enqueued after the debit
	// committed; the debit has already been refunded when this is returned.
	ErrQueueUnavailable = errors.New("generation queue unavailable")
)

// Store is the creation persistence interface. Status transitions are
// conditional updates so only one forward transition wins per creation.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Creation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Creation, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Creation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Creation, error)
	SetProcessing(ctx context.Context, id uuid.UUID, progress float64) (bool, error)
	SetDraft(ctx context.Context, id uuid.UUID, mediaURL string, thumbnailURL *string, modelUsed string, generationTime float64) (bool, error)
	SetFailedRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (bool, error)
	SetPublished(ctx context.Context, id, userID uuid.UUID) (bool, error)
}

// Wallet is the in-transaction slice of the wallet the lifecycle composes
// with its own writes.
type Wallet interface {
	DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, reason string, referenceID *uuid.UUID) (int64, error)
	CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, reason string, referenceID *uuid.UUID, earned bool) (int64, error)
}

// GenerateArgs is the payload of one queued generation job. Kind satisfies
// river.JobArgs so the production submitter can insert it directly.
type GenerateArgs struct {
	CreationID      uuid.UUID `json:"creation_id"`
	UserID          uuid.UUID `json:"user_id"`
	MediaType       string    `json:"media_type"`
	Prompt          string    `json:"prompt"`
	AspectRatio     *string   `json:"aspect_ratio,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
}

func (GenerateArgs) Kind() string { return "generate_media" }

// JobSubmitter enqueues generation work. Production wires this to
// river.Client.Insert; submission happens strictly outside wallet
// transactions.
type JobSubmitter interface {
	Submit(ctx context.Context, args GenerateArgs) error
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Costs fixes the token price per media type at creation time.
type Costs struct {
	Image int64
	Video int64
}

type Service struct {
	pool      TxBeginner
	store     Store
	wallet    Wallet
	ledger    ledger.Service
	submitter JobSubmitter
	costs     Costs
	logger    *slog.Logger
}

func NewService(pool TxBeginner, store Store, wallet Wallet, ledgerSvc ledger.Service, submitter JobSubmitter, costs Costs, logger *slog.Logger) *Service {
	return &Service{pool: pool, store: store, wallet: wallet, ledger: ledgerSvc, submitter: submitter, costs: costs, logger: logger}
}

// CostFor returns the fixed token cost for a media type.
func (s *Service) CostFor(mediaType string) (int64, error) {
	switch mediaType {
	case models.MediaTypeImage:
		return s.costs.Image, nil
	case models.MediaTypeVideo:
		return s.costs.Video, nil
	}
	return 0, ErrUnsupportedMediaType
}

// CreateParams are the type-specific knobs of a generation request.
type CreateParams struct {
	AspectRatio     *string
	DurationSeconds *int
}

// CreatePending debits the wallet, records the creation in pending and
// writes the spend ledger entry — all in one transaction, so a debited user
// always has a creation to refund against. After commit it enqueues the
// generation job; if the queue is down the debit is refunded synchronously
// and ErrQueueUnavailable is returned.
func (s *Service) CreatePending(ctx context.Context, userID uuid.UUID, prompt, mediaType string, params CreateParams) (*models.Creation, error) {
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	cost, err := s.CostFor(mediaType)
	if err != nil {
		return nil, err
	}

	c := &models.Creation{
		ID:              uuid.New(),
		UserID:          userID,
		MediaType:       mediaType,
		Prompt:          prompt,
		Cost:            cost,
		Status:          models.CreationStatusPending,
		AspectRatio:     params.AspectRatio,
		DurationSeconds: params.DurationSeconds,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	newBalance, err := s.wallet.DeductTx(ctx, tx, userID, cost, models.AuditReasonGenerationSpend, &c.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTx(ctx, tx, c); err != nil {
		return nil, fmt.Errorf("create creation record: %w", err)
	}
	if _, err := s.ledger.RecordTx(ctx, tx, userID, models.TxTypeGenerationSpend, -cost, newBalance, truncatePrompt(prompt), &c.ID); err != nil {
		return nil, fmt.Errorf("record spend: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.submitter.Submit(ctx, GenerateArgs{
		CreationID:      c.ID,
		UserID:          userID,
		MediaType:       mediaType,
		Prompt:          prompt,
		AspectRatio:     params.AspectRatio,
		DurationSeconds: params.DurationSeconds,
	}); err != nil {
		s.logger.Warn("job enqueue failed, refunding", "creation_id", c.ID, "error", err)
		if _, rerr := s.Refund(ctx, c.ID, "generation queue unavailable"); rerr != nil {
			s.logger.Error("refund after enqueue failure failed", "creation_id", c.ID, "error", rerr)
			return nil, rerr
		}
		c.Status = models.CreationStatusFailed
		c.Refunded = true
		return c, ErrQueueUnavailable
	}
	return c, nil
}

// MarkProcessing advances pending|processing to processing. Progress is
// monotonic; repeated or out-of-order reports never regress it. Reports
// against a terminal creation are rejected so stale workers stop.
func (s *Service) MarkProcessing(ctx context.Context, id uuid.UUID, progress float64) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	ok, err := s.store.SetProcessing(ctx, id, progress)
	if err != nil {
		return err
	}
	if !ok {
		return s.transitionRefused(ctx, id)
	}
	return nil
}

// MarkSucceeded advances to draft with the generated output. Payment was
// taken at creation time, so there is no wallet effect. Duplicate
// deliveries after the creation reached draft are no-ops.
func (s *Service) MarkSucceeded(ctx context.Context, id uuid.UUID, mediaURL string, thumbnailURL *string, modelUsed string, generationTime float64) error {
	ok, err := s.store.SetDraft(ctx, id, mediaURL, thumbnailURL, modelUsed, generationTime)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	c, err := s.getByID(ctx, id)
	if err != nil {
		return err
	}
	switch c.Status {
	case models.CreationStatusDraft, models.CreationStatusPublished:
		return nil
	case models.CreationStatusFailed:
		// The reconciler (or a permanent-failure report) won the race; the
		// user was refunded and this output is discarded.
		s.logger.Warn("success report for already-failed creation, output discarded", "creation_id", id)
		return ErrInvalidTransition
	}
	return ErrInvalidTransition
}

// MarkFailed resolves a creation as permanently failed and refunds its cost.
// Returns whether this call performed the credit; duplicate invocations
// report false and no balance change.
func (s *Service) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	return s.Refund(ctx, id, errorMessage)
}

// Refund is the idempotent refund protocol: one transaction that locks the
// creation, re-checks the refunded flag, marks failed+refunded and credits
// the wallet. Concurrent or redelivered triggers collapse to one effect.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetByIDForUpdate(ctx, tx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if c.Refunded {
		return false, nil
	}
	switch c.Status {
	case models.CreationStatusDraft, models.CreationStatusPublished:
		// Delivered work is never clawed back into a refund.
		return false, ErrInvalidTransition
	}

	ok, err := s.store.SetFailedRefundedTx(ctx, tx, id, reason)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	newBalance, err := s.wallet.CreditTx(ctx, tx, c.UserID, c.Cost, models.AuditReasonGenerationRefund, &c.ID, false)
	if err != nil {
		return false, err
	}
	if _, err := s.ledger.RecordTx(ctx, tx, c.UserID, models.TxTypeGenerationRefund, c.Cost, newBalance, "refund: "+reason, &c.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	s.logger.Info("creation refunded", "creation_id", id, "user_id", c.UserID, "cost", c.Cost, "reason", reason)
	return true, nil
}

// Publish promotes a draft to published. Plain user action, no wallet
// effect.
func (s *Service) Publish(ctx context.Context, id, userID uuid.UUID) error {
	ok, err := s.store.SetPublished(ctx, id, userID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.GetForUser(ctx, id, userID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// GetForUser returns the creation if it belongs to userID.
func (s *Service) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Creation, error) {
	c, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Creation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) getByID(ctx context.Context, id uuid.UUID) (*models.Creation, error) {
	c, err := s.store.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) transitionRefused(ctx context.Context, id uuid.UUID) error {
	if _, err := s.getByID(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func truncatePrompt(prompt string) string {
	const max = 80
	r := []rune(prompt)
	if len(r) <= max {
		return prompt
	}
	return string(r[:max]) + "…"
}
