package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenstudio/backend/internal/models"
)

// Sentinel errors. InsufficientTokensError carries the numbers the API
// surfaces in a 402; errors.Is(err, ErrInsufficientTokens) still matches.
var (
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrUserNotFound       = errors.New("user record not found")
	ErrSelfTransfer       = errors.New("cannot transfer tokens to yourself")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrIntegrityViolation = errors.New("token balance integrity violation")
)

type InsufficientTokensError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: required %d, balance %d", e.Required, e.Balance)
}

func (e *InsufficientTokensError) Is(target error) bool { return target == ErrInsufficientTokens }

// UserStore is the balance-store interface the wallet mutates through.
// No other component writes token_balance.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error)
	DeductTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error)
	AddTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (int64, error)
}

// AuditStore appends one integrity-trail entry per mutation.
type AuditStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error
}

// LedgerStore appends user-facing history entries. The wallet only writes
// these for operations it owns end to end (transfers, standalone credits);
// the creation lifecycle writes its own.
type LedgerStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// TxBeginner abstracts pgxpool.Pool so tests can supply a no-op.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Service struct {
	pool   TxBeginner
	users  UserStore
	audit  AuditStore
	ledger LedgerStore
	logger *slog.Logger
}

func NewService(pool TxBeginner, users UserStore, audit AuditStore, ledger LedgerStore, logger *slog.Logger) *Service {
	return &Service{pool: pool, users: users, audit: audit, ledger: ledger, logger: logger}
}

// GetBalance returns the current balance, or 0 for a user with no record.
// Read-only: it never creates the record.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	u, err := s.users.GetByID(ctx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.TokenBalance, nil
}

// DeductTx atomically debits amount inside the caller's transaction: lock
// row, check funds, conditional update, one audit entry. Returns the
// post-debit balance.
func (s *Service) DeductTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, reason string, referenceID *uuid.UUID) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	u, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	if u.TokenBalance < amount {
		return 0, &InsufficientTokensError{Required: amount, Balance: u.TokenBalance}
	}
	newBalance, err := s.users.DeductTokens(ctx, tx, userID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		// Row was locked above, so the conditional update can only miss if
		// the balance check raced — which the lock rules out.
		return 0, s.integrityAlarm(userID, u.TokenBalance-amount, u.TokenBalance, reason)
	}
	if err != nil {
		return 0, err
	}
	if newBalance != u.TokenBalance-amount {
		return 0, s.integrityAlarm(userID, u.TokenBalance-amount, newBalance, reason)
	}
	return newBalance, s.audit.CreateTx(ctx, tx, &models.AuditEntry{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          models.AuditTypeDebit,
		Amount:        amount,
		BalanceBefore: u.TokenBalance,
		BalanceAfter:  newBalance,
		Reason:        reason,
		ReferenceID:   referenceID,
	})
}

// CreditTx atomically credits amount inside the caller's transaction.
// A missing user record is a loud failure, not a cue to create one.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, reason string, referenceID *uuid.UUID, earned bool) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	u, err := s.users.GetByIDForUpdate(ctx, tx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("credit target user does not exist", "user_id", userID, "amount", amount, "reason", reason)
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	newBalance, err := s.users.AddTokens(ctx, tx, userID, amount, earned)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("credit target user does not exist", "user_id", userID, "amount", amount, "reason", reason)
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, err
	}
	if newBalance != u.TokenBalance+amount {
		return 0, s.integrityAlarm(userID, u.TokenBalance+amount, newBalance, reason)
	}
	return newBalance, s.audit.CreateTx(ctx, tx, &models.AuditEntry{
		ID:            uuid.New(),
		UserID:        userID,
		Type:          models.AuditTypeCredit,
		Amount:        amount,
		BalanceBefore: u.TokenBalance,
		BalanceAfter:  newBalance,
		Reason:        reason,
		ReferenceID:   referenceID,
	})
}

// Credit runs CreditTx in its own transaction and records the user-facing
// ledger entry alongside it. Used for purchases, bonuses and admin grants.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int64, reason, txType, details string, referenceID *uuid.UUID, earned bool) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	newBalance, err := s.CreditTx(ctx, tx, userID, amount, reason, referenceID, earned)
	if err != nil {
		return 0, err
	}
	if err := s.ledger.CreateTx(ctx, tx, &models.Transaction{
		ID:           uuid.New(),
		UserID:       userID,
		Type:         txType,
		Amount:       amount,
		BalanceAfter: newBalance,
		Details:      details,
		ReferenceID:  referenceID,
	}); err != nil {
		return 0, err
	}
	return newBalance, tx.Commit(ctx)
}

// TransferResult reports both post-transfer balances and the correlation id
// shared by the four entries (two audit, two ledger) the transfer wrote.
type TransferResult struct {
	CorrelationID    uuid.UUID
	SenderBalance    int64
	RecipientBalance int64
}

// Transfer moves tokens between two users in one transaction: both rows
// locked in deterministic UUID order, sender debited, recipient credited
// with the earned counter bumped. No partial effect on any error.
func (s *Service) Transfer(ctx context.Context, senderID, recipientID uuid.UUID, amount int64, details string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if senderID == recipientID {
		return nil, ErrSelfTransfer
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock both rows in UUID order to avoid deadlock between crossing
	// transfers.
	ids := []uuid.UUID{senderID, recipientID}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	locked := make(map[uuid.UUID]*models.User, 2)
	for _, id := range ids {
		u, err := s.users.GetByIDForUpdate(ctx, tx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		if err != nil {
			return nil, err
		}
		locked[id] = u
	}

	sender := locked[senderID]
	if sender.TokenBalance < amount {
		return nil, &InsufficientTokensError{Required: amount, Balance: sender.TokenBalance}
	}

	correlationID := uuid.New()

	senderBalance, err := s.users.DeductTokens(ctx, tx, senderID, amount)
	if err != nil {
		return nil, err
	}
	recipientBalance, err := s.users.AddTokens(ctx, tx, recipientID, amount, true)
	if err != nil {
		return nil, err
	}

	entries := []*models.AuditEntry{
		{
			ID: uuid.New(), UserID: senderID, Type: models.AuditTypeTransferOut,
			Amount: amount, BalanceBefore: sender.TokenBalance, BalanceAfter: senderBalance,
			Reason: models.AuditReasonTip, ReferenceID: &correlationID,
		},
		{
			ID: uuid.New(), UserID: recipientID, Type: models.AuditTypeTransferIn,
			Amount: amount, BalanceBefore: locked[recipientID].TokenBalance, BalanceAfter: recipientBalance,
			Reason: models.AuditReasonTip, ReferenceID: &correlationID,
		},
	}
	for _, e := range entries {
		if err := s.audit.CreateTx(ctx, tx, e); err != nil {
			return nil, err
		}
	}

	history := []*models.Transaction{
		{
			ID: uuid.New(), UserID: senderID, Type: models.TxTypeTipSent,
			Amount: -amount, BalanceAfter: senderBalance, Details: details, ReferenceID: &correlationID,
		},
		{
			ID: uuid.New(), UserID: recipientID, Type: models.TxTypeTipReceived,
			Amount: amount, BalanceAfter: recipientBalance, Details: details, ReferenceID: &correlationID,
		},
	}
	for _, t := range history {
		if err := s.ledger.CreateTx(ctx, tx, t); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &TransferResult{
		CorrelationID:    correlationID,
		SenderBalance:    senderBalance,
		RecipientBalance: recipientBalance,
	}, nil
}

// integrityAlarm logs a critical balance mismatch and returns the sentinel.
// This path indicates a programming error, not a runtime condition.
func (s *Service) integrityAlarm(userID uuid.UUID, expected, actual int64, reason string) error {
	s.logger.Error("token balance integrity violation",
		"integrity", true,
		"user_id", userID,
		"expected_balance", expected,
		"actual_balance", actual,
		"reason", reason,
	)
	return ErrIntegrityViolation
}
