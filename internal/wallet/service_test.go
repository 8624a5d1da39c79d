package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lumenstudio/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory harness emulating the parts of Postgres the wallet relies on:
// row locks held until commit/rollback and conditional balance updates.
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type memTx struct {
	noopTx
	h *harness
}

func (t *memTx) Commit(context.Context) error   { t.h.release(t); return nil }
func (t *memTx) Rollback(context.Context) error { t.h.release(t); return nil }

type harness struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	rowLocks map[uuid.UUID]*sync.Mutex
	held     map[*memTx][]uuid.UUID
	audit    []*models.AuditEntry
	ledger   []*models.Transaction
}

func newHarness(users ...*models.User) *harness {
	h := &harness{
		users:    make(map[uuid.UUID]*models.User),
		rowLocks: make(map[uuid.UUID]*sync.Mutex),
		held:     make(map[*memTx][]uuid.UUID),
	}
	for _, u := range users {
		cp := *u
		h.users[u.ID] = &cp
		h.rowLocks[u.ID] = &sync.Mutex{}
	}
	return h
}

func (h *harness) Begin(context.Context) (pgx.Tx, error) { return &memTx{h: h}, nil }

func (h *harness) release(t *memTx) {
	h.mu.Lock()
	ids := h.held[t]
	delete(h.held, t)
	h.mu.Unlock()
	for _, id := range ids {
		h.rowLocks[id].Unlock()
	}
}

func (h *harness) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (h *harness) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.User, error) {
	t, ok := tx.(*memTx)
	if !ok {
		return nil, errors.New("harness requires memTx")
	}
	h.mu.Lock()
	lock, exists := h.rowLocks[id]
	h.mu.Unlock()
	if !exists {
		return nil, pgx.ErrNoRows
	}
	lock.Lock()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[t] = append(h.held[t], id)
	cp := *h.users[id]
	return &cp, nil
}

func (h *harness) DeductTokens(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[id]
	if !ok || u.TokenBalance < amount {
		return 0, pgx.ErrNoRows
	}
	u.TokenBalance -= amount
	u.TotalTokensSpent += amount
	return u.TokenBalance, nil
}

func (h *harness) AddTokens(_ context.Context, _ pgx.Tx, id uuid.UUID, amount int64, earned bool) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.users[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	u.TokenBalance += amount
	if earned {
		u.TotalTokensEarned += amount
	}
	return u.TokenBalance, nil
}

func (h *harness) CreateTx(_ context.Context, _ pgx.Tx, e *models.AuditEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *e
	h.audit = append(h.audit, &cp)
	return nil
}

// ledgerWriter exposes the harness as a LedgerStore.
type ledgerWriter struct{ h *harness }

func (l ledgerWriter) CreateTx(_ context.Context, _ pgx.Tx, t *models.Transaction) error {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	cp := *t
	l.h.ledger = append(l.h.ledger, &cp)
	return nil
}

func (h *harness) balance(id uuid.UUID) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.users[id].TokenBalance
}

func (h *harness) auditByUser(id uuid.UUID) []*models.AuditEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range h.audit {
		if e.UserID == id {
			out = append(out, e)
		}
	}
	return out
}

func user(id uuid.UUID, balance int64) *models.User {
	return &models.User{ID: id, TokenBalance: balance}
}

func newTestService(h *harness) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(h, h, h, ledgerWriter{h}, logger)
}

// ---------------------------------------------------------------------------
// GetBalance
// ---------------------------------------------------------------------------

func TestGetBalanceAbsentUser(t *testing.T) {
	h := newHarness()
	svc := newTestService(h)

	got, err := svc.GetBalance(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got != 0 {
		t.Errorf("balance for absent user: got %d, want 0", got)
	}
	if len(h.users) != 0 {
		t.Error("GetBalance must never create a user record")
	}
}

// ---------------------------------------------------------------------------
// DeductTx
// ---------------------------------------------------------------------------

func TestDeductTx(t *testing.T) {
	id := uuid.New()
	ref := uuid.New()
	h := newHarness(user(id, 100))
	svc := newTestService(h)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	newBalance, err := svc.DeductTx(ctx, tx, id, 30, models.AuditReasonGenerationSpend, &ref)
	if err != nil {
		t.Fatalf("DeductTx: %v", err)
	}
	tx.Commit(ctx)

	if newBalance != 70 {
		t.Errorf("new balance: got %d, want 70", newBalance)
	}
	entries := h.auditByUser(id)
	if len(entries) != 1 {
		t.Fatalf("audit entries: got %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Type != models.AuditTypeDebit || e.Amount != 30 || e.BalanceBefore != 100 || e.BalanceAfter != 70 {
		t.Errorf("audit entry mismatch: %+v", e)
	}
	if e.ReferenceID == nil || *e.ReferenceID != ref {
		t.Error("audit entry should reference the creation")
	}
	if h.users[id].TotalTokensSpent != 30 {
		t.Errorf("total_tokens_spent: got %d, want 30", h.users[id].TotalTokensSpent)
	}
}

func TestDeductTxInsufficient(t *testing.T) {
	id := uuid.New()
	h := newHarness(user(id, 5))
	svc := newTestService(h)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	_, err := svc.DeductTx(ctx, tx, id, 10, models.AuditReasonGenerationSpend, nil)
	tx.Rollback(ctx)

	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	var insufficient *InsufficientTokensError
	if !errors.As(err, &insufficient) {
		t.Fatal("error should carry required/balance details")
	}
	if insufficient.Required != 10 || insufficient.Balance != 5 {
		t.Errorf("details: got required=%d balance=%d, want 10/5", insufficient.Required, insufficient.Balance)
	}
	if h.balance(id) != 5 {
		t.Errorf("balance changed on failed deduct: %d", h.balance(id))
	}
	if len(h.audit) != 0 {
		t.Error("no audit entry expected on failed deduct")
	}
}

func TestDeductTxUnknownUser(t *testing.T) {
	h := newHarness()
	svc := newTestService(h)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	defer tx.Rollback(ctx)
	if _, err := svc.DeductTx(ctx, tx, uuid.New(), 1, models.AuditReasonGenerationSpend, nil); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

// Concurrent deducts summing past the balance: exactly enough succeed to
// exhaust it, the rest fail with ErrInsufficientTokens.
func TestConcurrentDeductsExhaustExactly(t *testing.T) {
	id := uuid.New()
	h := newHarness(user(id, 5))
	svc := newTestService(h)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, insufficient := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := h.Begin(ctx)
			_, err := svc.DeductTx(ctx, tx, id, 1, models.AuditReasonGenerationSpend, nil)
			if err == nil {
				tx.Commit(ctx)
			} else {
				tx.Rollback(ctx)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientTokens):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 5 || insufficient != 5 {
		t.Errorf("got %d successes and %d insufficient, want 5 and 5", successes, insufficient)
	}
	if h.balance(id) != 0 {
		t.Errorf("final balance: got %d, want 0", h.balance(id))
	}
	if len(h.auditByUser(id)) != 5 {
		t.Errorf("audit entries: got %d, want 5", len(h.auditByUser(id)))
	}
}

// ---------------------------------------------------------------------------
// CreditTx / Credit
// ---------------------------------------------------------------------------

func TestCreditTxUnknownUserFailsLoudly(t *testing.T) {
	h := newHarness()
	svc := newTestService(h)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	defer tx.Rollback(ctx)
	if _, err := svc.CreditTx(ctx, tx, uuid.New(), 10, models.AuditReasonGenerationRefund, nil, false); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if len(h.users) != 0 {
		t.Error("credit must never create a user record")
	}
}

func TestCreditWritesLedgerAndAudit(t *testing.T) {
	id := uuid.New()
	h := newHarness(user(id, 10))
	svc := newTestService(h)

	balance, err := svc.Credit(context.Background(), id, 500,
		models.AuditReasonPurchase, models.TxTypePurchase, "package: creator", nil, false)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if balance != 510 {
		t.Errorf("balance: got %d, want 510", balance)
	}
	if len(h.ledger) != 1 {
		t.Fatalf("ledger entries: got %d, want 1", len(h.ledger))
	}
	le := h.ledger[0]
	if le.Type != models.TxTypePurchase || le.Amount != 500 || le.BalanceAfter != 510 {
		t.Errorf("ledger entry mismatch: %+v", le)
	}
	if len(h.audit) != 1 || h.audit[0].Type != models.AuditTypeCredit {
		t.Errorf("expected one credit audit entry, got %+v", h.audit)
	}
	if h.users[id].TotalTokensEarned != 0 {
		t.Error("purchase must not move total_tokens_earned")
	}
}

// corruptStore returns an inconsistent post-credit balance; the wallet must
// refuse to commit it.
type corruptStore struct{ *harness }

func (c corruptStore) AddTokens(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (int64, error) {
	balance, err := c.harness.AddTokens(ctx, tx, id, amount, earned)
	if err != nil {
		return 0, err
	}
	return balance + 1, nil
}

func TestCreditIntegrityViolation(t *testing.T) {
	id := uuid.New()
	h := newHarness(user(id, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(h, corruptStore{h}, h, ledgerWriter{h}, logger)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	defer tx.Rollback(ctx)
	if _, err := svc.CreditTx(ctx, tx, id, 10, models.AuditReasonPurchase, nil, false); !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("expected ErrIntegrityViolation, got %v", err)
	}
	if len(h.audit) != 0 {
		t.Error("no audit entry may be written on an integrity violation")
	}
}

// ---------------------------------------------------------------------------
// Transfer
// ---------------------------------------------------------------------------

func TestTransfer(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	h := newHarness(user(a, 200), user(b, 50))
	svc := newTestService(h)

	result, err := svc.Transfer(context.Background(), a, b, 50, "great post!")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if h.balance(a) != 150 || h.balance(b) != 100 {
		t.Errorf("balances: got %d/%d, want 150/100", h.balance(a), h.balance(b))
	}
	if h.users[b].TotalTokensEarned != 50 {
		t.Errorf("recipient total_tokens_earned: got %d, want 50", h.users[b].TotalTokensEarned)
	}
	if h.users[a].TotalTokensEarned != 0 {
		t.Error("sender total_tokens_earned must not move")
	}
	if result.SenderBalance != 150 || result.RecipientBalance != 100 {
		t.Errorf("result balances: %+v", result)
	}

	if len(h.audit) != 2 {
		t.Fatalf("audit entries: got %d, want 2", len(h.audit))
	}
	out, in := h.audit[0], h.audit[1]
	if out.Type != models.AuditTypeTransferOut || in.Type != models.AuditTypeTransferIn {
		t.Errorf("audit types: %s/%s", out.Type, in.Type)
	}
	if out.ReferenceID == nil || in.ReferenceID == nil || *out.ReferenceID != *in.ReferenceID {
		t.Error("transfer audit entries must share a correlation id")
	}
	if *out.ReferenceID != result.CorrelationID {
		t.Error("correlation id in result must match audit entries")
	}

	if len(h.ledger) != 2 {
		t.Fatalf("ledger entries: got %d, want 2", len(h.ledger))
	}
	sent, received := h.ledger[0], h.ledger[1]
	if sent.Type != models.TxTypeTipSent || sent.Amount != -50 || sent.BalanceAfter != 150 {
		t.Errorf("tip_sent entry mismatch: %+v", sent)
	}
	if received.Type != models.TxTypeTipReceived || received.Amount != 50 || received.BalanceAfter != 100 {
		t.Errorf("tip_received entry mismatch: %+v", received)
	}
	if sent.ReferenceID == nil || received.ReferenceID == nil || *sent.ReferenceID != *received.ReferenceID {
		t.Error("transfer ledger entries must share a correlation id")
	}
}

func TestTransferSelf(t *testing.T) {
	a := uuid.New()
	h := newHarness(user(a, 100))
	svc := newTestService(h)

	if _, err := svc.Transfer(context.Background(), a, a, 10, ""); !errors.Is(err, ErrSelfTransfer) {
		t.Errorf("expected ErrSelfTransfer, got %v", err)
	}
	if h.balance(a) != 100 {
		t.Error("self transfer must have no effect")
	}
}

func TestTransferInsufficient(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	h := newHarness(user(a, 10), user(b, 0))
	svc := newTestService(h)

	if _, err := svc.Transfer(context.Background(), a, b, 50, ""); !errors.Is(err, ErrInsufficientTokens) {
		t.Errorf("expected ErrInsufficientTokens, got %v", err)
	}
	if h.balance(a) != 10 || h.balance(b) != 0 {
		t.Error("failed transfer must have no partial effect")
	}
	if len(h.audit) != 0 || len(h.ledger) != 0 {
		t.Error("failed transfer must write no entries")
	}
}

// ---------------------------------------------------------------------------
// Audit replay: for every user, initial balance plus the sum of signed
// audit amounts equals the current balance.
// ---------------------------------------------------------------------------

func TestAuditReplayInvariant(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	initial := map[uuid.UUID]int64{a: 100, b: 20}
	h := newHarness(user(a, initial[a]), user(b, initial[b]))
	svc := newTestService(h)
	ctx := context.Background()

	tx, _ := h.Begin(ctx)
	if _, err := svc.DeductTx(ctx, tx, a, 30, models.AuditReasonGenerationSpend, nil); err != nil {
		t.Fatalf("deduct: %v", err)
	}
	tx.Commit(ctx)

	if _, err := svc.Credit(ctx, b, 200, models.AuditReasonPurchase, models.TxTypePurchase, "", nil, false); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Transfer(ctx, b, a, 75, ""); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	for _, id := range []uuid.UUID{a, b} {
		var sum int64
		for _, e := range h.auditByUser(id) {
			sum += e.SignedAmount()
		}
		if got, want := h.balance(id), initial[id]+sum; got != want {
			t.Errorf("user %s: initial(%d) + audit_sum(%d) = %d, but balance is %d",
				id, initial[id], sum, want, got)
		}
	}
}
