package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lumenstudio/backend/internal/models"
)

type mockUsers struct {
	byEmail map[string]*models.User
}

func newMockUsers() *mockUsers {
	return &mockUsers{byEmail: make(map[string]*models.User)}
}

func (m *mockUsers) Create(_ context.Context, u *models.User) error {
	if _, ok := m.byEmail[u.Email]; ok {
		return &pgconn.PgError{Code: "23505"}
	}
	cp := *u
	m.byEmail[u.Email] = &cp
	return nil
}

func (m *mockUsers) GetByEmail(_ context.Context, email string) (*models.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

type mockGranter struct {
	credits map[uuid.UUID]int64
	err     error
}

func (m *mockGranter) Credit(_ context.Context, userID uuid.UUID, amount int64, _, _, _ string, _ *uuid.UUID, _ bool) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.credits == nil {
		m.credits = make(map[uuid.UUID]int64)
	}
	m.credits[userID] += amount
	return m.credits[userID], nil
}

func newTestService(users *mockUsers, granter *mockGranter, bonus int64) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(users, granter, "test-secret", bonus, logger)
}

func TestRegisterGrantsSignupBonus(t *testing.T) {
	users := newMockUsers()
	granter := &mockGranter{}
	svc := newTestService(users, granter, 25)

	u, token, err := svc.Register(context.Background(), "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token == "" {
		t.Error("registration must return a token")
	}
	if granter.credits[u.ID] != 25 {
		t.Errorf("bonus credited: got %d, want 25", granter.credits[u.ID])
	}
	if u.TokenBalance != 25 {
		t.Errorf("returned balance: got %d, want 25", u.TokenBalance)
	}
	if u.PasswordHash == "correct horse" {
		t.Error("password must be hashed")
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	users := newMockUsers()
	svc := newTestService(users, &mockGranter{}, 0)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "ada@example.com", "password1", "Ada"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, _, err := svc.Register(ctx, "ada@example.com", "password2", "Ada"); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

// A failed bonus grant is repairable later; the account still registers.
func TestRegisterSurvivesBonusFailure(t *testing.T) {
	users := newMockUsers()
	granter := &mockGranter{err: errors.New("wallet down")}
	svc := newTestService(users, granter, 25)

	u, token, err := svc.Register(context.Background(), "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token == "" || u == nil {
		t.Error("registration must still succeed")
	}
	if u.TokenBalance != 0 {
		t.Errorf("balance: got %d, want 0", u.TokenBalance)
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	users := newMockUsers()
	svc := newTestService(users, &mockGranter{}, 0)
	ctx := context.Background()

	u, _, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "ada@example.com", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != u.ID {
		t.Errorf("token subject: got %s, want %s", id, u.ID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	users := newMockUsers()
	svc := newTestService(users, &mockGranter{}, 0)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "ada@example.com", "correct horse", "Ada"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Login(ctx, "ada@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correct horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(newMockUsers(), &mockGranter{}, 0)
	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}

	// Token signed with a different secret must not validate.
	other := newTestService(newMockUsers(), &mockGranter{}, 0)
	_, token, err := other.Register(context.Background(), "eve@example.com", "password1", "Eve")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	foreign := NewService(newMockUsers(), &mockGranter{}, "other-secret", 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := foreign.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign-signed token: got %v", err)
	}
}
