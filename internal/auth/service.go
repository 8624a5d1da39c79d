package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumenstudio/backend/internal/models"
)

var (
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// UserStore is the user persistence slice auth needs.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// BonusGranter credits the signup bonus through the wallet, so the grant
// shows up in the ledger and audit trail like any other mutation.
type BonusGranter interface {
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason, txType, details string, referenceID *uuid.UUID, earned bool) (int64, error)
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.User, string, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

type service struct {
	users       UserStore
	wallet      BonusGranter
	secret      []byte
	signupBonus int64
	logger      *slog.Logger
}

func NewService(users UserStore, wallet BonusGranter, secret string, signupBonus int64, logger *slog.Logger) Service {
	return &service{users: users, wallet: wallet, secret: []byte(secret), signupBonus: signupBonus, logger: logger}
}

var _ Service = (*service)(nil)

func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, "", ErrDuplicateEmail
		}
		return nil, "", err
	}

	if s.signupBonus > 0 {
		balance, err := s.wallet.Credit(ctx, u.ID, s.signupBonus,
			models.AuditReasonSignupBonus, models.TxTypeSignupBonus, "welcome bonus", nil, false)
		if err != nil {
			// The account exists; the missing bonus is repairable with an
			// admin credit, so registration still succeeds.
			s.logger.Error("signup bonus grant failed", "user_id", u.ID, "error", err)
		} else {
			u.TokenBalance = balance
		}
	}

	token, err := s.issueToken(u.ID)
	if err != nil {
		return nil, "", err
	}
	return u, token, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(u.ID)
}

func (s *service) issueToken(userID uuid.UUID) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*jwt.RegisteredClaims)
	if !ok || !tok.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}
