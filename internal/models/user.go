package models

import (
	"time"

	"github.com/google/uuid"
)

// User carries the per-user token balance and lifetime counters.
// token_balance is mutated only through the wallet service; the lifetime
// counters are monotonic and maintained in the same transactions.
type User struct {
	ID                uuid.UUID `json:"id"`
	Email             string    `json:"email"`
	DisplayName       string    `json:"display_name"`
	PasswordHash      string    `json:"-"`
	TokenBalance      int64     `json:"token_balance"`
	TotalTokensSpent  int64     `json:"total_tokens_spent"`
	TotalTokensEarned int64     `json:"total_tokens_earned"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
