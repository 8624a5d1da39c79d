package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenPackage is a purchasable bundle of tokens. Checkout and settlement
// happen in the external payment provider; this record only defines what a
// completed purchase credits.
type TokenPackage struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Tokens     int64     `json:"tokens"`
	PriceCents int64     `json:"price_cents"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}
