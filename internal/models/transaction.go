package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types for the user-facing history.
const (
	TxTypePurchase         = "purchase"
	TxTypeGenerationSpend  = "generation_spend"
	TxTypeGenerationRefund = "generation_refund"
	TxTypeTipSent          = "tip_sent"
	TxTypeTipReceived      = "tip_received"
	TxTypeSignupBonus      = "signup_bonus"
	TxTypeAdminCredit      = "admin_credit"
)

// Transaction is one entry in the user-facing token history. Amount is
// signed: negative for debits, positive for credits. BalanceAfter is the
// authoritative balance computed inside the mutating transaction, not a
// re-read. ReferenceID correlates the entry to a creation or to the other
// half of a transfer.
type Transaction struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	Type         string     `json:"type"`
	Amount       int64      `json:"amount"`
	BalanceAfter int64      `json:"balance_after"`
	Details      string     `json:"details"`
	ReferenceID  *uuid.UUID `json:"reference_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
