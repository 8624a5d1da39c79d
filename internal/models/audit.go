package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit entry types. Transfers produce two entries (transfer_out on the
// sender, transfer_in on the recipient) sharing a reference id.
const (
	AuditTypeCredit      = "credit"
	AuditTypeDebit       = "debit"
	AuditTypeTransferIn  = "transfer_in"
	AuditTypeTransferOut = "transfer_out"
)

// Audit reasons.
const (
	AuditReasonGenerationSpend  = "generation_spend"
	AuditReasonGenerationRefund = "generation_refund"
	AuditReasonTip              = "tip"
	AuditReasonPurchase         = "purchase"
	AuditReasonSignupBonus      = "signup_bonus"
	AuditReasonAdminCredit      = "admin_credit"
)

// AuditEntry is one row of the integrity trail: exactly one per atomic
// wallet mutation, written inside the same transaction, never updated.
type AuditEntry struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          string          `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Reason        string          `json:"reason"`
	ReferenceID   *uuid.UUID      `json:"reference_id,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	IPAddress     *string         `json:"ip_address,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SignedAmount is the delta this entry represents for its user's balance.
// Summing these per user replays to the current balance.
func (e *AuditEntry) SignedAmount() int64 {
	switch e.Type {
	case AuditTypeDebit, AuditTypeTransferOut:
		return -e.Amount
	}
	return e.Amount
}
