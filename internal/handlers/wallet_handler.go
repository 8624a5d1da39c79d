package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/wallet"
)

// WalletService is the wallet surface exposed over HTTP.
type WalletService interface {
	Transfer(ctx context.Context, senderID, recipientID uuid.UUID, amount int64, details string) (*wallet.TransferResult, error)
	Credit(ctx context.Context, userID uuid.UUID, amount int64, reason, txType, details string, referenceID *uuid.UUID, earned bool) (int64, error)
}

// UserReader serves the balance view.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// AuditReader serves the read side of the integrity trail.
type AuditReader interface {
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.AuditEntry, error)
	ListByReference(ctx context.Context, referenceID uuid.UUID) ([]*models.AuditEntry, error)
}

// PackageStore resolves purchasable token bundles.
type PackageStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.TokenPackage, error)
	ListActive(ctx context.Context) ([]*models.TokenPackage, error)
}

type WalletHandler struct {
	Wallet   WalletService
	Users    UserReader
	Ledger   ledger.Service
	Audit    AuditReader
	Packages PackageStore
	Logger   *slog.Logger
}

type balanceResponse struct {
	TokenBalance      int64 `json:"token_balance"`
	TotalTokensSpent  int64 `json:"total_tokens_spent"`
	TotalTokensEarned int64 `json:"total_tokens_earned"`
}

// Balance handles GET /v1/wallet. A user without a balance record reads as
// zero; the record is never created by a read.
func (h *WalletHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	u, err := h.Users.GetByID(r.Context(), userID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusOK, balanceResponse{})
		return
	}
	if err != nil {
		h.Logger.Error("get balance", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		TokenBalance:      u.TokenBalance,
		TotalTokensSpent:  u.TotalTokensSpent,
		TotalTokensEarned: u.TotalTokensEarned,
	})
}

// Transactions handles GET /v1/wallet/transactions?limit=&type=.
func (h *WalletHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	list, err := h.Ledger.Query(r.Context(), userID, parseLimit(r), r.URL.Query().Get("type"))
	if err != nil {
		h.Logger.Error("list transactions", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

type transferRequest struct {
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Message     string `json:"message"`
}

// Transfer handles POST /v1/wallet/transfer (tips).
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		http.Error(w, `{"error":"invalid recipient_id"}`, http.StatusBadRequest)
		return
	}

	result, err := h.Wallet.Transfer(r.Context(), userID, recipientID, req.Amount, req.Message)
	if err != nil {
		var insufficient *wallet.InsufficientTokensError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":    "insufficient tokens",
				"required": insufficient.Required,
				"balance":  insufficient.Balance,
			})
		case errors.Is(err, wallet.ErrSelfTransfer), errors.Is(err, wallet.ErrInvalidAmount):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, wallet.ErrUserNotFound):
			http.Error(w, `{"error":"recipient not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("transfer", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": result.CorrelationID,
		"balance":        result.SenderBalance,
	})
}

// AuditLog handles GET /v1/wallet/audit?limit=&reference_id=. With a
// reference_id it returns the caller's mutations correlated to that creation
// or transfer; otherwise the caller's recent trail.
func (h *WalletHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())

	var (
		entries []*models.AuditEntry
		err     error
	)
	if ref := r.URL.Query().Get("reference_id"); ref != "" {
		refID, perr := uuid.Parse(ref)
		if perr != nil {
			http.Error(w, `{"error":"invalid reference_id"}`, http.StatusBadRequest)
			return
		}
		var all []*models.AuditEntry
		all, err = h.Audit.ListByReference(r.Context(), refID)
		for _, e := range all {
			if e.UserID == userID {
				entries = append(entries, e)
			}
		}
	} else {
		limit := parseLimit(r)
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		entries, err = h.Audit.ListByUser(r.Context(), userID, limit)
	}
	if err != nil {
		h.Logger.Error("list audit entries", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListPackages handles GET /v1/packages.
func (h *WalletHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	list, err := h.Packages.ListActive(r.Context())
	if err != nil {
		h.Logger.Error("list packages", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.TokenPackage{}
	}
	writeJSON(w, http.StatusOK, list)
}

type purchaseRequest struct {
	PackageID string `json:"package_id"`
}

// Purchase handles POST /v1/tokens/purchase. Checkout and settlement are
// the payment provider's problem; this endpoint records a completed
// purchase by crediting the package's tokens.
func (h *WalletHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	packageID, err := uuid.Parse(req.PackageID)
	if err != nil {
		http.Error(w, `{"error":"invalid package_id"}`, http.StatusBadRequest)
		return
	}

	pkg, err := h.Packages.GetByID(r.Context(), packageID)
	if err != nil || !pkg.IsActive {
		http.Error(w, `{"error":"package not found"}`, http.StatusNotFound)
		return
	}

	balance, err := h.Wallet.Credit(r.Context(), userID, pkg.Tokens,
		models.AuditReasonPurchase, models.TxTypePurchase, "package: "+pkg.Name, &pkg.ID, false)
	if err != nil {
		if errors.Is(err, wallet.ErrUserNotFound) {
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("purchase credit", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens_added": pkg.Tokens, "balance": balance})
}

// --- shared helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
