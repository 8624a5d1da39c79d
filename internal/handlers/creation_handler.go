package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/creation"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/wallet"
)

// CreationService is the lifecycle surface the HTTP layer drives.
type CreationService interface {
	CreatePending(ctx context.Context, userID uuid.UUID, prompt, mediaType string, params creation.CreateParams) (*models.Creation, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Creation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Creation, error)
	Publish(ctx context.Context, id, userID uuid.UUID) error
}

type CreationHandler struct {
	Service CreationService
	Logger  *slog.Logger
}

type createCreationRequest struct {
	Prompt          string  `json:"prompt"`
	MediaType       string  `json:"media_type"`
	AspectRatio     *string `json:"aspect_ratio,omitempty"`
	DurationSeconds *int    `json:"duration_seconds,omitempty"`
}

type createCreationResponse struct {
	CreationID string `json:"creation_id"`
	Cost       int64  `json:"cost"`
	Status     string `json:"status"`
}

// Create handles POST /v1/creations.
// 202 on accept, 402 with required/balance when funds are short (no side
// effects), 503 with refunded=true when the queue is down (debit restored
// before responding).
func (h *CreationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createCreationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	c, err := h.Service.CreatePending(r.Context(), userID, req.Prompt, req.MediaType, creation.CreateParams{
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		var insufficient *wallet.InsufficientTokensError
		switch {
		case errors.As(err, &insufficient):
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":    "insufficient tokens",
				"required": insufficient.Required,
				"balance":  insufficient.Balance,
			})
		case errors.Is(err, creation.ErrQueueUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":    "generation service unavailable, your tokens were refunded",
				"refunded": true,
			})
		case errors.Is(err, creation.ErrEmptyPrompt), errors.Is(err, creation.ErrUnsupportedMediaType):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			h.Logger.Error("create creation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, createCreationResponse{
		CreationID: c.ID.String(),
		Cost:       c.Cost,
		Status:     c.Status,
	})
}

// Get handles GET /v1/creations/{id}.
func (h *CreationHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid creation id"}`, http.StatusBadRequest)
		return
	}
	c, err := h.Service.GetForUser(r.Context(), id, userID)
	if err != nil {
		if errors.Is(err, creation.ErrNotFound) {
			http.Error(w, `{"error":"creation not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get creation", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// List handles GET /v1/creations.
func (h *CreationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	list, err := h.Service.ListForUser(r.Context(), userID, parseLimit(r))
	if err != nil {
		h.Logger.Error("list creations", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Creation{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Publish handles POST /v1/creations/{id}/publish.
func (h *CreationHandler) Publish(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid creation id"}`, http.StatusBadRequest)
		return
	}
	if err := h.Service.Publish(r.Context(), id, userID); err != nil {
		switch {
		case errors.Is(err, creation.ErrNotFound):
			http.Error(w, `{"error":"creation not found"}`, http.StatusNotFound)
		case errors.Is(err, creation.ErrInvalidTransition):
			http.Error(w, `{"error":"only drafts can be published"}`, http.StatusConflict)
		default:
			h.Logger.Error("publish creation", "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.CreationStatusPublished})
}
