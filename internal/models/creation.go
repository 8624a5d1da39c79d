package models

import (
	"time"

	"github.com/google/uuid"
)

// Creation status state machine:
// pending -> processing -> draft -> published
//                       \-> failed (refunded)
// Transitions only move forward; conditional updates in the repository
// reject anything else.
const (
	CreationStatusPending    = "pending"
	CreationStatusProcessing = "processing"
	CreationStatusDraft      = "draft"
	CreationStatusPublished  = "published"
	CreationStatusFailed     = "failed"
)

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

type Creation struct {
	ID                    uuid.UUID  `json:"id"`
	UserID                uuid.UUID  `json:"user_id"`
	MediaType             string     `json:"media_type"`
	Prompt                string     `json:"prompt"`
	Cost                  int64      `json:"cost"`
	Status                string     `json:"status"`
	Progress              float64    `json:"progress"`
	Refunded              bool       `json:"refunded"`
	Error                 *string    `json:"error,omitempty"`
	AspectRatio           *string    `json:"aspect_ratio,omitempty"`
	DurationSeconds       *int       `json:"duration_seconds,omitempty"`
	MediaURL              *string    `json:"media_url,omitempty"`
	ThumbnailURL          *string    `json:"thumbnail_url,omitempty"`
	ModelUsed             *string    `json:"model_used,omitempty"`
	GenerationTimeSeconds *float64   `json:"generation_time_seconds,omitempty"`
	WorkerStartedAt       *time.Time `json:"worker_started_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// IsTerminal reports whether no further worker transition is accepted.
// Draft is terminal from the worker's perspective; only the user can
// publish it afterwards.
func (c *Creation) IsTerminal() bool {
	switch c.Status {
	case CreationStatusDraft, CreationStatusPublished, CreationStatusFailed:
		return true
	}
	return false
}
