package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/lumenstudio/backend/internal/creation"
)

// LifecycleService is the completion contract the worker reports through.
// Every path out of Work resolves the creation or leaves it in processing
// for the orphan reconciler.
type LifecycleService interface {
	MarkProcessing(ctx context.Context, id uuid.UUID, progress float64) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, mediaURL string, thumbnailURL *string, modelUsed string, generationTime float64) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
}

// GenerateWorker executes queued generation jobs. Delivery is at least
// once, so everything it reports is idempotent keyed by creation id.
type GenerateWorker struct {
	river.WorkerDefaults[creation.GenerateArgs]
	lifecycle   LifecycleService
	generator   Generator
	maxAttempts int
	logger      *slog.Logger
}

func NewGenerateWorker(lifecycle LifecycleService, generator Generator, maxAttempts int, logger *slog.Logger) *GenerateWorker {
	return &GenerateWorker{lifecycle: lifecycle, generator: generator, maxAttempts: maxAttempts, logger: logger}
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[creation.GenerateArgs]) error {
	args := job.Args

	if err := w.lifecycle.MarkProcessing(ctx, args.CreationID, 0); err != nil {
		if errors.Is(err, creation.ErrInvalidTransition) || errors.Is(err, creation.ErrNotFound) {
			// Already resolved (e.g. the reconciler refunded it) — drop the
			// redelivery.
			w.logger.Warn("dropping job for resolved creation", "creation_id", args.CreationID)
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	result, err := w.generator.Generate(ctx, GenerateRequest{
		MediaType:       args.MediaType,
		Prompt:          args.Prompt,
		AspectRatio:     args.AspectRatio,
		DurationSeconds: args.DurationSeconds,
	})
	if err != nil {
		return w.handleFailure(ctx, job, err)
	}

	if err := w.lifecycle.MarkSucceeded(ctx, args.CreationID, result.MediaURL, result.ThumbnailURL, result.ModelUsed, result.GenerationTimeSeconds); err != nil {
		if errors.Is(err, creation.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark succeeded: %w", err)
	}
	return nil
}

// handleFailure applies the retry policy: permanent failures refund
// immediately; transient failures go back to the queue until the attempt
// budget is spent, then refund.
func (w *GenerateWorker) handleFailure(ctx context.Context, job *river.Job[creation.GenerateArgs], genErr error) error {
	creationID := job.Args.CreationID

	var perm *PermanentError
	if errors.As(genErr, &perm) {
		w.logger.Warn("generation failed permanently", "creation_id", creationID, "class", perm.Class, "error", perm.Message)
		return w.failAndRefund(ctx, creationID, perm.Error())
	}

	if job.Attempt >= w.maxAttempts {
		w.logger.Warn("generation retries exhausted", "creation_id", creationID, "attempt", job.Attempt, "error", genErr)
		return w.failAndRefund(ctx, creationID, fmt.Sprintf("generation failed after %d attempts: %v", job.Attempt, genErr))
	}

	w.logger.Warn("transient generation failure, retrying", "creation_id", creationID, "attempt", job.Attempt, "error", genErr)
	return genErr
}

func (w *GenerateWorker) failAndRefund(ctx context.Context, creationID uuid.UUID, reason string) error {
	refunded, err := w.lifecycle.MarkFailed(ctx, creationID, reason)
	if err != nil {
		if errors.Is(err, creation.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("generation failed (%s) and marking it failed also failed: %w", reason, err)
	}
	if !refunded {
		w.logger.Info("creation was already refunded", "creation_id", creationID)
	}
	return nil
}
