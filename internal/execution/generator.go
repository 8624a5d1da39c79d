package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Failure classes that are never retried. Anything else coming out of the
// generator is treated as transient.
const (
	FailureContentPolicy = "content_policy_violation"
	FailureSafetyFilter  = "safety_filter_blocked"
	FailureNoOutput      = "no_output_produced"
)

// PermanentError marks a generation failure that retrying cannot fix.
type PermanentError struct {
	Class   string
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// GenerateRequest is what the external inference service receives.
type GenerateRequest struct {
	MediaType       string  `json:"media_type"`
	Prompt          string  `json:"prompt"`
	AspectRatio     *string `json:"aspect_ratio,omitempty"`
	DurationSeconds *int    `json:"duration_seconds,omitempty"`
}

// GenerateResult is the successful output of one inference call. The media
// has already been uploaded by the inference side; only URLs travel back.
type GenerateResult struct {
	MediaURL              string  `json:"media_url"`
	ThumbnailURL          *string `json:"thumbnail_url,omitempty"`
	ModelUsed             string  `json:"model_used"`
	GenerationTimeSeconds float64 `json:"generation_time_seconds"`
}

// Generator runs one generation. Implementations must return a
// *PermanentError for failures that must not be retried.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// HTTPGenerator calls the external inference service over HTTP.
type HTTPGenerator struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPGenerator(endpoint string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Generator = (*HTTPGenerator)(nil)

// generateErrorBody is the error shape the inference service returns on
// non-2xx responses.
type generateErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, genReq GenerateRequest) (*GenerateResult, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody generateErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, classifyHTTPFailure(resp.StatusCode, errBody)
	}

	var result GenerateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	if result.MediaURL == "" {
		return nil, &PermanentError{Class: FailureNoOutput, Message: "inference succeeded but returned no media url"}
	}
	return &result, nil
}

// classifyHTTPFailure maps inference-service errors onto the retry policy:
// policy and safety rejections are permanent, everything else (rate limits,
// 5xx, unknown 4xx) is transient and left to the queue's retry budget.
func classifyHTTPFailure(status int, errBody generateErrorBody) error {
	switch errBody.Code {
	case "content_policy_violation":
		return &PermanentError{Class: FailureContentPolicy, Message: errBody.Message}
	case "safety_filter_blocked":
		return &PermanentError{Class: FailureSafetyFilter, Message: errBody.Message}
	}
	if status == http.StatusUnprocessableEntity {
		return &PermanentError{Class: FailureContentPolicy, Message: nonEmpty(errBody.Message, "rejected by provider")}
	}
	return fmt.Errorf("inference service returned status %d: %s", status, nonEmpty(errBody.Message, "transient provider error"))
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
