package recommend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fexvoice/internal/domain"
)

const (
	// MessageRequestFailed is shown when the backend call fails without detail.
	MessageRequestFailed = "Failed to process request"
	// MessageNoRecommendations is shown when the backend reports success=false.
	MessageNoRecommendations = "Failed to get recommendations"

	processPath = "/api/voice/process"
	healthPath  = "/health"

	maxErrorBody = 64 << 10
)

// Config controls the recommendation backend client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DispatchError is a user-visible dispatch failure.
type DispatchError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *DispatchError) Error() string { return e.Message }

func (e *DispatchError) Unwrap() error { return e.Err }

// Client sends finalized utterances to the recommendation backend.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}

	c := &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type processRequest struct {
	Text string `json:"text"`
}

type processResponse struct {
	Success         bool                `json:"success"`
	Type            string              `json:"type"`
	Recommendations []domain.Movie      `json:"recommendations"`
	Restaurants     []domain.Restaurant `json:"restaurants"`
	Count           int                 `json:"count"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// Process posts text to the backend and maps the reply to results. Failures
// are *DispatchError. There is no retry.
func (c *Client) Process(ctx context.Context, text string) (domain.Results, error) {
	body, err := json.Marshal(processRequest{Text: text})
	if err != nil {
		return domain.Results{}, &DispatchError{Message: MessageRequestFailed, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+processPath, bytes.NewReader(body))
	if err != nil {
		return domain.Results{}, &DispatchError{Message: MessageRequestFailed, Err: err}
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	logger := c.logger.With().Str("request_id", requestID).Logger()
	logger.Debug().Str("text", text).Msg("dispatching utterance")

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Warn().Err(err).Msg("recommendation request failed")
		return domain.Results{}, &DispatchError{Message: MessageRequestFailed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		message := detailMessage(raw)
		logger.Warn().Int("status", resp.StatusCode).Str("detail", message).Msg("recommendation backend rejected request")
		return domain.Results{}, &DispatchError{
			StatusCode: resp.StatusCode,
			Message:    message,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var decoded processResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return domain.Results{}, &DispatchError{StatusCode: resp.StatusCode, Message: MessageRequestFailed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !decoded.Success {
		return domain.Results{}, &DispatchError{StatusCode: resp.StatusCode, Message: MessageNoRecommendations, Err: errors.New("backend reported success=false")}
	}

	results := toResults(decoded)
	logger.Info().
		Str("kind", string(results.Kind)).
		Int("movies", len(results.Movies)).
		Int("restaurants", len(results.Restaurants)).
		Msg("recommendations received")
	return results, nil
}

// Health checks the backend's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("recommendation backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recommendation backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func toResults(resp processResponse) domain.Results {
	if resp.Type == string(domain.ResultKindFood) {
		return domain.Results{Kind: domain.ResultKindFood, Restaurants: resp.Restaurants}
	}
	return domain.Results{Kind: domain.ResultKindMovies, Movies: resp.Recommendations}
}

// detailMessage extracts a string detail; validation errors and other shapes
// fall back to the generic message.
func detailMessage(raw []byte) string {
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return MessageRequestFailed
	}
	var detail string
	if err := json.Unmarshal(body.Detail, &detail); err != nil || strings.TrimSpace(detail) == "" {
		return MessageRequestFailed
	}
	return strings.TrimSpace(detail)
}
