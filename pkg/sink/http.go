package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/entrhq/relay/pkg/logging"
)

const (
	// DefaultBaseURL is the bot-API-style endpoint root. The token is
	// appended to the path, then the method name.
	DefaultBaseURL = "https://api.telegram.org"

	// verifyAttempts bounds identity-endpoint retries.
	verifyAttempts = 3

	// verifyBackoffBase is the first retry delay; it doubles per attempt.
	verifyBackoffBase = 500 * time.Millisecond

	// requestTimeout bounds any single HTTP call.
	requestTimeout = 15 * time.Second
)

// HTTPSink implements Sink over a bot-API-style HTTP endpoint.
type HTTPSink struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logging.Logger
}

// Option configures an HTTPSink.
type Option func(*HTTPSink)

// WithBaseURL overrides the endpoint root (used by tests pointing at a
// local httptest server).
func WithBaseURL(baseURL string) Option {
	return func(s *HTTPSink) { s.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSink) { s.client = client }
}

// NewHTTPSink creates a sink adapter for the given token.
func NewHTTPSink(token string, opts ...Option) *HTTPSink {
	logger, _ := logging.NewLogger("sink")
	s := &HTTPSink{
		baseURL: DefaultBaseURL,
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// apiEnvelope is the bot-API response wrapper.
type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Verify pings the identity endpoint with bounded backoff. Only
// transport failures are retried; a rejected token fails immediately.
func (s *HTTPSink) Verify(ctx context.Context) (*Identity, error) {
	if s.token == "" {
		return nil, ErrNotConfigured
	}

	var lastErr error
	delay := verifyBackoffBase
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		identity, err := s.verifyOnce(ctx)
		if err == nil {
			return identity, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
		s.logger.Warnf("verify attempt %d/%d failed: %v", attempt, verifyAttempts, err)
		if attempt == verifyAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

func (s *HTTPSink) verifyOnce(ctx context.Context) (*Identity, error) {
	envelope, err := s.call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode identity: %v", ErrRejected, err)
	}
	return &Identity{ID: result.ID, Username: result.Username}, nil
}

// Send delivers text to destination in exactly one attempt.
func (s *HTTPSink) Send(ctx context.Context, destination, text string) (string, error) {
	if s.token == "" || destination == "" {
		return "", ErrNotConfigured
	}

	params := url.Values{}
	params.Set("chat_id", destination)
	params.Set("text", text)

	envelope, err := s.call(ctx, "sendMessage", params)
	if err != nil {
		return "", err
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return "", fmt.Errorf("%w: decode delivery id: %v", ErrRejected, err)
	}
	return strconv.FormatInt(result.MessageID, 10), nil
}

// call performs one HTTP request against the named API method and
// classifies failures as unreachable (transport) or rejected (answered).
func (s *HTTPSink) call(ctx context.Context, method string, params url.Values) (*apiEnvelope, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", s.baseURL, s.token, method)

	var req *http.Request
	var err error
	if params == nil {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnreachable, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnreachable, err)
	}
	if !envelope.OK {
		reason := envelope.Description
		if reason == "" {
			reason = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	return &envelope, nil
}

// isTransient reports whether the verify failure is worth retrying.
// Only transport failures are; an answered rejection never changes on
// retry.
func isTransient(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
