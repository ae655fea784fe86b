package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/noah-isme/gema-messaging/internal/dto"
	"github.com/noah-isme/gema-messaging/internal/messaging"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultRetryMaxElapsed = 5 * time.Second
	retryInitialInterval   = 100 * time.Millisecond
	apiPrefix              = "/api/v2/messaging"
)

// Config describes how a client reaches the messaging API.
type Config struct {
	BaseURL         string
	Token           string
	Timeout         time.Duration
	// RetryMaxElapsed bounds retries of reads after transport errors or 5xx
	// responses. Zero uses the default, a negative value disables retries.
	// Writes are never retried here; the reconciler decides about resends.
	RetryMaxElapsed time.Duration
}

// APIError is a non-2xx response from the messaging API.
type APIError struct {
	Status  int
	Message string
	Details map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("messaging api: %d %s", e.Status, e.Message)
}

// Unwrap maps well-known responses back onto the domain sentinels.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound && e.Message == messaging.ErrNotParticipant.Error():
		return messaging.ErrNotParticipant
	case e.Status == http.StatusNotFound:
		return messaging.ErrThreadNotFound
	case e.Status == http.StatusBadRequest && e.Message == messaging.ErrEmptyBody.Error():
		return messaging.ErrEmptyBody
	}
	return nil
}

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Details map[string]string `json:"details"`
}

// HTTPStore implements messaging.Store against a running messaging API.
type HTTPStore struct {
	base            *url.URL
	token           string
	http            *http.Client
	retryMaxElapsed time.Duration
}

var _ messaging.Store = (*HTTPStore)(nil)

// NewHTTPStore validates cfg and builds a store.
func NewHTTPStore(cfg Config) (*HTTPStore, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retryMaxElapsed := cfg.RetryMaxElapsed
	if retryMaxElapsed == 0 {
		retryMaxElapsed = defaultRetryMaxElapsed
	}

	transport := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &HTTPStore{
		base:            base,
		token:           cfg.Token,
		http:            &http.Client{Transport: transport, Timeout: timeout},
		retryMaxElapsed: retryMaxElapsed,
	}, nil
}

func (s *HTTPStore) Access(ctx context.Context) (messaging.Access, error) {
	var access messaging.Access
	err := s.do(ctx, http.MethodGet, "/access", nil, nil, &access)
	return access, err
}

func (s *HTTPStore) ListThreads(ctx context.Context) ([]messaging.ThreadView, error) {
	var threads []messaging.ThreadView
	err := s.do(ctx, http.MethodGet, "/threads", nil, nil, &threads)
	return threads, err
}

// SearchThreads runs the server-side thread search.
func (s *HTTPStore) SearchThreads(ctx context.Context, query string) ([]messaging.ThreadView, error) {
	var threads []messaging.ThreadView
	err := s.do(ctx, http.MethodGet, "/threads/search", url.Values{"q": {query}}, nil, &threads)
	return threads, err
}

// Recipients lists users the viewer may start a conversation with.
func (s *HTTPStore) Recipients(ctx context.Context, query string) ([]messaging.RecipientCandidate, error) {
	var candidates []messaging.RecipientCandidate
	err := s.do(ctx, http.MethodGet, "/recipients", url.Values{"q": {query}}, nil, &candidates)
	return candidates, err
}

// UnreadCount asks the server for the viewer's unread thread count.
func (s *HTTPStore) UnreadCount(ctx context.Context) (int, error) {
	var unread dto.UnreadResponse
	err := s.do(ctx, http.MethodGet, "/unread", nil, nil, &unread)
	return unread.Unread, err
}

func (s *HTTPStore) GetOrCreateThread(ctx context.Context, counterpartID uint) (messaging.ThreadView, error) {
	var response dto.StartThreadResponse
	err := s.do(ctx, http.MethodPost, "/threads", nil, dto.StartThreadRequest{CounterpartID: counterpartID}, &response)
	return response.Thread, err
}

func (s *HTTPStore) ListMessages(ctx context.Context, threadID uint) ([]messaging.Message, error) {
	var messages []messaging.Message
	err := s.do(ctx, http.MethodGet, fmt.Sprintf("/threads/%d/messages", threadID), nil, nil, &messages)
	return messages, err
}

func (s *HTTPStore) SendMessage(ctx context.Context, threadID uint, body string) (messaging.Message, error) {
	var message messaging.Message
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("/threads/%d/messages", threadID), nil, dto.SendMessageRequest{Body: body}, &message)
	return message, err
}

func (s *HTTPStore) MarkParticipantRead(ctx context.Context, participantID uint) (messaging.ParticipantState, error) {
	var state messaging.ParticipantState
	err := s.do(ctx, http.MethodPost, fmt.Sprintf("/participants/%d/read", participantID), nil, nil, &state)
	return state, err
}

func (s *HTTPStore) endpoint(path string, query url.Values) string {
	target := *s.base
	target.Path = strings.TrimRight(target.Path, "/") + apiPrefix + path
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

// do sends one API call. GET requests are retried with exponential backoff
// while the failure is a transport error or a 5xx response.
func (s *HTTPStore) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	var raw []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		raw = encoded
	}

	if method != http.MethodGet || s.retryMaxElapsed < 0 {
		return s.roundTrip(ctx, method, path, query, raw, out)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxElapsedTime = s.retryMaxElapsed
	return backoff.Retry(func() error {
		err := s.roundTrip(ctx, method, path, query, raw, out)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func (s *HTTPStore) roundTrip(ctx context.Context, method, path string, query url.Values, raw []byte, out interface{}) error {
	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Message, Details: env.Details}
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", path, err)
	}
	return nil
}

// IsNotFound reports whether err is a hidden or missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, messaging.ErrThreadNotFound) || errors.Is(err, messaging.ErrNotParticipant)
}
