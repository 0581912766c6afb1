package gcp

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Lllllllleong/docsetpackager/internal/httpx"
)

// outcome classifies a response for the reauthorization state machine.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeNeedsReauthorization
	outcomeFailed
)

func classify(resp *http.Response, err error) outcome {
	switch {
	case err != nil:
		return outcomeFailed
	case resp.StatusCode == http.StatusUnauthorized:
		return outcomeNeedsReauthorization
	default:
		return outcomeSucceeded
	}
}

// Session executes requests with a bearer token from an AuthProvider. On an
// authorization failure it reauthorizes once and replays the request once.
type Session struct {
	auth   *AuthProvider
	client *http.Client
}

// NewSession wraps client. A nil client uses http.DefaultClient.
func NewSession(auth *AuthProvider, client *http.Client) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{auth: auth, client: client}
}

// Auth returns the provider backing the session.
func (s *Session) Auth() *AuthProvider {
	return s.auth
}

// Do implements httpx.Doer. A request with a body is only replayed when
// req.GetBody is set; otherwise the 401 response is returned as is.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	if _, err := s.auth.Attach(req); err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)

	switch classify(resp, err) {
	case outcomeFailed:
		return nil, err
	case outcomeSucceeded:
		return resp, nil
	}

	slog.Info("Authorization rejected, refreshing token.", "method", req.Method, "url", req.URL.Redacted())
	s.auth.Invalidate()
	if err := s.auth.Authorize(req.Context()); err != nil {
		httpx.Drain(resp)
		return nil, err
	}

	retry, err := rewind(req)
	if err != nil {
		slog.Warn("Request body cannot be replayed.", "url", req.URL.Redacted(), "error", err)
		return resp, nil
	}
	httpx.Drain(resp)
	if _, err := s.auth.Attach(retry); err != nil {
		return nil, err
	}
	return s.client.Do(retry)
}

func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("no GetBody for %s %s", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to reopen request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}
