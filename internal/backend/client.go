// Package backend implements the client side of the session protocol:
// a retrying request executor, a resilient SSE stream consumer, and
// typed wrappers for every endpoint.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nvake/sesh/internal/session"
)

const (
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second

	// DefaultUserID is the user scope the backend assumes when none is
	// configured.
	DefaultUserID = "default_user"
)

// Credentials locate and authenticate against the backend.
type Credentials struct {
	BaseURL string
	Token   string
}

// CredentialSource supplies credentials at call time, so rotated
// tokens or a changed base URL are picked up without rebuilding the
// client.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialSource over fixed values.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	return Credentials(s), nil
}

// Client talks the backend's session protocol.
type Client struct {
	creds   CredentialSource
	http    HTTPDoer
	exec    *Executor
	policy  Policy
	logger  *slog.Logger
	timeout time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// ClientOption tweaks client construction.
type ClientOption func(*Client)

// WithHTTPDoer replaces the transport.
func WithHTTPDoer(d HTTPDoer) ClientOption {
	return func(c *Client) { c.http = d }
}

// WithPolicy replaces the retry policy.
func WithPolicy(p Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithLogger replaces the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTimeout bounds each non-streaming attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient returns a client that resolves credentials through creds.
func NewClient(creds CredentialSource, opts ...ClientOption) *Client {
	c := &Client{
		creds:   creds,
		policy:  DefaultPolicy(),
		logger:  slog.Default(),
		timeout: defaultTimeout,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		// No client-level timeout: it would also kill streaming
		// bodies. Attempts are bounded by per-call contexts.
		c.http = &http.Client{}
	}
	c.exec = NewExecutor(c.http, c.policy, c.logger)
	c.exec.AttemptTimeout = c.timeout
	return c
}

func (c *Client) resolve(ctx context.Context) (Credentials, error) {
	cr, err := c.creds.Credentials(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("resolving credentials: %w", err)
	}
	cr.BaseURL = strings.TrimRight(cr.BaseURL, "/")
	if cr.BaseURL == "" {
		return Credentials{}, errors.New("backend base URL not configured")
	}
	return cr, nil
}

// do executes one JSON request through the retrying executor and
// decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	cr, err := c.resolve(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	u := cr.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	if cr.Token != "" {
		header.Set("Authorization", "Bearer "+cr.Token)
	}

	resp, err := c.exec.Do(ctx, Request{Method: method, URL: u, Header: header, Body: payload})
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return decodeErr(method+" "+path, err)
		}
	}
	return nil
}

// Health fetches the backend's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out healthPayload
	if err := c.do(ctx, http.MethodGet, "/claude/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &Health{
		Status:       out.Status,
		Timestamp:    out.Timestamp.Time,
		Version:      out.Version,
		Dependencies: out.Dependencies,
	}, nil
}

// CreateSession creates a session for userID and returns the
// backend's snapshot of it.
func (c *Client) CreateSession(ctx context.Context, userID, name string, sessionContext map[string]any) (*session.Session, error) {
	var out sessionPayload
	body := createSessionPayload{UserID: userID, SessionName: name, Context: sessionContext}
	if err := c.do(ctx, http.MethodPost, "/claude/sessions", nil, body, &out); err != nil {
		return nil, err
	}
	return out.toSession(), nil
}

// GetSession fetches one session including its history.
func (c *Client) GetSession(ctx context.Context, id, userID string) (*session.Session, error) {
	var out sessionPayload
	q := url.Values{"user_id": {userID}}
	if err := c.do(ctx, http.MethodGet, "/claude/sessions/"+url.PathEscape(id), q, nil, &out); err != nil {
		return nil, err
	}
	return out.toSession(), nil
}

// ListSessions fetches one page of a user's sessions.
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) (*SessionPage, error) {
	q := url.Values{"user_id": {opts.UserID}}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var out sessionListPayload
	if err := c.do(ctx, http.MethodGet, "/claude/sessions", q, nil, &out); err != nil {
		return nil, err
	}

	page := &SessionPage{
		Sessions:   make([]*session.Session, len(out.Sessions)),
		TotalCount: out.TotalCount,
		HasMore:    out.HasMore,
	}
	for i, p := range out.Sessions {
		page.Sessions[i] = p.toSession()
	}
	if out.NextOffset != nil {
		page.NextOffset = *out.NextOffset
	}
	return page, nil
}

// UpdateSession applies the non-nil fields of upd and returns the
// refreshed snapshot.
func (c *Client) UpdateSession(ctx context.Context, id, userID string, upd UpdateRequest) (*session.Session, error) {
	body := updateSessionPayload{
		SessionID:   id,
		UserID:      userID,
		SessionName: upd.Name,
		Context:     upd.Context,
	}
	if upd.Status != nil {
		s := string(*upd.Status)
		body.Status = &s
	}

	var out sessionPayload
	if err := c.do(ctx, http.MethodPut, "/claude/sessions/"+url.PathEscape(id), nil, body, &out); err != nil {
		return nil, err
	}
	return out.toSession(), nil
}

// DeleteSession removes the session on the backend.
func (c *Client) DeleteSession(ctx context.Context, id, userID string) error {
	q := url.Values{"user_id": {userID}}
	return c.do(ctx, http.MethodDelete, "/claude/sessions/"+url.PathEscape(id), q, nil, nil)
}

// SendQuery runs a query to completion and returns the assistant's
// reply.
func (c *Client) SendQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	req.Stream = false
	var out queryResponsePayload
	if err := c.do(ctx, http.MethodPost, "/claude/query", nil, req, &out); err != nil {
		return nil, err
	}
	return &QueryResult{
		SessionID:      out.SessionID,
		Message:        out.Message.toMessage(out.SessionID),
		Status:         out.Status,
		ProcessingTime: out.ProcessingTime,
	}, nil
}
