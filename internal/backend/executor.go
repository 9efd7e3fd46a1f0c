package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPDoer is the transport requests are issued over. *http.Client
// satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request is a single operation. The body is held as bytes so the
// request can be re-issued on retry.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the materialized result of a successful request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Executor performs one-shot requests with bounded retries. It holds
// no mutable state and is safe for concurrent use.
type Executor struct {
	// AttemptTimeout bounds each attempt separately from the caller's
	// context, so a hung connection fails the attempt instead of the
	// whole schedule. Zero disables the bound.
	AttemptTimeout time.Duration

	doer   HTTPDoer
	policy Policy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewExecutor returns an executor over doer. A nil doer falls back to
// a default http.Client; a nil logger falls back to slog.Default.
func NewExecutor(doer HTTPDoer, policy Policy, logger *slog.Logger) *Executor {
	if doer == nil {
		doer = &http.Client{Timeout: defaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		doer:   doer,
		policy: policy.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do executes req, retrying per policy. Cancellation aborts
// immediately, including mid-backoff, and returns ctx.Err().
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := range e.policy.MaxAttempts {
		if attempt > 0 {
			delay := e.policy.Delay(attempt-1, ErrorKind(lastErr) == KindRateLimited)
			e.logger.Warn("retrying request",
				"method", req.Method, "url", req.URL,
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := e.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var be *Error
		if !errors.As(err, &be) || !be.retryable(e.policy) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", e.policy.MaxAttempts, lastErr)
}

func (e *Executor) attempt(ctx context.Context, req Request) (*Response, error) {
	op := req.Method + " " + req.URL

	if e.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.AttemptTimeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &Error{Kind: KindClient, Op: op, Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := e.doer.Do(httpReq)
	if err != nil {
		return nil, connectivityErr(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connectivityErr(op, err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusErr(op, resp.StatusCode, data)
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
