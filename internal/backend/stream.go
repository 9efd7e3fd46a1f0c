package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/nvake/sesh/internal/session"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1 << 20

// Stream delivers the frames of one streamed reply. It expects a
// single consumer.
type Stream struct {
	chunks    chan session.Chunk
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Chunks returns the frame channel. It closes when the stream ends;
// check Err afterwards to distinguish a clean terminal chunk from a
// transport failure.
func (s *Stream) Chunks() <-chan session.Chunk { return s.chunks }

// Err reports why the stream ended. It is nil after a clean end and
// meaningful only once Chunks has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Close cancels the underlying transport and waits for the reader to
// finish, so resources are released before it returns. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// StreamQuery opens a streamed query. A connection that fails before
// delivering any frame is retried per policy; once data has flowed, a
// drop ends the stream with a connectivity error instead of resuming
// mid-reply, because the backend replays streams from the start.
func (c *Client) StreamQuery(ctx context.Context, req QueryRequest) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling stream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		chunks: make(chan session.Chunk, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.runStream(streamCtx, s, body)
	return s, nil
}

func (c *Client) runStream(ctx context.Context, s *Stream, body []byte) {
	defer close(s.done)
	defer close(s.chunks)

	var lastErr error
	for attempt := range c.policy.MaxAttempts {
		if attempt > 0 {
			delay := c.policy.Delay(attempt-1, ErrorKind(lastErr) == KindRateLimited)
			c.logger.Warn("retrying stream",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				s.setErr(err)
				return
			}
		}

		delivered, err := c.consumeStream(ctx, s, body)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			return
		}
		if delivered > 0 {
			s.setErr(err)
			return
		}
		var be *Error
		if !errors.As(err, &be) || !be.retryable(c.policy) {
			s.setErr(err)
			return
		}
		lastErr = err
	}
	s.setErr(fmt.Errorf("giving up after %d attempts: %w", c.policy.MaxAttempts, lastErr))
}

// consumeStream opens one connection and relays its frames. It
// returns how many frames were delivered and a nil error only after a
// clean end of stream.
func (c *Client) consumeStream(ctx context.Context, s *Stream, body []byte) (int, error) {
	const op = "POST /claude/stream"

	cr, err := c.resolve(ctx)
	if err != nil {
		return 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cr.BaseURL+"/claude/stream", bytes.NewReader(body))
	if err != nil {
		return 0, &Error{Kind: KindClient, Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if cr.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cr.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, connectivityErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, statusErr(op, resp.StatusCode, data)
	}

	delivered := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return delivered, nil
		}

		var payload chunkPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			c.logger.Warn("skipping malformed stream frame", "error", err)
			continue
		}
		chunk := payload.toChunk()

		select {
		case s.chunks <- chunk:
			delivered++
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
		if chunk.Type.Terminal() {
			return delivered, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, connectivityErr(op, err)
	}
	return delivered, connectivityErr(op, io.ErrUnexpectedEOF)
}
