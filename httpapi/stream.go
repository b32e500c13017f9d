package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	msession "github.com/haowjy/meridian-session-go"
	"github.com/haowjy/meridian-session-go/internal/sseframe"
)

// Subscribe opens the SSE stream for a unit of work. The server replays
// buffered state before live events, so the caller reconstructs full
// history no matter when it connects.
func (c *Client) Subscribe(ctx context.Context, workID string) (msession.EventStream, error) {
	url := fmt.Sprintf("%s/api/work/%s/stream", c.baseURL, workID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.setAuth(req)
	if last, ok := c.lastEventID.Load(workID); ok {
		req.Header.Set("Last-Event-ID", last.(string))
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream connect: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: no stream for work %s", msession.ErrNotFound, workID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream connect: HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("stream connect: unexpected content type %q", ct)
	}

	c.logger.Debug("stream connected", "work_id", workID)

	return &sseStream{
		workID:           workID,
		client:           c,
		resp:             resp,
		scanner:          sseframe.NewScanner(resp.Body),
		heartbeatTimeout: c.heartbeatTimeout,
		logger:           c.logger,
	}, nil
}

// sseStream adapts one SSE response body to the EventStream interface.
type sseStream struct {
	workID           string
	client           *Client
	resp             *http.Response
	scanner          *sseframe.Scanner
	heartbeatTimeout time.Duration
	logger           *slog.Logger
	closeOnce        sync.Once
}

// Next blocks until the next decodable event. Keep-alive comments refresh
// the staleness watchdog and are otherwise skipped, as are frames the
// decoder rejects; a silent stream past the heartbeat window surfaces as a
// transport error so the subscription's retry path takes over.
func (s *sseStream) Next(ctx context.Context) (msession.Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The scanner blocks on the body with no context of its own;
		// closing the body is the only way to unblock it, for both
		// cancellation and the staleness watchdog.
		stop := context.AfterFunc(ctx, s.closeBody)
		var watchdog *time.Timer
		if s.heartbeatTimeout > 0 {
			watchdog = time.AfterFunc(s.heartbeatTimeout, s.closeBody)
		}

		frame, err := s.scanner.Next()

		if watchdog != nil {
			watchdog.Stop()
		}
		stop()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}

		if frame.Comment {
			continue
		}
		if frame.ID != "" {
			s.client.lastEventID.Store(s.workID, frame.ID)
		}

		event, err := msession.DecodeEvent(frame.Event, frame.Data)
		if err != nil {
			// Bad frames are logged and skipped; parsing problems never
			// fail the stream.
			s.logger.Warn("skipping undecodable frame",
				"work_id", s.workID,
				"event", frame.Event,
				"error", err,
			)
			continue
		}

		switch event.(type) {
		case msession.TerminalEvent, msession.ErrorEvent:
			// The work is over; no reconnect will need its resume hint.
			s.client.lastEventID.Delete(s.workID)
		}
		return event, nil
	}
}

// Close releases the connection. Safe to call more than once.
func (s *sseStream) Close() error {
	s.closeBody()
	return nil
}

func (s *sseStream) closeBody() {
	s.closeOnce.Do(func() {
		_ = s.resp.Body.Close()
	})
}
