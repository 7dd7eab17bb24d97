package transcriber

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Envelope is one message on the task event stream. Any combination of
// fields may be present.
type Envelope struct {
	Logs     []string `json:"logs"`
	Content  []string `json:"content"`
	Duration float64  `json:"duration"`
	Status   string   `json:"status"`
	Error    string   `json:"error"`
}

// Lines returns the raw transcript log lines, whichever field the
// service used to carry them.
func (e Envelope) Lines() []string {
	if len(e.Logs) > 0 {
		return e.Logs
	}
	return e.Content
}

// Stream yields envelopes from a server-push connection. Next blocks
// until a message arrives, the stream ends (io.EOF) or the context
// passed to Events is cancelled.
type Stream interface {
	Next() (Envelope, error)
	Close() error
}

// Events opens the server-push connection for one task. The connection
// carries no timeout; only the caller's context or Close end it.
func (c *Client) Events(ctx context.Context, id string) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/tts/sse?id="+url.QueryEscape(id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream for %s: status %d", id, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &eventStream{body: resp.Body, scanner: scanner}, nil
}

type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next reads one SSE event and decodes its data payload. Events whose
// payload is not a JSON envelope are skipped.
func (s *eventStream) Next() (Envelope, error) {
	var data strings.Builder
	for s.scanner.Scan() {
		line := s.scanner.Text()

		if line == "" {
			if data.Len() == 0 {
				continue
			}
			var env Envelope
			if err := json.Unmarshal([]byte(data.String()), &env); err != nil {
				data.Reset()
				continue
			}
			return env, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(value, " "))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	// A dangling final event without a trailing blank line still counts.
	if data.Len() > 0 {
		var env Envelope
		if err := json.Unmarshal([]byte(data.String()), &env); err == nil {
			return env, nil
		}
	}
	return Envelope{}, io.EOF
}

func (s *eventStream) Close() error {
	return s.body.Close()
}
