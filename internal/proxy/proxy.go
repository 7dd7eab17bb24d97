package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// ErrProxyLoop is returned when the upstream target resolves to the
// same hostname as the inbound request.
var ErrProxyLoop = errors.New("proxy loop detected: upstream target equals current host")

// hopHeaders are connection-scoped and must not be forwarded.
var hopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
}

// Handler forwards any HTTP method under a mount prefix to an internal
// base URL, preserving query and streaming bodies in both directions.
type Handler struct {
	logger *slog.Logger
	target *url.URL
	prefix string
	client *http.Client
}

// New builds a handler proxying prefix+path to target+path.
func New(logger *slog.Logger, target, prefix string) (*Handler, error) {
	u, err := url.Parse(strings.TrimRight(target, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy target must be absolute: %q", target)
	}
	return &Handler{
		logger: logger,
		target: u,
		prefix: strings.TrimRight(prefix, "/"),
		client: &http.Client{
			// Upstream redirects are passed to the caller untouched.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.forward(w, r); err != nil {
		h.logger.Error("proxy request failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) error {
	rest := strings.TrimPrefix(r.URL.Path, h.prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	target := *h.target
	target.Path = strings.TrimRight(h.target.Path, "/") + rest
	query := target.Query()
	for key, vals := range r.URL.Query() {
		for _, v := range vals {
			query.Add(key, v)
		}
	}
	target.RawQuery = query.Encode()

	if sameHostname(target.Hostname(), r.Host) {
		return ErrProxyLoop
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body)
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	for key, vals := range r.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, vals := range resp.Header {
		if _, hop := hopHeaders[strings.ToLower(key)]; hop {
			continue
		}
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		// Intermediaries must not buffer the push stream.
		header.Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(resp.StatusCode)

	// The status line is already out; a broken copy can only be logged.
	if err := copyFlushing(w, resp.Body); err != nil {
		h.logger.Warn("proxy body copy interrupted", "path", r.URL.Path, "error", err)
	}
	return nil
}

// copyFlushing streams the upstream body, flushing after every chunk so
// event streams reach the client live.
func copyFlushing(w http.ResponseWriter, src io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func sameHostname(upstream, inboundHost string) bool {
	host := inboundHost
	if h, _, err := net.SplitHostPort(inboundHost); err == nil {
		host = h
	}
	return upstream != "" && strings.EqualFold(upstream, host)
}
