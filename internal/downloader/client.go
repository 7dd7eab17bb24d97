package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"videototext/internal/httpretry"
)

// Remote task states reported by the download service.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
)

// Task is the download service's view of one job.
type Task struct {
	Status   string `json:"status"`
	FullPath string `json:"fullPath"`
	Output   string `json:"output"`
	Location string `json:"location"`
	Error    string `json:"error"`
}

// ResolvedPath returns the media location, whichever field the service
// chose to populate.
func (t Task) ResolvedPath() string {
	for _, p := range []string{t.FullPath, t.Output, t.Location} {
		if p != "" {
			return p
		}
	}
	return ""
}

// Client talks to the internal video-download service.
type Client struct {
	base string
	http *httpretry.Client
}

// NewClient builds a client rooted at the service base URL.
func NewClient(base string, retry *httpretry.Client) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: retry,
	}
}

// Start submits a download request and returns the task id.
func (c *Client) Start(ctx context.Context, videoURL, quality string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"url":     videoURL,
		"quality": quality,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/download", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("download submit: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		TaskID string `json:"taskId"`
		ID     string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("download submit: decode response: %w", err)
	}
	id := out.TaskID
	if id == "" {
		id = out.ID
	}
	if id == "" {
		return "", fmt.Errorf("download submit: response carries no task id")
	}
	return id, nil
}

// Task fetches the current state of one download job. It issues a
// single plain request; the caller's polling loop owns failure
// tolerance.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/task/"+id, nil)
	if err != nil {
		return Task{}, err
	}

	resp, err := c.http.WithPolicy(0, 1, 0).Do(req)
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Task{}, fmt.Errorf("download task %s: status %d", id, resp.StatusCode)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, fmt.Errorf("download task %s: decode response: %w", id, err)
	}
	return task, nil
}
