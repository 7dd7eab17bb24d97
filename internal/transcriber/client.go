package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"videototext/internal/httpretry"
)

// Remote task states reported by the transcription service.
const (
	StatePending = "pending"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
)

// TaskStatus is the transcription service's view of one task.
type TaskStatus struct {
	Status     string   `json:"status"`
	Progress   *float64 `json:"progress"`
	OutputName string   `json:"output_name"`
	Error      string   `json:"error"`
}

// QueueStatus reports how many tasks sit ahead in the service queue.
type QueueStatus struct {
	Queued int `json:"queued"`
}

// Client talks to the internal transcription/TTS service. JSON calls go
// through the bounded-retry client; uploads and the event stream use a
// plain client with no timeout, since both can legitimately run long.
type Client struct {
	base  string
	http  *httpretry.Client
	plain *http.Client
}

// NewClient builds a client rooted at the service base URL.
func NewClient(base string, retry *httpretry.Client) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		http:  retry,
		plain: &http.Client{},
	}
}

// CreateTask submits a transcription task for an already-resolved media
// URL and returns the server-assigned id.
func (c *Client) CreateTask(ctx context.Context, mediaURL, quality string, languages []string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"url":           mediaURL,
		"quality":       quality,
		"languageArray": languages,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tts/task", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return taskIDFromResponse(resp)
}

// Upload streams a local file to the transcription service as
// multipart form data. No timeout and no retry: uploads may be large
// and the body cannot be replayed.
func (c *Client) Upload(ctx context.Context, fileName string, file io.Reader, quality string, languages []string) (string, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(form, fileName, file, quality, languages)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/tts/upload", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.plain.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return taskIDFromResponse(resp)
}

func writeUploadForm(form *multipart.Writer, fileName string, file io.Reader, quality string, languages []string) error {
	fw, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return err
	}
	if err := form.WriteField("quality", quality); err != nil {
		return err
	}
	for _, lang := range languages {
		if err := form.WriteField("languageArray", lang); err != nil {
			return err
		}
	}
	return nil
}

// Status fetches the current state of one transcription task.
func (c *Client) Status(ctx context.Context, id string) (TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tts/"+id, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	resp, err := c.http.WithPolicy(0, 1, 0).Do(req)
	if err != nil {
		return TaskStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return TaskStatus{}, fmt.Errorf("transcription task %s: status %d", id, resp.StatusCode)
	}
	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return TaskStatus{}, fmt.Errorf("transcription task %s: decode response: %w", id, err)
	}
	return status, nil
}

// Queue fetches the service-wide queue depth.
func (c *Client) Queue(ctx context.Context) (QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tts/queue/status", nil)
	if err != nil {
		return QueueStatus{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return QueueStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return QueueStatus{}, fmt.Errorf("queue status: status %d", resp.StatusCode)
	}
	var queue QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&queue); err != nil {
		return QueueStatus{}, fmt.Errorf("queue status: decode response: %w", err)
	}
	return queue, nil
}

// PlainText converts a stored SRT artifact to plain text.
func (c *Client) PlainText(ctx context.Context, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/tts/srt-to-txt?file="+url.QueryEscape(fileName), nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("srt to txt: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ArtifactURL is the browser-facing path of a result artifact, served
// through the /api/tv proxy.
func ArtifactURL(outputName string) string {
	return "/api/tv/static/" + outputName
}

// taskIDFromResponse pulls the task id from the JSON body, falling back
// to the Location header.
func taskIDFromResponse(resp *http.Response) (string, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcription submit: status %d, body: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		ID     string `json:"id"`
		TaskID string `json:"taskId"`
	}
	// A body that is not JSON is fine as long as Location is set.
	_ = json.NewDecoder(resp.Body).Decode(&out)

	id := out.ID
	if id == "" {
		id = out.TaskID
	}
	if id == "" {
		if loc := resp.Header.Get("Location"); loc != "" {
			parts := strings.Split(strings.TrimRight(loc, "/"), "/")
			id = parts[len(parts)-1]
		}
	}
	if id == "" {
		return "", fmt.Errorf("transcription submit: response carries no task id")
	}
	return id, nil
}
