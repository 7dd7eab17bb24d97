package models

import "time"

// TaskStatus represents the current state of a transcription task.
type TaskStatus string

const (
	StatusQueueing     TaskStatus = "queueing"
	StatusDownloading  TaskStatus = "downloading"
	StatusTranscoding  TaskStatus = "transcoding"
	StatusUploading    TaskStatus = "uploading"
	StatusTranscribing TaskStatus = "transcribing"
	StatusCompleted    TaskStatus = "completed"
	StatusError        TaskStatus = "error"
)

// Terminal reports whether no further transitions can occur.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// SourceType distinguishes URL submissions from file uploads.
type SourceType string

const (
	SourceURL  SourceType = "url"
	SourceFile SourceType = "file"
)

// TaskItem is one persisted task history record.
type TaskItem struct {
	ID          string     `json:"id"`
	RemoteID    string     `json:"remote_id,omitempty"`
	SourceType  SourceType `json:"source_type"`
	VideoSource string     `json:"video_source"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultURL   string     `json:"result_url,omitempty"`
}

// TranscriptSegment is one timestamped line of transcript output.
type TranscriptSegment struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Text  string `json:"text"`
}

// ProgressEvent is sent to clients over WebSocket.
type ProgressEvent struct {
	ID        string             `json:"id"`
	Status    TaskStatus         `json:"status"`
	Progress  int                `json:"progress"`
	Queue     int                `json:"queue,omitempty"`
	Message   string             `json:"message,omitempty"`
	Segment   *TranscriptSegment `json:"segment,omitempty"`
	ResultURL string             `json:"result_url,omitempty"`
	Error     string             `json:"error,omitempty"`
}
