package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"videototext/internal/downloader"
	"videototext/internal/history"
	"videototext/internal/models"
	"videototext/internal/transcriber"
)

type pollResult struct {
	task downloader.Task
	err  error
}

type fakeDownloads struct {
	mu       sync.Mutex
	startID  string
	startErr error
	polls    []pollResult
	idx      int
}

func (f *fakeDownloads) Start(ctx context.Context, videoURL, quality string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}

func (f *fakeDownloads) Task(ctx context.Context, id string) (downloader.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.polls[f.idx]
	if f.idx < len(f.polls)-1 {
		f.idx++
	}
	return res.task, res.err
}

type fakeStream struct {
	ctx    context.Context
	ch     chan transcriber.Envelope
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next() (transcriber.Envelope, error) {
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.ctx.Done():
		return transcriber.Envelope{}, s.ctx.Err()
	case <-s.closed:
		return transcriber.Envelope{}, io.EOF
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeTranscripts struct {
	mu           sync.Mutex
	createID     string
	uploadID     string
	uploadFails  int
	uploadBodies []string
	status       transcriber.TaskStatus
	queued       int
	eventsErr    error
	envs         chan transcriber.Envelope
	streams      []*fakeStream
}

func (f *fakeTranscripts) CreateTask(ctx context.Context, mediaURL, quality string, languages []string) (string, error) {
	return f.createID, nil
}

func (f *fakeTranscripts) Upload(ctx context.Context, fileName string, file io.Reader, quality string, languages []string) (string, error) {
	body, err := io.ReadAll(file)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.uploadBodies = append(f.uploadBodies, string(body))
	fail := f.uploadFails > 0
	if fail {
		f.uploadFails--
	}
	f.mu.Unlock()
	if fail {
		return "", errors.New("upload refused")
	}
	return f.uploadID, nil
}

func (f *fakeTranscripts) Status(ctx context.Context, id string) (transcriber.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeTranscripts) Queue(ctx context.Context) (transcriber.QueueStatus, error) {
	return transcriber.QueueStatus{Queued: f.queued}, nil
}

func (f *fakeTranscripts) Events(ctx context.Context, id string) (transcriber.Stream, error) {
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	s := &fakeStream{ctx: ctx, ch: f.envs, closed: make(chan struct{})}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeTranscripts) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func newTestOrchestrator(t *testing.T, d *fakeDownloads, tr *fakeTranscripts) (*Orchestrator, *history.Store, chan models.ProgressEvent) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := history.NewStore(logger, filepath.Join(t.TempDir(), "history.json"))
	events := make(chan models.ProgressEvent, 256)
	o := New(logger, d, tr, store, func(e models.ProgressEvent) { events <- e })
	o.DownloadPollInterval = time.Millisecond
	o.StatusPollInterval = time.Hour
	o.ReconnectDelay = time.Millisecond
	o.SubmitRetryDelay = time.Millisecond
	t.Cleanup(o.Stop)
	return o, store, events
}

func waitEvent(t *testing.T, events chan models.ProgressEvent, status models.TaskStatus) models.ProgressEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Status == status {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event within deadline", status)
		}
	}
}

func mustTask(t *testing.T, store *history.Store, id string) models.TaskItem {
	t.Helper()
	task, err := store.Task(id)
	if err != nil {
		t.Fatalf("load task %s: %v", id, err)
	}
	return task
}

func TestURLTaskCompletesAfterRepeatedSuccessSignals(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{task: downloader.Task{Status: downloader.StateSuccess, FullPath: "/media/x.mp3"}}},
	}
	transcripts := &fakeTranscripts{
		createID: "tts-9",
		status:   transcriber.TaskStatus{Status: transcriber.StateSuccess, OutputName: "out.srt"},
		queued:   2,
		envs:     make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", []string{"auto"})

	if evt := waitEvent(t, events, models.StatusQueueing); evt.Queue != 2 {
		t.Fatalf("queue depth = %d, want 2", evt.Queue)
	}
	waitEvent(t, events, models.StatusTranscribing)

	transcripts.envs <- transcriber.Envelope{Duration: 125}
	transcripts.envs <- transcriber.Envelope{Logs: []string{"[25.00s -> 26.00s] hello"}}

	var segEvt models.ProgressEvent
	deadline := time.After(5 * time.Second)
	for segEvt.Segment == nil {
		select {
		case evt := <-events:
			if evt.Segment != nil {
				segEvt = evt
			}
		case <-deadline:
			t.Fatal("no segment event within deadline")
		}
	}
	if segEvt.Progress != 20 {
		t.Fatalf("segment progress = %d, want 20", segEvt.Progress)
	}
	if segEvt.Segment.Start != "00:25" || segEvt.Segment.Text != "hello" {
		t.Fatalf("unexpected segment: %+v", segEvt.Segment)
	}

	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	// This send only returns once both success signals were applied.
	transcripts.envs <- transcriber.Envelope{}

	if task := mustTask(t, store, "t1"); task.Status != models.StatusTranscribing {
		t.Fatalf("two success signals must not finish the task, status = %s", task.Status)
	}

	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	done := waitEvent(t, events, models.StatusCompleted)
	if done.ResultURL != "/api/tv/static/out.srt" {
		t.Fatalf("result url = %q", done.ResultURL)
	}
	if done.Progress != 100 {
		t.Fatalf("completed progress = %d", done.Progress)
	}

	task := mustTask(t, store, "t1")
	if task.Status != models.StatusCompleted || task.Progress != 100 {
		t.Fatalf("stored task = %+v", task)
	}
	if task.CompletedAt == nil {
		t.Fatal("completion time missing")
	}
	if task.ResultURL != "/api/tv/static/out.srt" {
		t.Fatalf("stored result url = %q", task.ResultURL)
	}
}

func TestStreamFailureEndsTaskImmediately(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{task: downloader.Task{Status: downloader.StateSuccess, Output: "/media/x.mp3"}}},
	}
	transcripts := &fakeTranscripts{
		createID: "tts-9",
		envs:     make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", nil)
	waitEvent(t, events, models.StatusTranscribing)

	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateFailed, Error: "model crashed"}

	evt := waitEvent(t, events, models.StatusError)
	if !strings.Contains(evt.Error, "model crashed") {
		t.Fatalf("error event = %q", evt.Error)
	}
	task := mustTask(t, store, "t1")
	if task.Status != models.StatusError {
		t.Fatalf("stored status = %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatal("completion time missing on failure")
	}
}

func TestDuplicateLinesYieldOneSegment(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{task: downloader.Task{Status: downloader.StateSuccess, FullPath: "/media/x.mp3"}}},
	}
	transcripts := &fakeTranscripts{
		createID: "tts-9",
		status:   transcriber.TaskStatus{Status: transcriber.StateSuccess, OutputName: "out.srt"},
		envs:     make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", nil)
	waitEvent(t, events, models.StatusTranscribing)

	line := "[1.00s -> 2.00s] once"
	transcripts.envs <- transcriber.Envelope{Logs: []string{line, line}}
	transcripts.envs <- transcriber.Envelope{Logs: []string{line}}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	waitEvent(t, events, models.StatusCompleted)

	segments := 0
	for {
		select {
		case evt := <-events:
			if evt.Segment != nil {
				segments++
			}
			continue
		default:
		}
		break
	}
	if segments != 1 {
		t.Fatalf("segment events = %d, want 1", segments)
	}
}

func TestDownloadPollToleratesTransientFailures(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls: []pollResult{
			{err: errors.New("connection refused")},
			{err: errors.New("connection refused")},
			{task: downloader.Task{Status: downloader.StateRunning}},
			{task: downloader.Task{Status: downloader.StateSuccess, Location: "/media/x.mp3"}},
		},
	}
	transcripts := &fakeTranscripts{
		createID: "tts-9",
		envs:     make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", nil)

	waitEvent(t, events, models.StatusTranscoding)
	waitEvent(t, events, models.StatusTranscribing)

	task := mustTask(t, store, "t1")
	if task.RemoteID != "tts-9" {
		t.Fatalf("remote id = %q", task.RemoteID)
	}
}

func TestDownloadPollSurfacesPersistentFailure(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{err: errors.New("connection refused")}},
	}
	transcripts := &fakeTranscripts{envs: make(chan transcriber.Envelope)}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", nil)

	evt := waitEvent(t, events, models.StatusError)
	if !strings.Contains(evt.Error, "download polling") {
		t.Fatalf("error event = %q", evt.Error)
	}
	if task := mustTask(t, store, "t1"); task.Status != models.StatusError {
		t.Fatalf("stored status = %s", task.Status)
	}
}

func TestNewTaskSupersedesPrevious(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{task: downloader.Task{Status: downloader.StateSuccess, FullPath: "/media/x.mp3"}}},
	}
	transcripts := &fakeTranscripts{
		createID: "tts-9",
		status:   transcriber.TaskStatus{Status: transcriber.StateSuccess, OutputName: "out.srt"},
		envs:     make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("https://example.com/a", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddTask("https://example.com/b", models.SourceURL, "t2"); err != nil {
		t.Fatal(err)
	}

	o.StartURL("t1", "https://example.com/a", nil)
	waitEvent(t, events, models.StatusTranscribing)

	o.StartURL("t2", "https://example.com/b", nil)

	first := transcripts.stream(0)
	if first == nil {
		t.Fatal("first stream never opened")
	}
	select {
	case <-first.closed:
	case <-first.ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("superseded stream was not torn down")
	}
	for first.ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}

	for {
		evt := waitEvent(t, events, models.StatusTranscribing)
		if evt.ID == "t2" {
			break
		}
	}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}
	transcripts.envs <- transcriber.Envelope{Status: transcriber.StateSuccess}

	done := waitEvent(t, events, models.StatusCompleted)
	if done.ID != "t2" {
		t.Fatalf("completed event for %q, want t2", done.ID)
	}

	if task := mustTask(t, store, "t1"); task.Status == models.StatusError {
		t.Fatal("superseded task must not be marked errored")
	}
	if task := mustTask(t, store, "t2"); task.Status != models.StatusCompleted {
		t.Fatalf("second task status = %s", task.Status)
	}
}

func TestPollingFinishesTaskWhenStreamNeverConnects(t *testing.T) {
	downloads := &fakeDownloads{
		startID: "dl-1",
		polls:   []pollResult{{task: downloader.Task{Status: downloader.StateSuccess, FullPath: "/media/x.mp3"}}},
	}
	transcripts := &fakeTranscripts{
		createID:  "tts-9",
		status:    transcriber.TaskStatus{Status: transcriber.StateSuccess, OutputName: "short.srt"},
		eventsErr: errors.New("sse endpoint unavailable"),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)
	o.StatusPollInterval = time.Millisecond

	if _, err := store.AddTask("https://example.com/v", models.SourceURL, "t1"); err != nil {
		t.Fatal(err)
	}
	o.StartURL("t1", "https://example.com/v", nil)

	done := waitEvent(t, events, models.StatusCompleted)
	if done.ResultURL != "/api/tv/static/short.srt" {
		t.Fatalf("result url = %q", done.ResultURL)
	}
}

func TestUploadRewindsBetweenRetryAttempts(t *testing.T) {
	downloads := &fakeDownloads{}
	transcripts := &fakeTranscripts{
		uploadID:    "up-7",
		uploadFails: 1,
		envs:        make(chan transcriber.Envelope),
	}
	o, store, events := newTestOrchestrator(t, downloads, transcripts)

	if _, err := store.AddTask("clip.mp4", models.SourceFile, "t1"); err != nil {
		t.Fatal(err)
	}

	body := bytes.NewReader([]byte("hello media"))
	if err := o.StartUpload(context.Background(), "t1", "clip.mp4", body, []string{"en"}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	waitEvent(t, events, models.StatusUploading)
	waitEvent(t, events, models.StatusTranscribing)

	transcripts.mu.Lock()
	bodies := append([]string(nil), transcripts.uploadBodies...)
	transcripts.mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("upload attempts = %d, want 2", len(bodies))
	}
	if bodies[1] != "hello media" {
		t.Fatalf("second attempt body = %q, reader was not rewound", bodies[1])
	}

	if task := mustTask(t, store, "t1"); task.RemoteID != "up-7" {
		t.Fatalf("remote id = %q", task.RemoteID)
	}
}
