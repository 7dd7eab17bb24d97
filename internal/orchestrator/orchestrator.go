package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"videototext/internal/downloader"
	"videototext/internal/history"
	"videototext/internal/httpretry"
	"videototext/internal/models"
	"videototext/internal/transcriber"
)

// Downloads is the slice of the download-service client the
// orchestrator drives.
type Downloads interface {
	Start(ctx context.Context, videoURL, quality string) (string, error)
	Task(ctx context.Context, id string) (downloader.Task, error)
}

// Transcriptions is the slice of the transcription-service client the
// orchestrator drives.
type Transcriptions interface {
	CreateTask(ctx context.Context, mediaURL, quality string, languages []string) (string, error)
	Upload(ctx context.Context, fileName string, file io.Reader, quality string, languages []string) (string, error)
	Status(ctx context.Context, id string) (transcriber.TaskStatus, error)
	Queue(ctx context.Context) (transcriber.QueueStatus, error)
	Events(ctx context.Context, id string) (transcriber.Stream, error)
}

// Notify receives progress events for fan-out to connected clients.
type Notify func(models.ProgressEvent)

// Orchestrator drives one task at a time through the submission,
// download, transcription and streaming phases. Starting a new task
// supersedes the previous session: its stream is torn down and its
// dedup state discarded.
type Orchestrator struct {
	logger      *slog.Logger
	downloads   Downloads
	transcripts Transcriptions
	store       *history.Store
	notify      Notify

	// Quality hint sent with download and transcription submissions.
	Quality string
	// DownloadPollInterval is the wait between download status polls.
	DownloadPollInterval time.Duration
	// StatusPollInterval is the wait between transcription status
	// polls before the event stream takes over.
	StatusPollInterval time.Duration
	// ReconnectDelay is the pause before reopening a dropped stream.
	ReconnectDelay time.Duration
	// MaxPollFailures is how many consecutive download poll failures
	// are tolerated before the task errors out.
	MaxPollFailures int
	// SuccessSignals is how many terminal-success stream messages must
	// be observed before the task is declared complete. The upstream
	// service re-delivers the final status, so one is not enough;
	// treat the magnitude as a tunable rather than a protocol fact.
	SuccessSignals int
	// SubmitRetries and SubmitRetryDelay bound the retry wrapper
	// around submission calls.
	SubmitRetries    int
	SubmitRetryDelay time.Duration

	mu      sync.Mutex
	current *session
}

// New builds an orchestrator with the default timing policy.
func New(logger *slog.Logger, d Downloads, t Transcriptions, store *history.Store, notify Notify) *Orchestrator {
	return &Orchestrator{
		logger:      logger,
		downloads:   d,
		transcripts: t,
		store:       store,
		notify:      notify,

		Quality:              "audio_low",
		DownloadPollInterval: 2 * time.Second,
		StatusPollInterval:   3 * time.Second,
		ReconnectDelay:       time.Second,
		MaxPollFailures:      3,
		SuccessSignals:       3,
		SubmitRetries:        httpretry.DefaultMaxRetries,
		SubmitRetryDelay:     httpretry.DefaultRetryDelay,
	}
}

// session holds the in-memory state of one active task. It is never
// persisted; the per-session dedup set dies with it.
type session struct {
	taskID string
	cancel context.CancelFunc

	mu          sync.Mutex
	seen        map[string]struct{}
	successes   int
	durationMs  int64
	lastStartMs int64
	percent     int
	terminal    bool
}

func (s *session) duplicate(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[line]; ok {
		return true
	}
	s.seen[line] = struct{}{}
	return false
}

func (s *session) observeDuration(raw float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms := normalizeDurationMs(raw); ms > 0 {
		s.durationMs = ms
	}
	s.percent = estimatePercent(s.lastStartMs, s.durationMs)
	return s.percent
}

func (s *session) observeStart(startMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStartMs = startMs
	if s.durationMs > 0 {
		s.percent = estimatePercent(s.lastStartMs, s.durationMs)
	}
	return s.percent
}

func (s *session) recordSuccess() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	return s.successes
}

// markTerminal reports whether the caller won the transition; only one
// of the concurrent consumers gets to finish the task.
func (s *session) markTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	s.terminal = true
	return true
}

func (s *session) isTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// begin supersedes any active session: the previous stream connection
// is closed through its context and the fresh session starts with an
// empty dedup set.
func (o *Orchestrator) begin(taskID string) (*session, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	next := &session{
		taskID: taskID,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}

	o.mu.Lock()
	prev := o.current
	o.current = next
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return next, ctx
}

// Stop cancels the active session, if any. Used on component teardown.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	prev := o.current
	o.current = nil
	o.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
}

// StartURL drives a URL submission asynchronously: download task,
// download polling, transcription task, then stream tracking.
func (o *Orchestrator) StartURL(taskID, videoURL string, languages []string) {
	s, ctx := o.begin(taskID)
	go func() {
		if err := o.runURL(ctx, s, videoURL, languages); err != nil {
			o.fail(ctx, s, err)
		}
	}()
}

// StartUpload submits the file synchronously (the body belongs to the
// caller's request and cannot outlive it), then tracks the remote task
// asynchronously. The reader is rewound between retry attempts.
func (o *Orchestrator) StartUpload(ctx context.Context, taskID, fileName string, file io.ReadSeeker, languages []string) error {
	s, sessionCtx := o.begin(taskID)
	o.setStatus(s, models.StatusUploading, 0, "uploading "+fileName)

	remoteID, err := httpretry.Retry(ctx, o.SubmitRetries, o.SubmitRetryDelay, func(ctx context.Context) (string, error) {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewind upload: %w", err)
		}
		return o.transcripts.Upload(ctx, fileName, file, o.Quality, languages)
	})
	if err != nil {
		o.fail(sessionCtx, s, fmt.Errorf("upload submission: %w", err))
		return err
	}

	if err := o.store.SetRemoteID(taskID, remoteID); err != nil {
		o.logger.Warn("could not record remote id", "task_id", taskID, "error", err)
	}
	go o.track(sessionCtx, s, remoteID)
	return nil
}

func (o *Orchestrator) runURL(ctx context.Context, s *session, videoURL string, languages []string) error {
	o.announceQueue(ctx, s)

	o.setStatus(s, models.StatusDownloading, 0, "submitting download")
	downloadID, err := httpretry.Retry(ctx, o.SubmitRetries, o.SubmitRetryDelay, func(ctx context.Context) (string, error) {
		return o.downloads.Start(ctx, videoURL, o.Quality)
	})
	if err != nil {
		return fmt.Errorf("download submission: %w", err)
	}
	o.logger.Info("download task submitted", "task_id", s.taskID, "download_id", downloadID)

	location, err := o.pollDownload(ctx, s, downloadID)
	if err != nil {
		return err
	}

	remoteID, err := httpretry.Retry(ctx, o.SubmitRetries, o.SubmitRetryDelay, func(ctx context.Context) (string, error) {
		return o.transcripts.CreateTask(ctx, location, o.Quality, languages)
	})
	if err != nil {
		return fmt.Errorf("transcription submission: %w", err)
	}
	o.logger.Info("transcription task submitted", "task_id", s.taskID, "remote_id", remoteID)

	if err := o.store.SetRemoteID(s.taskID, remoteID); err != nil {
		o.logger.Warn("could not record remote id", "task_id", s.taskID, "error", err)
	}
	o.track(ctx, s, remoteID)
	return nil
}

// announceQueue reports the service queue depth alongside the initial
// queueing state. Best effort; the submission proceeds either way.
func (o *Orchestrator) announceQueue(ctx context.Context, s *session) {
	queued := 0
	if q, err := o.transcripts.Queue(ctx); err == nil {
		queued = q.Queued
	}
	o.notify(models.ProgressEvent{
		ID:     s.taskID,
		Status: models.StatusQueueing,
		Queue:  queued,
	})
}

// pollDownload waits for the download service to resolve the media
// location, checking every DownloadPollInterval. Transient failures are
// tolerated until MaxPollFailures consecutive ones have been seen.
func (o *Orchestrator) pollDownload(ctx context.Context, s *session, downloadID string) (string, error) {
	failures := 0
	transcoding := false

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(o.DownloadPollInterval):
		}

		task, err := o.downloads.Task(ctx, downloadID)
		if err != nil {
			failures++
			o.logger.Warn("download poll failed", "task_id", s.taskID,
				"download_id", downloadID, "consecutive", failures, "error", err)
			if failures > o.MaxPollFailures {
				return "", fmt.Errorf("download polling: %w", err)
			}
			continue
		}
		failures = 0

		switch task.Status {
		case downloader.StateSuccess:
			location := task.ResolvedPath()
			if location == "" {
				return "", errors.New("download finished without a media location")
			}
			return location, nil
		case downloader.StateFailed:
			return "", fmt.Errorf("download failed: %s", task.Error)
		case downloader.StateRunning:
			if !transcoding {
				transcoding = true
				o.setStatus(s, models.StatusTranscoding, -1, "")
			}
		}
	}
}

// track runs the two concurrent consumers against the remote
// transcription task: the polling bootstrap and the event stream.
func (o *Orchestrator) track(ctx context.Context, s *session, remoteID string) {
	o.setStatus(s, models.StatusTranscribing, -1, "")

	go o.pollStatus(ctx, s, remoteID)
	o.consumeStream(ctx, s, remoteID)
}

// pollStatus is the bootstrap/fallback consumer. It checks the task
// every StatusPollInterval and hands off to the stream consumer as soon
// as the remote task is running. Terminal states observed here finish
// the task for runs too short to ever hit the stream.
func (o *Orchestrator) pollStatus(ctx context.Context, s *session, remoteID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.StatusPollInterval):
		}
		if s.isTerminal() {
			return
		}

		status, err := o.transcripts.Status(ctx, remoteID)
		if err != nil {
			// Transient; the stream consumer is still working.
			continue
		}

		switch status.Status {
		case transcriber.StateRunning:
			return
		case transcriber.StateSuccess:
			o.complete(ctx, s, remoteID)
			return
		case transcriber.StateFailed:
			o.fail(ctx, s, fmt.Errorf("transcription failed: %s", status.Error))
			return
		}
	}
}

// consumeStream owns the server-push connection, reconnecting after
// transport EOF for as long as no terminal signal has been seen.
func (o *Orchestrator) consumeStream(ctx context.Context, s *session, remoteID string) {
	for {
		if s.isTerminal() || ctx.Err() != nil {
			return
		}

		stream, err := o.transcripts.Events(ctx, remoteID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("event stream connect failed", "task_id", s.taskID, "error", err)
		} else {
			o.readStream(ctx, s, remoteID, stream)
			stream.Close()
		}

		if s.isTerminal() || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.ReconnectDelay):
		}
	}
}

func (o *Orchestrator) readStream(ctx context.Context, s *session, remoteID string, stream transcriber.Stream) {
	for {
		env, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				o.logger.Warn("event stream read failed", "task_id", s.taskID, "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		o.applyEnvelope(ctx, s, remoteID, env)
		if s.isTerminal() {
			return
		}
	}
}

// applyEnvelope folds one stream message into the session. Updates are
// idempotent with respect to the polling consumer: terminal states are
// claimed exactly once.
func (o *Orchestrator) applyEnvelope(ctx context.Context, s *session, remoteID string, env transcriber.Envelope) {
	if env.Duration > 0 {
		percent := s.observeDuration(env.Duration)
		o.setStatus(s, models.StatusTranscribing, percent, "")
	}

	for _, raw := range env.Lines() {
		if s.duplicate(raw) {
			continue
		}
		seg, startMs, ok := parseLine(raw)
		if !ok {
			continue
		}
		percent := s.observeStart(startMs)
		if err := o.store.UpdateStatus(s.taskID, models.StatusTranscribing, percent, ""); err != nil {
			o.logger.Warn("history update failed", "task_id", s.taskID, "error", err)
		}
		o.notify(models.ProgressEvent{
			ID:       s.taskID,
			Status:   models.StatusTranscribing,
			Progress: percent,
			Segment:  &seg,
		})
	}

	switch env.Status {
	case transcriber.StateSuccess:
		// The final status is habitually re-delivered; require the
		// signal several times so trailing lines are not truncated.
		if s.recordSuccess() >= o.SuccessSignals {
			o.complete(ctx, s, remoteID)
		}
	case transcriber.StateFailed:
		msg := env.Error
		if msg == "" {
			msg = "transcription failed"
		}
		o.fail(ctx, s, errors.New(msg))
	}
}

// complete finishes the task: a last detail fetch resolves the
// definitive output artifact powering download and copy actions.
func (o *Orchestrator) complete(ctx context.Context, s *session, remoteID string) {
	if !s.markTerminal() {
		return
	}
	s.cancel()

	resultURL := ""
	detailCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if status, err := o.transcripts.Status(detailCtx, remoteID); err == nil && status.OutputName != "" {
		resultURL = transcriber.ArtifactURL(status.OutputName)
	} else if err != nil {
		o.logger.Warn("result detail fetch failed", "task_id", s.taskID, "error", err)
	}

	if err := o.store.UpdateStatus(s.taskID, models.StatusCompleted, 100, resultURL); err != nil {
		o.logger.Warn("history update failed", "task_id", s.taskID, "error", err)
	}
	o.notify(models.ProgressEvent{
		ID:        s.taskID,
		Status:    models.StatusCompleted,
		Progress:  100,
		ResultURL: resultURL,
	})
	o.logger.Info("task completed", "task_id", s.taskID, "remote_id", remoteID, "result", resultURL)
}

// fail marks the task errored unless the session was superseded, in
// which case the outcome no longer belongs to this run.
func (o *Orchestrator) fail(ctx context.Context, s *session, cause error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	if !s.markTerminal() {
		return
	}
	s.cancel()

	o.logger.Error("task failed", "task_id", s.taskID, "error", cause)
	if err := o.store.UpdateStatus(s.taskID, models.StatusError, -1, ""); err != nil {
		o.logger.Warn("history update failed", "task_id", s.taskID, "error", err)
	}
	o.notify(models.ProgressEvent{
		ID:     s.taskID,
		Status: models.StatusError,
		Error:  cause.Error(),
	})
}

// setStatus records a phase transition in history and announces it.
func (o *Orchestrator) setStatus(s *session, status models.TaskStatus, progress int, message string) {
	if err := o.store.UpdateStatus(s.taskID, status, progress, ""); err != nil {
		o.logger.Warn("history update failed", "task_id", s.taskID, "error", err)
	}
	evt := models.ProgressEvent{ID: s.taskID, Status: status, Message: message}
	if progress >= 0 {
		evt.Progress = progress
	}
	o.notify(evt)
}
