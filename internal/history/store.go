package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"videototext/internal/models"
	"videototext/internal/transcriber"
)

// ErrTaskNotFound is returned when no record matches the given id.
var ErrTaskNotFound = errors.New("task not found")

// StatusClient is the slice of the transcription client the
// reconciliation pass needs.
type StatusClient interface {
	Status(ctx context.Context, id string) (transcriber.TaskStatus, error)
}

// Store persists the task list as a single JSON document. It is the
// only writer; every mutation re-reads the latest on-disk snapshot
// before merging so concurrent call sites cannot clobber each other.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a store backed by the given file path. The file is
// created on first write.
func NewStore(logger *slog.Logger, path string) *Store {
	return &Store{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// AddTask prepends a new queueing record and returns its id. When id is
// empty a fresh local id is generated by the caller-facing layer, so an
// explicit id always wins.
func (s *Store) AddTask(videoSource string, sourceType models.SourceType, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = fmt.Sprintf("task-%d", s.now().UnixNano())
	}
	task := models.TaskItem{
		ID:          id,
		SourceType:  sourceType,
		VideoSource: videoSource,
		Status:      models.StatusQueueing,
		Progress:    0,
		CreatedAt:   s.now(),
	}

	latest, err := s.load()
	if err != nil {
		return "", err
	}
	if err := s.save(append([]models.TaskItem{task}, latest...)); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateStatus merges status, progress and result URL into the matching
// record. Pass a negative progress or an empty resultURL to keep the
// stored values. The completion time is stamped exactly once, on the
// first transition into a terminal status.
func (s *Store) UpdateStatus(id string, status models.TaskStatus, progress int, resultURL string) error {
	return s.mutate(id, func(task *models.TaskItem) {
		task.Status = status
		if progress >= 0 {
			task.Progress = progress
		}
		if resultURL != "" {
			task.ResultURL = resultURL
		}
		if status.Terminal() && task.CompletedAt == nil {
			done := s.now()
			task.CompletedAt = &done
		}
	})
}

// SetRemoteID attaches the server-assigned transcription task id.
func (s *Store) SetRemoteID(id, remoteID string) error {
	return s.mutate(id, func(task *models.TaskItem) {
		task.RemoteID = remoteID
	})
}

// Remove deletes one record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.load()
	if err != nil {
		return err
	}
	kept := latest[:0]
	for _, task := range latest {
		if task.ID != id {
			kept = append(kept, task)
		}
	}
	return s.save(kept)
}

// Clear drops the whole history document.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Tasks returns the persisted list, newest first.
func (s *Store) Tasks() ([]models.TaskItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Task returns one record by id.
func (s *Store) Task(id string) (models.TaskItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.load()
	if err != nil {
		return models.TaskItem{}, err
	}
	for _, task := range latest {
		if task.ID == id {
			return task, nil
		}
	}
	return models.TaskItem{}, ErrTaskNotFound
}

// Reconcile refreshes every non-terminal task against the transcription
// service. Individual failures are swallowed: the refresh is
// best-effort and one dead task must not block the others.
func (s *Store) Reconcile(ctx context.Context, remote StatusClient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.load()
	if err != nil {
		return err
	}

	changed := false
	for i := range latest {
		task := &latest[i]
		if task.Status.Terminal() {
			continue
		}
		remoteID := task.RemoteID
		if remoteID == "" {
			remoteID = task.ID
		}

		status, err := remote.Status(ctx, remoteID)
		if err != nil {
			s.logger.Debug("history refresh skipped task", "task_id", task.ID, "error", err)
			continue
		}

		next := mapRemoteStatus(status.Status)
		if next == "" {
			continue
		}
		task.Status = next
		if status.Progress != nil {
			task.Progress = clampPercent(int(*status.Progress + 0.5))
		}
		if status.OutputName != "" {
			task.ResultURL = transcriber.ArtifactURL(status.OutputName)
		}
		if next.Terminal() && task.CompletedAt == nil {
			done := s.now()
			task.CompletedAt = &done
		}
		changed = true
	}

	if !changed {
		return nil
	}
	return s.save(latest)
}

func (s *Store) mutate(id string, fn func(*models.TaskItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest, err := s.load()
	if err != nil {
		return err
	}
	for i := range latest {
		if latest[i].ID == id {
			fn(&latest[i])
			return s.save(latest)
		}
	}
	return ErrTaskNotFound
}

// load reads the current document. A missing file is an empty history.
func (s *Store) load() ([]models.TaskItem, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var tasks []models.TaskItem
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return tasks, nil
}

// save rewrites the full document atomically.
func (s *Store) save(tasks []models.TaskItem) error {
	if tasks == nil {
		tasks = []models.TaskItem{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure history dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

func mapRemoteStatus(remote string) models.TaskStatus {
	switch remote {
	case "pending":
		return models.StatusQueueing
	case "running":
		return models.StatusTranscribing
	case "success":
		return models.StatusCompleted
	case "failed":
		return models.StatusError
	default:
		return ""
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
