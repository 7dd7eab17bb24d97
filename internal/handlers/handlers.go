package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"videototext/internal/history"
	"videototext/internal/models"
	"videototext/internal/orchestrator"
	"videototext/internal/proxy"
	"videototext/templates"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultMaxUploadBytes = 500 * 1024 * 1024

// App wires the gateway surface: task submission, history, the
// WebSocket progress feed and the two reverse-proxy mounts.
type App struct {
	logger *slog.Logger

	router *chi.Mux
	store  *history.Store
	orch   *orchestrator.Orchestrator

	transcripts orchestrator.Transcriptions

	maxUploadBytes int64

	mu   sync.RWMutex
	subs map[string]map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewApp builds the application. The orchestrator is created here so
// its progress events feed straight into the WebSocket broadcast.
func NewApp(
	logger *slog.Logger,
	store *history.Store,
	downloads orchestrator.Downloads,
	transcripts orchestrator.Transcriptions,
	dvProxy, tvProxy *proxy.Handler,
	maxUploadBytes int64,
) *App {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	app := &App{
		logger:         logger,
		router:         chi.NewRouter(),
		store:          store,
		transcripts:    transcripts,
		maxUploadBytes: maxUploadBytes,
		subs:           make(map[string]map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	app.orch = orchestrator.New(logger, downloads, transcripts, store, app.broadcast)

	app.registerRoutes(dvProxy, tvProxy)
	return app
}

// Router exposes the HTTP handler for the server.
func (a *App) Router() http.Handler {
	return a.router
}

// Shutdown tears down the active orchestration session.
func (a *App) Shutdown() {
	a.orch.Stop()
}

func (a *App) registerRoutes(dvProxy, tvProxy *proxy.Handler) {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(a.corsMiddleware)

	a.router.Get("/", a.index)
	a.router.Post("/tasks", a.submitURL)
	a.router.Post("/tasks/{id}/retry", a.retryTask)
	a.router.Post("/upload", a.upload)
	a.router.Get("/history", a.listHistory)
	a.router.Delete("/history/{id}", a.removeHistory)
	a.router.Delete("/history", a.clearHistory)
	a.router.Get("/ws/{id}", a.taskWS)
	a.router.Get("/healthz", a.health)

	a.router.Handle("/api/dv/*", dvProxy)
	a.router.Handle("/api/tv/*", tvProxy)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (a *App) index(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.store.Tasks()
	if err != nil {
		a.logger.Warn("could not load task history for page", "error", err)
	}
	a.render(w, r, templates.IndexPage(tasks))
}

type submitRequest struct {
	URL       string   `json:"url"`
	Languages []string `json:"languages"`
}

func (a *App) submitURL(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	videoURL := extractRealURL(strings.TrimSpace(req.URL))
	if videoURL == "" {
		http.Error(w, "video url is required", http.StatusBadRequest)
		return
	}

	taskID := uuid.NewString()
	if _, err := a.store.AddTask(videoURL, models.SourceURL, taskID); err != nil {
		a.logger.Error("failed to record task", "error", err)
		http.Error(w, "could not record task", http.StatusInternalServerError)
		return
	}

	a.logger.Info("url task accepted", "task_id", taskID, "url", videoURL)
	a.orch.StartURL(taskID, videoURL, normalizeLanguages(req.Languages))
	a.respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (a *App) retryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := a.store.Task(taskID)
	if errors.Is(err, history.ErrTaskNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "could not load task", http.StatusInternalServerError)
		return
	}
	if task.Status != models.StatusError {
		http.Error(w, "only failed tasks can be retried", http.StatusConflict)
		return
	}
	if task.SourceType != models.SourceURL {
		http.Error(w, "uploaded files must be submitted again", http.StatusConflict)
		return
	}

	if err := a.store.UpdateStatus(taskID, models.StatusQueueing, 0, ""); err != nil {
		http.Error(w, "could not reset task", http.StatusInternalServerError)
		return
	}
	a.logger.Info("task retry accepted", "task_id", taskID)
	a.orch.StartURL(taskID, task.VideoSource, nil)
	a.respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (a *App) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes+1024)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		a.logger.Warn("invalid multipart upload", "error", err)
		http.Error(w, "invalid upload or size limit exceeded", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "video file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	safeName := sanitizeFileName(header.Filename)
	languages := normalizeLanguages(r.MultipartForm.Value["languageArray"])

	taskID := uuid.NewString()
	if _, err := a.store.AddTask(safeName, models.SourceFile, taskID); err != nil {
		a.logger.Error("failed to record task", "error", err)
		http.Error(w, "could not record task", http.StatusInternalServerError)
		return
	}

	a.logger.Info("upload task accepted", "task_id", taskID, "file", safeName, "size", header.Size)
	if err := a.orch.StartUpload(r.Context(), taskID, safeName, file, languages); err != nil {
		a.respondJSON(w, http.StatusBadGateway, map[string]string{
			"task_id": taskID,
			"error":   err.Error(),
		})
		return
	}
	a.respondJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// listHistory refreshes non-terminal tasks against the transcription
// service before answering. The refresh is best-effort.
func (a *App) listHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Reconcile(r.Context(), a.transcripts); err != nil {
		a.logger.Warn("history refresh failed", "error", err)
	}
	tasks, err := a.store.Tasks()
	if err != nil {
		http.Error(w, "could not load history", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []models.TaskItem{}
	}
	a.respondJSON(w, http.StatusOK, tasks)
}

func (a *App) removeHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Remove(chi.URLParam(r, "id")); err != nil {
		http.Error(w, "could not remove task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Clear(); err != nil {
		http.Error(w, "could not clear history", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) taskWS(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := a.store.Task(taskID)
	if errors.Is(err, history.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "could not load task", http.StatusInternalServerError)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	a.mu.Lock()
	if a.subs[taskID] == nil {
		a.subs[taskID] = make(map[*websocket.Conn]struct{})
	}
	a.subs[taskID][conn] = struct{}{}
	a.mu.Unlock()

	_ = conn.WriteJSON(snapshotEvent(task))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.mu.Lock()
	delete(a.subs[taskID], conn)
	a.mu.Unlock()
	_ = conn.Close()
}

// snapshotEvent reconstructs the current progress event from a
// persisted record, for subscribers that connect mid-task.
func snapshotEvent(task models.TaskItem) models.ProgressEvent {
	return models.ProgressEvent{
		ID:        task.ID,
		Status:    task.Status,
		Progress:  task.Progress,
		ResultURL: task.ResultURL,
	}
}

func (a *App) broadcast(evt models.ProgressEvent) {
	a.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(a.subs[evt.ID]))
	for c := range a.subs[evt.ID] {
		conns = append(conns, c)
	}
	a.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteJSON(evt); err != nil {
			a.mu.Lock()
			delete(a.subs[evt.ID], c)
			a.mu.Unlock()
			_ = c.Close()
		}
	}
}

func (a *App) render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		a.logger.Error("failed to render template", "error", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// doublePrefixed matches share links where the real URL is glued after
// a tracking prefix, e.g. "https://proxy/https://youtu.be/x".
var doublePrefixed = regexp.MustCompile(`https?://(https?://\S+)`)

func extractRealURL(input string) string {
	if m := doublePrefixed.FindStringSubmatch(input); m != nil {
		return m[1]
	}
	return input
}

func normalizeLanguages(langs []string) []string {
	out := make([]string, 0, len(langs))
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return []string{"auto"}
	}
	return out
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "video.bin"
	}
	return name
}
