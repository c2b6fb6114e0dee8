package rest

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/jeeshofone/ApocaCache/internal/content"
	"github.com/jeeshofone/ApocaCache/internal/cycle"
	"github.com/jeeshofone/ApocaCache/internal/logctx"
	"github.com/jeeshofone/ApocaCache/internal/storage"
)

const maxQueueBody = 1 << 20

//go:embed static/index.html
var indexPage []byte

// Store is the read side of the catalog store the admin surface needs.
type Store interface {
	ListItems(ctx context.Context) ([]storage.ItemRecord, error)
	StatusCounts(ctx context.Context) (map[content.Status]int, error)
	LatestCycle(ctx context.Context) (*storage.CycleProgress, error)
}

// Coordinator accepts on-demand work.
type Coordinator interface {
	QueueItems(ctx context.Context, ids []string) (*cycle.QueueResult, error)
	Refresh(ctx context.Context, invalidate bool) error
	Running() bool
}

// Queue exposes download orchestrator load.
type Queue interface {
	QueueDepth() int
	InFlight() int
}

// BookView is one catalog entry as listed by GET /library.
type BookView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Language     string         `json:"language"`
	Category     string         `json:"category"`
	Creator      string         `json:"creator,omitempty"`
	Publisher    string         `json:"publisher,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Size         int64          `json:"size"`
	SizeHuman    string         `json:"size_human"`
	ArticleCount int64          `json:"article_count,omitempty"`
	MediaCount   int64          `json:"media_count,omitempty"`
	Version      string         `json:"version"`
	Status       content.Status `json:"status"`
	LocalVersion string         `json:"local_version,omitempty"`
	Path         string         `json:"path,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
}

type queueRequest struct {
	Books []string `json:"books"`
}

type statusResponse struct {
	QueueSize       int                    `json:"queue_size"`
	ActiveDownloads int                    `json:"active_downloads"`
	CycleRunning    bool                   `json:"cycle_running"`
	Downloads       map[content.Status]int `json:"downloads"`
}

type meta4StatusResponse struct {
	TotalFiles     int        `json:"total_files"`
	ProcessedFiles int        `json:"processed_files"`
	LastUpdated    *time.Time `json:"last_updated"`
	IsComplete     bool       `json:"is_complete"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type LibraryHandler struct {
	username    string
	password    string
	store       Store
	coordinator Coordinator
	queue       Queue
}

// NewLibraryHandler creates the admin handler. Basic auth is enforced when username is set.
func NewLibraryHandler(username, password string, store Store, coordinator Coordinator, queue Queue) *LibraryHandler {
	return &LibraryHandler{
		username:    username,
		password:    password,
		store:       store,
		coordinator: coordinator,
		queue:       queue,
	}
}

func (h *LibraryHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/", h.HandleIndex)
	r.Get("/library", h.HandleLibrary)
	r.Post("/queue", h.HandleQueue)
	r.Get("/status", h.HandleStatus)
	r.Get("/meta4-status", h.HandleMeta4Status)
	r.Post("/refresh", h.HandleRefresh)

	return r
}

// HandleIndex serves the admin page.
func (h *LibraryHandler) HandleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

// HandleLibrary lists every stored item with its download status.
func (h *LibraryHandler) HandleLibrary(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	records, err := h.store.ListItems(r.Context())
	if err != nil {
		logger.Error("failed to list items", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list items"})

		return
	}

	books := make([]BookView, 0, len(records))
	for i := range records {
		books = append(books, bookView(&records[i]))
	}

	writeJSON(w, http.StatusOK, books)
}

// HandleQueue queues the requested books for download.
func (h *LibraryHandler) HandleQueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req queueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueueBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if len(req.Books) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no books requested"})

		return
	}

	res, err := h.coordinator.QueueItems(r.Context(), req.Books)
	if err != nil {
		logger.Error("failed to queue books", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})

		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// HandleStatus reports queue depth, in-flight transfers and per-status counts.
func (h *LibraryHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	counts, err := h.store.StatusCounts(r.Context())
	if err != nil {
		logger.Error("failed to count downloads", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to count downloads"})

		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		QueueSize:       h.queue.QueueDepth(),
		ActiveDownloads: h.queue.InFlight(),
		CycleRunning:    h.coordinator.Running(),
		Downloads:       counts,
	})
}

// HandleMeta4Status reports descriptor resolution progress of the latest cycle.
func (h *LibraryHandler) HandleMeta4Status(w http.ResponseWriter, r *http.Request) {
	progress, err := h.store.LatestCycle(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, meta4StatusResponse{})

		return
	}

	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read cycle progress", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read cycle progress"})

		return
	}

	updated := progress.UpdatedAt

	writeJSON(w, http.StatusOK, meta4StatusResponse{
		TotalFiles:     progress.Total,
		ProcessedFiles: progress.Processed,
		LastUpdated:    &updated,
		IsComplete:     progress.Complete,
	})
}

// HandleRefresh starts an on-demand cycle. ?invalidate=true drops the cached catalog first.
func (h *LibraryHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	invalidate, _ := strconv.ParseBool(r.URL.Query().Get("invalidate"))

	err := h.coordinator.Refresh(r.Context(), invalidate)
	switch {
	case errors.Is(err, cycle.ErrCycleRunning):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case err != nil:
		logctx.LoggerFromContext(r.Context()).Error("failed to start refresh", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to start refresh"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
	}
}

// HandleHealth is an unauthenticated liveness probe.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *LibraryHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="library-maintainer"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func bookView(rec *storage.ItemRecord) BookView {
	item := rec.Item

	size := item.Size
	if rec.Descriptor != nil && rec.Descriptor.Size > 0 {
		size = rec.Descriptor.Size
	}

	v := BookView{
		ID:           item.ID,
		Name:         item.Name,
		Title:        item.Title,
		Description:  item.Description,
		Language:     item.Language,
		Category:     item.Category,
		Creator:      item.Creator,
		Publisher:    item.Publisher,
		Tags:         item.Tags,
		Size:         size,
		SizeHuman:    humanize.IBytes(uint64(max(size, 0))),
		ArticleCount: item.ArticleCount,
		MediaCount:   item.MediaCount,
		Version:      item.Version,
		Status:       content.StatusNotDownloaded,
	}

	if s := rec.State; s != nil {
		v.Status = s.Status
		v.LocalVersion = s.Version
		v.Path = s.Path

		if !s.UpdatedAt.IsZero() {
			updated := s.UpdatedAt
			v.UpdatedAt = &updated
		}
	}

	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}
