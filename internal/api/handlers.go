package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"vidvault/internal/links"
	"vidvault/internal/models"
	"vidvault/internal/observability/logging"
	"vidvault/internal/observability/metrics"
	"vidvault/internal/videos"
)

const (
	DefaultMaxFiles     = 10
	DefaultMaxFileBytes = 25 << 20
	defaultListLimit    = 50
	maxListLimit        = 500
)

// VideoService is the video workflow the handlers drive.
type VideoService interface {
	Ingest(ctx context.Context, files []videos.IncomingFile) ([]models.Video, error)
	Trim(ctx context.Context, req videos.TrimRequest) (videos.TrimResult, error)
	Merge(ctx context.Context, ids []int64) (models.Video, error)
	Get(ctx context.Context, id int64) (models.Video, error)
	List(ctx context.Context, limit, offset int) ([]models.Video, error)
}

// LinkService issues and resolves capability links.
type LinkService interface {
	IssueLink(ctx context.Context, videoID int64, expiry string) (links.Link, error)
	ResolveLink(ctx context.Context, token string) (links.Grant, error)
}

// HealthCheck is one dependency reported by /healthz.
type HealthCheck struct {
	Component string
	Check     func(ctx context.Context) error
}

type Handler struct {
	Videos VideoService
	Links  LinkService
	Checks []HealthCheck

	// UploadDir receives incoming files. MaxFiles and MaxFileBytes bound one
	// upload request.
	UploadDir    string
	MaxFiles     int
	MaxFileBytes int64

	Metrics *metrics.Recorder
	Logger  *slog.Logger
	Clock   func() time.Time

	validate      *validator.Validate
	initOnce      sync.Once
	uploadDirOnce sync.Once
	uploadDir     string
}

func NewHandler(videoService VideoService, linkService LinkService) *Handler {
	h := &Handler{Videos: videoService, Links: linkService}
	h.init()
	return h
}

func (h *Handler) init() {
	h.initOnce.Do(func() {
		if h.validate == nil {
			h.validate = newValidator()
		}
		if h.MaxFiles <= 0 {
			h.MaxFiles = DefaultMaxFiles
		}
		if h.MaxFileBytes <= 0 {
			h.MaxFileBytes = DefaultMaxFileBytes
		}
		if h.Metrics == nil {
			h.Metrics = metrics.Default()
		}
		if h.Logger == nil {
			h.Logger = slog.Default()
		}
		h.Logger = logging.WithComponent(h.Logger, "api")
		if h.Clock == nil {
			h.Clock = time.Now
		}
	})
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, h.Logger)
}

// writeServiceError maps a service failure onto a status code and the
// failure's client message. probeStatus is used for probe failures, which are
// the client's fault on upload and the server's everywhere else.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, probeStatus int, fallback string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, videos.ErrValidation), errors.Is(err, videos.ErrDurationOutOfRange):
		status = http.StatusBadRequest
	case errors.Is(err, videos.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, videos.ErrProbe):
		status = probeStatus
	}
	if status >= http.StatusInternalServerError {
		h.logger(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	WriteMessage(w, status, videos.Message(err, fallback))
}

func (h *Handler) uploadsDir() string {
	h.uploadDirOnce.Do(func() {
		dir := strings.TrimSpace(h.UploadDir)
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "vidvault-uploads")
		}
		dir = filepath.Clean(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			h.Logger.Warn("create upload directory", "dir", dir, "error", err)
		}
		h.uploadDir = dir
	})
	return h.uploadDir
}

// ListVideos lists stored videos. GET /api/videos?limit=&offset=
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	h.init()
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		WriteMessage(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		WriteMessage(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	list, err := h.Videos.List(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusInternalServerError, "Error retrieving videos from database")
		return
	}
	if list == nil {
		list = []models.Video{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Videos retrieved successfully",
		"videos":  list,
	})
}

// VideoByPath serves everything below /api/videos/ that is not a fixed
// route: GET {id}/metadata and GET {token}.
func (h *Handler) VideoByPath(w http.ResponseWriter, r *http.Request) {
	h.init()
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/videos/"), "/")
	if rest == "" {
		h.ListVideos(w, r)
		return
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[1] == "metadata":
		h.videoMetadata(w, r, parts[0])
	case len(parts) == 1:
		h.AccessVideo(w, r, parts[0])
	default:
		WriteMessage(w, http.StatusNotFound, "Not found")
	}
}

func (h *Handler) videoMetadata(w http.ResponseWriter, r *http.Request, rawID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		WriteMessage(w, http.StatusNotFound, "Video not found")
		return
	}
	video, err := h.Videos.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusInternalServerError, "Error retrieving video from database")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Video retrieved successfully",
		"video":   video,
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
