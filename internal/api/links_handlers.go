package api

import (
	"errors"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vidvault/internal/links"
)

const maxLinkCacheSeconds = 300

var videoContentTypes = map[string]string{
	".mp4": "video/mp4",
	".mkv": "video/x-matroska",
	".avi": "video/x-msvideo",
}

// GenerateLink handles POST /api/videos/generate-link.
func (h *Handler) GenerateLink(w http.ResponseWriter, r *http.Request) {
	h.init()
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req generateLinkRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	input := req.input()
	if err := h.validate.Struct(input); err != nil {
		if failedFields(err)["Expiry"] {
			WriteMessage(w, http.StatusBadRequest, "Invalid expiry")
			return
		}
		WriteMessage(w, http.StatusNotFound, "Video not found")
		return
	}

	link, err := h.Links.IssueLink(r.Context(), input.VideoID, input.Expiry)
	switch {
	case err == nil:
	case errors.Is(err, links.ErrInvalidExpiry):
		WriteMessage(w, http.StatusBadRequest, "Invalid expiry")
		return
	case errors.Is(err, links.ErrVideoNotFound):
		WriteMessage(w, http.StatusNotFound, "Video not found")
		return
	default:
		h.logger(r.Context()).Error("generate link", "video_id", input.VideoID, "error", err)
		WriteMessage(w, http.StatusInternalServerError, "Error generating link")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Link generated successfully",
		"link":      link.URL,
		"expiresAt": link.ExpiresAt.UTC(),
	})
}

// AccessVideo serves the file a capability token grants. It needs no other
// credentials and honours Range requests.
func (h *Handler) AccessVideo(w http.ResponseWriter, r *http.Request, token string) {
	h.init()
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	grant, err := h.Links.ResolveLink(r.Context(), token)
	if err != nil {
		WriteMessage(w, http.StatusForbidden, "Link expired")
		return
	}
	file, err := os.Open(grant.Filepath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			h.logger(r.Context()).Warn("open linked video", "video_id", grant.VideoID, "error", err)
		}
		WriteMessage(w, http.StatusNotFound, "Video file not found")
		return
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil || stat.IsDir() {
		WriteMessage(w, http.StatusNotFound, "Video file not found")
		return
	}

	contentType := videoContentTypes[strings.ToLower(filepath.Ext(grant.Filepath))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age="+strconv.Itoa(h.cacheSeconds(grant)))
	http.ServeContent(w, r, filepath.Base(grant.Filepath), stat.ModTime(), file)
}

// cacheSeconds keeps caches from outliving the link.
func (h *Handler) cacheSeconds(grant links.Grant) int {
	if grant.ExpiresAt.IsZero() {
		return 0
	}
	remaining := math.Floor(grant.ExpiresAt.Sub(h.Clock()).Seconds())
	switch {
	case remaining <= 0:
		return 0
	case remaining > maxLinkCacheSeconds:
		return maxLinkCacheSeconds
	default:
		return int(remaining)
	}
}
