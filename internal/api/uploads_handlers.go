package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vidvault/internal/models"
	"vidvault/internal/videos"
)

const (
	// multipartOverhead covers part headers and boundaries on top of the
	// file payloads when bounding the whole request body.
	multipartOverhead = 1 << 20
	maxFieldBytes     = 64 << 10

	msgInvalidFileType = "Invalid file type. Only MP4, MKV, and AVI are allowed."
	msgFileTooLarge    = "File too large"
	msgNoFiles         = "No files uploaded"

	// PendingUploadPrefix marks files still being received. They are renamed
	// once complete, so any left behind belong to interrupted requests.
	PendingUploadPrefix = ".pending-upload-"
)

var errFileTooLarge = errors.New("file too large")

var allowedVideoTypes = map[string]bool{
	"video/mp4":        true,
	"video/mkv":        true,
	"video/x-matroska": true,
	"video/avi":        true,
	"video/x-msvideo":  true,
	"video/msvideo":    true,
}

var allowedVideoExts = map[string]bool{
	".mp4": true,
	".mkv": true,
	".avi": true,
}

// allowedVideo accepts a part whose declared type is one of the supported
// containers. Parts sent without a meaningful type fall back to the file
// extension.
func allowedVideo(contentType, filename string) bool {
	contentType = strings.TrimSpace(contentType)
	mediaType := ""
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return false
		}
		mediaType = strings.ToLower(parsed)
	}
	if allowedVideoTypes[mediaType] {
		return true
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		return allowedVideoExts[strings.ToLower(filepath.Ext(filename))]
	}
	return false
}

// Upload handles POST /api/videos/upload. Every file part of the multipart
// body is streamed to the upload directory; the batch is then probed and
// recorded. Any rejected part discards the files already written.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	h.init()
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.MaxFiles)*h.MaxFileBytes+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		WriteMessage(w, http.StatusBadRequest, msgNoFiles)
		return
	}

	var saved []videos.IncomingFile
	discard := func() {
		for _, file := range saved {
			_ = os.Remove(file.Path)
		}
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			if isBodyTooLarge(err) {
				h.Metrics.ObserveIngest("too_large")
				WriteMessage(w, http.StatusBadRequest, msgFileTooLarge)
				return
			}
			WriteMessage(w, http.StatusBadRequest, "Invalid multipart payload")
			return
		}
		if part.FileName() == "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			continue
		}
		if len(saved) >= h.MaxFiles {
			_ = part.Close()
			discard()
			WriteMessage(w, http.StatusBadRequest, fmt.Sprintf("Too many files. At most %d are allowed.", h.MaxFiles))
			return
		}
		if !allowedVideo(part.Header.Get("Content-Type"), part.FileName()) {
			_ = part.Close()
			discard()
			h.Metrics.ObserveIngest("invalid_type")
			WriteMessage(w, http.StatusBadRequest, msgInvalidFileType)
			return
		}
		file, err := h.saveUploadPart(part)
		if err != nil {
			discard()
			if errors.Is(err, errFileTooLarge) || isBodyTooLarge(err) {
				h.Metrics.ObserveIngest("too_large")
				WriteMessage(w, http.StatusBadRequest, msgFileTooLarge)
				return
			}
			h.logger(r.Context()).Error("save upload", "error", err)
			WriteMessage(w, http.StatusInternalServerError, "Error saving uploaded file")
			return
		}
		saved = append(saved, file)
	}
	if len(saved) == 0 {
		WriteMessage(w, http.StatusBadRequest, msgNoFiles)
		return
	}

	created, err := h.Videos.Ingest(r.Context(), saved)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusBadRequest, "Error uploading videos")
		return
	}
	if created == nil {
		created = []models.Video{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": fmt.Sprintf("%d video(s) uploaded successfully", len(created)),
		"videos":  created,
	})
}

func (h *Handler) saveUploadPart(part *multipart.Part) (videos.IncomingFile, error) {
	defer part.Close()
	dir := h.uploadsDir()
	tmp, err := os.CreateTemp(dir, PendingUploadPrefix+"*")
	if err != nil {
		return videos.IncomingFile{}, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, io.LimitReader(part, h.MaxFileBytes+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return videos.IncomingFile{}, fmt.Errorf("save upload: %w", err)
	}
	if written > h.MaxFileBytes {
		_ = os.Remove(tmp.Name())
		return videos.IncomingFile{}, errFileTooLarge
	}

	finalPath, err := claimPath(tmp.Name(), filepath.Join(dir, fmt.Sprintf("%d-%s", h.Clock().UnixMilli(), sanitizeFilename(part.FileName()))))
	if err != nil {
		_ = os.Remove(tmp.Name())
		return videos.IncomingFile{}, fmt.Errorf("store upload: %w", err)
	}
	return videos.IncomingFile{
		Filename:  filepath.Base(finalPath),
		Path:      finalPath,
		SizeBytes: written,
	}, nil
}

// claimPath hard-links src to path, or to path with a numeric suffix before
// the extension when that name is taken, and removes src. Linking fails on an
// existing name, so concurrent uploads never share a final path.
func claimPath(src, path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; ; i++ {
		err := os.Link(src, candidate)
		if err == nil {
			if err := os.Remove(src); err != nil {
				return "", err
			}
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		candidate = stem + "-" + strconv.Itoa(i) + ext
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
