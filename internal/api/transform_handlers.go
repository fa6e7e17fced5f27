package api

import (
	"net/http"

	"vidvault/internal/videos"
)

// Trim handles POST|PUT /api/videos/trim.
func (h *Handler) Trim(w http.ResponseWriter, r *http.Request) {
	h.init()
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		writeMethodNotAllowed(w, http.MethodPost, http.MethodPut)
		return
	}
	var req trimRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	input := req.input()
	if err := h.validate.Struct(input); err != nil {
		failed := failedFields(err)
		if failed["Start"] || failed["End"] {
			WriteMessage(w, http.StatusBadRequest, "Invalid start or end time")
			return
		}
		WriteMessage(w, http.StatusNotFound, "Video not found")
		return
	}

	result, err := h.Videos.Trim(r.Context(), videos.TrimRequest{
		VideoID: input.VideoID,
		Start:   input.Start,
		End:     input.End,
	})
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusInternalServerError, "Error trimming video")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Video trimmed successfully",
		"outputFile": result.OutputFile,
		"video":      result.Video,
	})
}

// Merge handles POST /api/videos/merge.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	h.init()
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req mergeRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}
	input := req.input()
	if err := h.validate.Struct(input); err != nil {
		if failedFields(err)["VideoIDs[]"] {
			WriteMessage(w, http.StatusBadRequest, "Invalid video ID")
			return
		}
		WriteMessage(w, http.StatusBadRequest, "Please provide at least two video IDs to merge.")
		return
	}

	merged, err := h.Videos.Merge(r.Context(), input.VideoIDs)
	if err != nil {
		h.writeServiceError(w, r, err, http.StatusInternalServerError, "Error merging videos")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Videos merged successfully",
		"mergedVideo": merged,
	})
}
