package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxJSONBody = 1 << 20

// messageResponse is the body of every error reply.
type messageResponse struct {
	Message string `json:"message"`
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteMessage replies with {"message": message}.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, messageResponse{Message: message})
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// DecodeJSON reads a single JSON object from the request body. Unknown fields
// are ignored and numbers keep their textual form until a field claims them.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// WriteDecodeError replies 400 with a short description of a decode failure.
func WriteDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &maxErr):
		WriteMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
	case errors.As(err, &syntaxErr):
		WriteMessage(w, http.StatusBadRequest, fmt.Sprintf("Malformed JSON at offset %d", syntaxErr.Offset))
	case errors.As(err, &typeErr):
		WriteMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid value for %s", typeErr.Field))
	default:
		WriteMessage(w, http.StatusBadRequest, "Invalid request body")
	}
}
