package server

import (
	"net/http"

	"vidvault/internal/api"
)

// writeMiddlewareError keeps middleware replies in the API's JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteMessage(w, status, message)
}
