package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFieldErrors sends an invalid-payload response naming the failing
// fields. Field names are safe to return; values are not echoed back.
func writeFieldErrors(w http.ResponseWriter, fields []string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":  "invalid payload",
		"fields": fields,
	})
}
