package middleware

import (
	"encoding/json"
	"net/http"
)

type errorEnvelope struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
}

// writeError writes the gateway's error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Status: false, Error: message})
}
