package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/relaybot/relaybot/internal/errors"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondWithError writes err as an error envelope carrying the request's
// correlation id.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}
