package server

import (
	"net/http"

	apperrors "github.com/relaybot/relaybot/internal/errors"
)

// HandleError writes err as a JSON error envelope.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	apperrors.RespondWithError(w, r, err)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	HandleError(w, r, apperrors.NewNotFoundError("The requested resource was not found"))
}

// methodNotAllowed answers 405 and names the methods the route accepts.
func methodNotAllowed(allowed map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if method, ok := allowed[r.URL.Path]; ok {
			w.Header().Set("Allow", method)
		}
		HandleError(w, r, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	}
}
