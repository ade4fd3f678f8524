package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/core/pipeline"
	apperrors "github.com/relaybot/relaybot/internal/errors"
	"github.com/relaybot/relaybot/internal/observability"
	"github.com/relaybot/relaybot/internal/server/middleware"
)

// SecretTokenHeader carries the secret registered with setWebhook.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler receives Telegram updates.
type WebhookHandler struct {
	pipeline    pipeline.Pipeline
	secretToken string
	timeout     time.Duration
}

// NewWebhookHandler builds the handler. An empty secret disables the header
// check; serve refuses to start that way outside of tests. A non-positive
// timeout leaves the request context as is.
func NewWebhookHandler(p pipeline.Pipeline, secretToken string, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		pipeline:    p,
		secretToken: secretToken,
		timeout:     timeout,
	}
}

type webhookResponse struct {
	OK bool `json:"ok"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		respondWithError(w, r, apperrors.NewUnauthorizedError("invalid webhook secret token"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(w, r, apperrors.NewPayloadTooLargeError(r.ContentLength, maxErr.Limit))
			return
		}
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "failed to read request body"))
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "malformed update payload"))
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.pipeline.Process(ctx, update)
	if err != nil {
		respondWithError(w, r, apperrors.WrapUpdateProcessing(r.Context(), err, update.UpdateID))
		return
	}

	if observability.ServerLogger != nil {
		observability.ServerLogger.Debug("Webhook update handled",
			zap.Int("update_id", result.UpdateID),
			zap.String("kind", string(result.Kind)),
			zap.String("status", string(result.Status)),
			zap.Bool("duplicate", result.Duplicate),
			zap.String("requestID", middleware.GetRequestID(r.Context())),
		)
	}

	respondJSON(w, http.StatusOK, webhookResponse{OK: true})
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secretToken == "" {
		return true
	}
	got := r.Header.Get(SecretTokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secretToken)) == 1
}
