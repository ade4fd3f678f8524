package responder

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/pipeline"
)

// Completer is the chat backend. *Client implements it.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (*Completion, error)
}

// ChatResponder answers text messages through a Completer. Each message is
// sent on its own with the system prompt; no history is kept. Messages
// without text fall back to Fallback.
type ChatResponder struct {
	Backend      Completer
	SystemPrompt string
	Fallback     pipeline.Responder
	Logger       *logging.Logger
}

// New builds a ChatResponder from config, or nil when disabled.
func New(cfg config.ResponderConfig, logger *logging.Logger) *ChatResponder {
	if !cfg.Enabled {
		return nil
	}
	client := NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model)
	client.MaxTokens = cfg.MaxTokens
	client.Timeout = cfg.Timeout
	return &ChatResponder{
		Backend:      client,
		SystemPrompt: cfg.SystemPrompt,
		Fallback:     pipeline.AckResponder{},
		Logger:       logger,
	}
}

// Respond implements pipeline.Responder.
func (r *ChatResponder) Respond(ctx context.Context, req pipeline.Request) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		if r.Fallback == nil {
			return "", nil
		}
		return r.Fallback.Respond(ctx, req)
	}

	messages := make([]Message, 0, 2)
	if prompt := strings.TrimSpace(r.SystemPrompt); prompt != "" {
		messages = append(messages, Message{Role: "system", Content: prompt})
	}
	messages = append(messages, Message{Role: "user", Content: text})

	completion, err := r.Backend.Complete(ctx, messages)
	if err != nil {
		return "", err
	}

	if r.Logger != nil {
		fields := []zap.Field{
			zap.Int("update_id", req.UpdateID),
			zap.String("finish_reason", completion.FinishReason),
		}
		if completion.Usage != nil {
			fields = append(fields, zap.Int("total_tokens", completion.Usage.TotalTokens))
		}
		r.Logger.Debug("Chat backend replied", fields...)
	}
	return strings.TrimSpace(completion.Text), nil
}
