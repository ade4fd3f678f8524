package pipeline

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const helpText = `Commands:
/start - introduction
/help - this list
/ping - check the bot is alive
/status - service status

Anything else is passed along as a message.`

func (d *Dispatcher) command(ctx context.Context, msg *tgbotapi.Message) string {
	switch strings.ToLower(msg.Command()) {
	case "start":
		name := "there"
		if msg.From != nil && strings.TrimSpace(msg.From.FirstName) != "" {
			name = msg.From.FirstName
		}
		return fmt.Sprintf("Hi %s! Send me a message and I'll pass it along. /help lists commands.", name)
	case "help":
		return helpText
	case "ping":
		return "pong"
	case "status":
		if d.Status != nil {
			if status := strings.TrimSpace(d.Status(ctx)); status != "" {
				return status
			}
		}
		return "ok"
	default:
		return fmt.Sprintf("Unknown command /%s. Try /help.", msg.Command())
	}
}

// AckResponder acknowledges messages without producing content. It stands in
// until a real backend is wired.
type AckResponder struct{}

func (AckResponder) Respond(_ context.Context, req Request) (string, error) {
	switch {
	case req.Voice != nil:
		return fmt.Sprintf("Voice note received (%ds).", req.Voice.Duration), nil
	case strings.TrimSpace(req.Text) != "":
		return "Got it.", nil
	default:
		return "", nil
	}
}
