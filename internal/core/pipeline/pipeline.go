// Package pipeline turns admitted Telegram updates into replies. It dedupes
// redeliveries, enforces the owner allowlist, answers built-in commands and
// hands everything else to a Responder.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/relaybot/relaybot/internal/core"
	"github.com/relaybot/relaybot/internal/metrics"
)

const maxPayloadRunes = 1024

// Pipeline processes one decoded update.
type Pipeline interface {
	Process(ctx context.Context, update tgbotapi.Update) (Result, error)
}

// UpdateStore persists the update transcript.
type UpdateStore interface {
	RecordUpdate(ctx context.Context, record core.UpdateRecord) (bool, error)
	MarkUpdate(ctx context.Context, updateID int, status core.UpdateStatus, errText string, at time.Time) error
}

// Sender delivers replies.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (tgbotapi.Message, error)
}

// Request is what a Responder sees of an incoming message.
type Request struct {
	UpdateID int
	ChatID   int64
	UserID   int64
	Kind     core.UpdateKind
	Text     string
	Voice    *tgbotapi.Voice
}

// Responder produces the reply for a non-command message. An empty reply
// means nothing is sent.
type Responder interface {
	Respond(ctx context.Context, req Request) (string, error)
}

// StatusFunc renders the /status reply.
type StatusFunc func(ctx context.Context) string

// Result summarizes what happened to an update.
type Result struct {
	UpdateID  int
	Kind      core.UpdateKind
	Status    core.UpdateStatus
	Duplicate bool
	Replied   bool
}

// Dispatcher is the default Pipeline.
type Dispatcher struct {
	Store          UpdateStore
	Sender         Sender
	Responder      Responder
	AllowedUserIDs []int64
	Status         StatusFunc
	Logger         *logging.Logger
	Clock          func() time.Time
}

// Process records the update and answers it. Errors are returned only when
// the update could not be recorded, so a retry by Telegram is meaningful.
// Failures after that are marked on the record and reported in Result.
func (d *Dispatcher) Process(ctx context.Context, update tgbotapi.Update) (Result, error) {
	if d == nil || d.Store == nil {
		return Result{}, errors.New("pipeline is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	started := d.now()
	record := describe(update, started)
	result := Result{UpdateID: update.UpdateID, Kind: record.Kind}

	inserted, err := d.Store.RecordUpdate(ctx, record)
	if err != nil {
		metrics.RecordUpdateProcessed("error", string(record.Kind), d.now().Sub(started))
		return result, fmt.Errorf("record update %d: %w", update.UpdateID, err)
	}
	if !inserted {
		result.Duplicate = true
		result.Status = core.UpdateStatusIgnored
		d.debug("duplicate update", zap.Int("update_id", update.UpdateID))
		metrics.RecordUpdateProcessed("duplicate", string(record.Kind), d.now().Sub(started))
		return result, nil
	}

	status, replied, procErr := d.handle(ctx, update, record)
	result.Status = status
	result.Replied = replied

	errText := ""
	if procErr != nil {
		errText = procErr.Error()
		d.warn("update processing failed",
			zap.Int("update_id", update.UpdateID),
			zap.String("kind", string(record.Kind)),
			zap.Error(procErr))
	}
	if err := d.Store.MarkUpdate(ctx, update.UpdateID, status, errText, d.now()); err != nil {
		d.warn("mark update failed", zap.Int("update_id", update.UpdateID), zap.Error(err))
	}

	metrics.RecordUpdateProcessed(string(status), string(record.Kind), d.now().Sub(started))
	return result, nil
}

func (d *Dispatcher) handle(ctx context.Context, update tgbotapi.Update, record core.UpdateRecord) (core.UpdateStatus, bool, error) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return core.UpdateStatusIgnored, false, nil
	}
	if !d.allowed(record.UserID) {
		d.info("ignoring sender outside allowlist",
			zap.Int64("user_id", record.UserID),
			zap.Int64("chat_id", record.ChatID))
		return core.UpdateStatusIgnored, false, nil
	}

	var (
		reply string
		err   error
	)
	if msg.IsCommand() {
		reply = d.command(ctx, msg)
	} else {
		reply, err = d.respond(ctx, Request{
			UpdateID: update.UpdateID,
			ChatID:   record.ChatID,
			UserID:   record.UserID,
			Kind:     record.Kind,
			Text:     msg.Text,
			Voice:    msg.Voice,
		})
		if err != nil {
			return core.UpdateStatusFailed, false, fmt.Errorf("respond: %w", err)
		}
	}

	if strings.TrimSpace(reply) == "" {
		return core.UpdateStatusProcessed, false, nil
	}
	if d.Sender == nil {
		return core.UpdateStatusFailed, false, errors.New("no sender configured")
	}
	if _, err := d.Sender.SendText(ctx, msg.Chat.ID, reply); err != nil {
		return core.UpdateStatusFailed, false, fmt.Errorf("send reply: %w", err)
	}
	return core.UpdateStatusProcessed, true, nil
}

func (d *Dispatcher) respond(ctx context.Context, req Request) (string, error) {
	responder := d.Responder
	if responder == nil {
		responder = AckResponder{}
	}
	return responder.Respond(ctx, req)
}

func (d *Dispatcher) allowed(userID int64) bool {
	if len(d.AllowedUserIDs) == 0 {
		return true
	}
	return slices.Contains(d.AllowedUserIDs, userID)
}

func (d *Dispatcher) now() time.Time {
	if d != nil && d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) debug(msg string, fields ...zap.Field) {
	if d.Logger != nil {
		d.Logger.Debug(msg, fields...)
	}
}

func (d *Dispatcher) info(msg string, fields ...zap.Field) {
	if d.Logger != nil {
		d.Logger.Info(msg, fields...)
	}
}

func (d *Dispatcher) warn(msg string, fields ...zap.Field) {
	if d.Logger != nil {
		d.Logger.Warn(msg, fields...)
	}
}

// describe builds the transcript row for an update.
func describe(update tgbotapi.Update, receivedAt time.Time) core.UpdateRecord {
	record := core.UpdateRecord{
		UpdateID:   update.UpdateID,
		Kind:       core.UpdateKindOther,
		Status:     core.UpdateStatusReceived,
		ReceivedAt: receivedAt,
	}
	if user := update.SentFrom(); user != nil {
		record.UserID = user.ID
	}
	if chat := update.FromChat(); chat != nil {
		record.ChatID = chat.ID
	}

	switch {
	case update.Message != nil:
		msg := update.Message
		switch {
		case msg.IsCommand():
			record.Kind = core.UpdateKindCommand
			record.Payload = msg.Text
		case msg.Voice != nil:
			record.Kind = core.UpdateKindVoice
			record.Payload = fmt.Sprintf("voice:%s %ds", msg.Voice.FileID, msg.Voice.Duration)
		case msg.Text != "":
			record.Kind = core.UpdateKindText
			record.Payload = msg.Text
		}
	case update.EditedMessage != nil:
		record.Kind = core.UpdateKindEdited
		record.Payload = update.EditedMessage.Text
	case update.CallbackQuery != nil:
		record.Kind = core.UpdateKindCallback
		record.Payload = update.CallbackQuery.Data
	}

	record.Payload = clip(record.Payload, maxPayloadRunes)
	return record
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
