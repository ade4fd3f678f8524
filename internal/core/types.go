package core

import "time"

// UpdateStatus tracks where an inbound Telegram update is in the pipeline.
type UpdateStatus string

const (
	UpdateStatusReceived  UpdateStatus = "received"
	UpdateStatusProcessed UpdateStatus = "processed"
	UpdateStatusIgnored   UpdateStatus = "ignored"
	UpdateStatusFailed    UpdateStatus = "failed"
)

// Valid reports whether s is a known status.
func (s UpdateStatus) Valid() bool {
	switch s {
	case UpdateStatusReceived, UpdateStatusProcessed, UpdateStatusIgnored, UpdateStatusFailed:
		return true
	default:
		return false
	}
}

// UpdateKind classifies an update by its payload.
type UpdateKind string

const (
	UpdateKindCommand  UpdateKind = "command"
	UpdateKindText     UpdateKind = "text"
	UpdateKindVoice    UpdateKind = "voice"
	UpdateKindEdited   UpdateKind = "edited_message"
	UpdateKindCallback UpdateKind = "callback_query"
	UpdateKindOther    UpdateKind = "other"
)

// UpdateRecord is the transcript row kept for each update_id.
type UpdateRecord struct {
	UpdateID    int          `json:"update_id" yaml:"update_id"`
	ChatID      int64        `json:"chat_id" yaml:"chat_id"`
	UserID      int64        `json:"user_id" yaml:"user_id"`
	Kind        UpdateKind   `json:"kind" yaml:"kind"`
	Payload     string       `json:"payload,omitempty" yaml:"payload,omitempty"`
	Status      UpdateStatus `json:"status" yaml:"status"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
	ReceivedAt  time.Time    `json:"received_at" yaml:"received_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty" yaml:"processed_at,omitempty"`
}
