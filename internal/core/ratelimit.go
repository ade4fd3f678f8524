package core

import "time"

// RateLimitState captures the outbound limiter window for one key
// (a chat or the global bucket).
type RateLimitState struct {
	RequestCount int        `json:"request_count" yaml:"request_count"`
	WindowStart  time.Time  `json:"window_start" yaml:"window_start"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty" yaml:"backoff_until,omitempty"`
	Last429At    *time.Time `json:"last_429_at,omitempty" yaml:"last_429_at,omitempty"`
}
