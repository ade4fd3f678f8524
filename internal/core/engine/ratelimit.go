package engine

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/relaybot/relaybot/internal/core"
)

// Limiter keys. Per-chat keys are "chat:<id>" for private chats and
// "group:<id>" for groups and supergroups.
const (
	GlobalKey = "global"

	chatPrefix  = "chat:"
	groupPrefix = "group:"
)

// ChatKey returns the limiter key for an outbound message to chatID.
func ChatKey(chatID int64, group bool) string {
	if group {
		return groupPrefix + strconv.FormatInt(chatID, 10)
	}
	return chatPrefix + strconv.FormatInt(chatID, 10)
}

// RateLimiter enforces fixed-window limits on outbound Bot API calls, keyed
// by chat and globally. State is persisted so limits survive restarts.
type RateLimiter struct {
	Store  RateLimitStore
	Limits map[string]RateLimit
	Clock  func() time.Time
	Margin float64
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// RateLimitStore stores rate limit state.
type RateLimitStore interface {
	GetRateLimit(ctx context.Context, key string) (*core.RateLimitState, error)
	UpdateRateLimit(ctx context.Context, key string, state *core.RateLimitState) error
}

// DefaultLimits mirror Telegram's published bot limits. "chat" and "group"
// apply to every key with the matching prefix.
var DefaultLimits = map[string]RateLimit{
	GlobalKey: {RequestsPerWindow: 30, WindowDuration: time.Second},
	"chat":    {RequestsPerWindow: 1, WindowDuration: time.Second},
	"group":   {RequestsPerWindow: 20, WindowDuration: time.Minute},
}

// Allow checks if a request is allowed and returns wait duration if not.
func (r *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.Store == nil {
		return true, 0, nil
	}

	state, err := r.Store.GetRateLimit(ctx, key)
	if err != nil {
		return true, 0, err
	}
	now := r.now()
	if state == nil {
		return true, 0, nil
	}

	if state.BackoffUntil != nil && now.Before(*state.BackoffUntil) {
		return false, state.BackoffUntil.Sub(now), nil
	}

	limit := r.getLimit(key)
	windowEnd := state.WindowStart.Add(limit.WindowDuration)
	if !now.Before(windowEnd) {
		return true, 0, nil
	}

	if state.RequestCount >= limit.RequestsPerWindow {
		return false, windowEnd.Sub(now), nil
	}

	return true, 0, nil
}

// Record counts one request against key, starting a new window when the
// stored one has elapsed.
func (r *RateLimiter) Record(ctx context.Context, key string) error {
	if r == nil || r.Store == nil {
		return nil
	}

	state, err := r.Store.GetRateLimit(ctx, key)
	if err != nil {
		return err
	}
	now := r.now()
	if state == nil {
		state = &core.RateLimitState{WindowStart: now}
	}

	limit := r.getLimit(key)
	if state.WindowStart.IsZero() || !now.Before(state.WindowStart.Add(limit.WindowDuration)) {
		state.WindowStart = now
		state.RequestCount = 0
	}
	state.RequestCount++

	return r.Store.UpdateRateLimit(ctx, key, state)
}

// Record429 applies a backoff window from Telegram's retry_after.
func (r *RateLimiter) Record429(ctx context.Context, key string, retryAfter time.Duration) error {
	if r == nil || r.Store == nil {
		return nil
	}

	state, err := r.Store.GetRateLimit(ctx, key)
	if err != nil {
		return err
	}
	now := r.now()
	if state == nil {
		state = &core.RateLimitState{WindowStart: now}
	}

	state.Last429At = &now
	if retryAfter > 0 {
		until := now.Add(retryAfter)
		state.BackoffUntil = &until
	}

	return r.Store.UpdateRateLimit(ctx, key, state)
}

// ApplyOverrides merges per-key request overrides (per minute). Keys may be
// exact ("chat:42") or a class ("chat", "group", "global").
func (r *RateLimiter) ApplyOverrides(overrides map[string]int) {
	if r == nil || len(overrides) == 0 {
		return
	}

	if r.Limits == nil {
		r.Limits = make(map[string]RateLimit, len(DefaultLimits))
		for key, limit := range DefaultLimits {
			r.Limits[key] = limit
		}
	}

	for key, value := range overrides {
		key = strings.TrimSpace(key)
		if key == "" || value <= 0 {
			continue
		}
		r.Limits[key] = RateLimit{
			RequestsPerWindow: value,
			WindowDuration:    time.Minute,
		}
	}
}

// ApplySafetyMargin adjusts the effective request limits by a ratio (0-1].
func (r *RateLimiter) ApplySafetyMargin(margin float64) {
	if r == nil {
		return
	}
	if margin <= 0 || margin > 1 {
		return
	}
	r.Margin = margin
}

// LimitFor returns the effective limit for key after overrides and margin.
func (r *RateLimiter) LimitFor(key string) RateLimit {
	return r.getLimit(key)
}

func (r *RateLimiter) getLimit(key string) RateLimit {
	if r == nil {
		return RateLimit{RequestsPerWindow: 1, WindowDuration: time.Second}
	}

	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}

	if limit, ok := limits[key]; ok {
		return r.applyMargin(limit)
	}

	switch {
	case strings.HasPrefix(key, groupPrefix):
		if limit, ok := limits["group"]; ok {
			return r.applyMargin(limit)
		}
	case strings.HasPrefix(key, chatPrefix):
		if limit, ok := limits["chat"]; ok {
			return r.applyMargin(limit)
		}
	}

	return r.applyMargin(DefaultLimits["chat"])
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

func (r *RateLimiter) applyMargin(limit RateLimit) RateLimit {
	if r == nil || r.Margin <= 0 || r.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * r.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}
