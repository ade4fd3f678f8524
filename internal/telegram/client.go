// Package telegram wraps the Bot API client with context-aware requests,
// outbound rate limiting and request metrics.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/semaphore"

	"github.com/relaybot/relaybot/internal/config"
	"github.com/relaybot/relaybot/internal/core/engine"
	"github.com/relaybot/relaybot/internal/metrics"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxThrottle    = 2 * time.Second
	maxMessageLength      = 4096
)

var secretTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// ThrottledError is returned by SendText when the outbound limiter would
// hold a message longer than the client is willing to wait.
type ThrottledError struct {
	Key  string
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("outbound limit for %s, retry in %s", e.Key, e.Wait.Round(time.Millisecond))
}

// WebhookOptions are the setWebhook parameters relaybot manages.
type WebhookOptions struct {
	URL                string
	SecretToken        string
	MaxConnections     int
	AllowedUpdates     []string
	DropPendingUpdates bool
}

// Validate checks the options against Bot API constraints.
func (o WebhookOptions) Validate() error {
	parsed, err := url.Parse(strings.TrimSpace(o.URL))
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("webhook url %q is not a valid absolute URL", o.URL)
	}
	if parsed.Scheme != "https" {
		return errors.New("webhook url must use https")
	}
	if o.SecretToken != "" && !secretTokenPattern.MatchString(o.SecretToken) {
		return errors.New("secret token must be 1-256 characters of A-Z, a-z, 0-9, _ or -")
	}
	if o.MaxConnections < 0 || o.MaxConnections > 100 {
		return fmt.Errorf("max connections must be 0 (Telegram default) or 1-100, got %d", o.MaxConnections)
	}
	return nil
}

// WebhookOptionsFromConfig maps the telegram config section to options.
func WebhookOptionsFromConfig(cfg config.TelegramConfig) WebhookOptions {
	return WebhookOptions{
		URL:                cfg.WebhookURL,
		SecretToken:        cfg.SecretToken,
		MaxConnections:     cfg.MaxConnections,
		AllowedUpdates:     cfg.AllowedUpdates,
		DropPendingUpdates: cfg.DropPendingUpdates,
	}
}

// Client talks to the Bot API on behalf of one bot token.
type Client struct {
	bot         *tgbotapi.BotAPI
	http        tgbotapi.HTTPClient
	limiter     *engine.RateLimiter
	maxThrottle time.Duration
	sleep       func(ctx context.Context, d time.Duration) error

	// sendGate makes the limiter check and record one step per send.
	sendGate *semaphore.Weighted
}

type options struct {
	httpClient  tgbotapi.HTTPClient
	limiter     *engine.RateLimiter
	maxThrottle time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(client tgbotapi.HTTPClient) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithLimiter enables outbound rate limiting for SendText.
func WithLimiter(limiter *engine.RateLimiter) Option {
	return func(o *options) {
		o.limiter = limiter
	}
}

// WithMaxThrottleWait sets how long SendText waits for the limiter before
// giving up with a ThrottledError. Zero never waits.
func WithMaxThrottleWait(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.maxThrottle = d
		}
	}
}

// New validates the token with getMe and returns a ready client.
func New(ctx context.Context, cfg config.TelegramConfig, opts ...Option) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	o := options{
		httpClient:  &http.Client{Timeout: timeout},
		maxThrottle: defaultMaxThrottle,
	}
	for _, opt := range opts {
		opt(&o)
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint(cfg.APIEndpoint), contextClient{ctx: ctx, base: o.httpClient})
	metrics.RecordTelegramRequest("getMe", err == nil)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	bot.Client = o.httpClient

	return &Client{
		bot:         bot,
		http:        o.httpClient,
		limiter:     o.limiter,
		maxThrottle: o.maxThrottle,
		sleep:       sleepContext,
		sendGate:    semaphore.NewWeighted(1),
	}, nil
}

// Self returns the bot account resolved at startup.
func (c *Client) Self() tgbotapi.User {
	return c.bot.Self
}

// SetWebhook registers the public webhook URL, including the secret token
// Telegram echoes back in X-Telegram-Bot-Api-Secret-Token.
func (c *Client) SetWebhook(ctx context.Context, opts WebhookOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	params := tgbotapi.Params{}
	params.AddNonEmpty("url", strings.TrimSpace(opts.URL))
	params.AddNonEmpty("secret_token", opts.SecretToken)
	params.AddNonZero("max_connections", opts.MaxConnections)
	params.AddBool("drop_pending_updates", opts.DropPendingUpdates)
	if len(opts.AllowedUpdates) > 0 {
		if err := params.AddInterface("allowed_updates", opts.AllowedUpdates); err != nil {
			return fmt.Errorf("encode allowed updates: %w", err)
		}
	}

	_, err := c.request(ctx, "setWebhook", func(bot *tgbotapi.BotAPI) (*tgbotapi.APIResponse, error) {
		return bot.MakeRequest("setWebhook", params)
	})
	return err
}

// DeleteWebhook removes the webhook, optionally dropping queued updates.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := c.request(ctx, "deleteWebhook", func(bot *tgbotapi.BotAPI) (*tgbotapi.APIResponse, error) {
		return bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending})
	})
	return err
}

// WebhookInfo reports the webhook Telegram currently has on file.
func (c *Client) WebhookInfo(ctx context.Context) (tgbotapi.WebhookInfo, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.WebhookInfo{}, err
	}
	info, err := c.withContext(ctx).GetWebhookInfo()
	metrics.RecordTelegramRequest("getWebhookInfo", err == nil)
	if err != nil {
		return tgbotapi.WebhookInfo{}, fmt.Errorf("getWebhookInfo: %w", err)
	}
	return info, nil
}

// SendText sends a plain text message, honoring the per-chat and global
// outbound limits. Negative chat IDs are groups and use the group limit.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) (tgbotapi.Message, error) {
	if strings.TrimSpace(text) == "" {
		return tgbotapi.Message{}, errors.New("message text is required")
	}
	if len(text) > maxMessageLength {
		text = truncate(text, maxMessageLength)
	}

	chatKey := engine.ChatKey(chatID, chatID < 0)
	if err := c.throttle(ctx, engine.GlobalKey, chatKey); err != nil {
		return tgbotapi.Message{}, err
	}

	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	message, err := c.withContext(ctx).Send(tgbotapi.NewMessage(chatID, text))
	metrics.RecordTelegramRequest("sendMessage", err == nil)
	if err != nil {
		c.noteFlood(ctx, chatKey, err)
		return tgbotapi.Message{}, fmt.Errorf("sendMessage: %w", err)
	}
	return message, nil
}

// throttle waits until every key has room, then records the send against
// all of them. Check and record run under sendGate; after any sleep every key
// is checked again, with the total wait capped at maxThrottle.
func (c *Client) throttle(ctx context.Context, keys ...string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.sendGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sendGate.Release(1)

	var waited time.Duration
	for i := 0; i < len(keys); {
		key := keys[i]
		allowed, wait, err := c.limiter.Allow(ctx, key)
		if err != nil {
			return fmt.Errorf("check outbound limit: %w", err)
		}
		if allowed {
			i++
			continue
		}
		if waited+wait > c.maxThrottle {
			metrics.RecordTelegramThrottled("limiter")
			return &ThrottledError{Key: key, Wait: wait}
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
		i = 0
	}

	for _, key := range keys {
		if err := c.limiter.Record(ctx, key); err != nil {
			return fmt.Errorf("record outbound send: %w", err)
		}
	}
	return nil
}

// noteFlood turns a Bot API 429 into a limiter backoff for the chat.
func (c *Client) noteFlood(ctx context.Context, key string, err error) {
	retryAfter, ok := RetryAfter(err)
	if !ok {
		return
	}
	metrics.RecordTelegramThrottled("telegram")
	if c.limiter != nil {
		_ = c.limiter.Record429(ctx, key, retryAfter)
	}
}

func (c *Client) request(ctx context.Context, method string, call func(*tgbotapi.BotAPI) (*tgbotapi.APIResponse, error)) (*tgbotapi.APIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := call(c.withContext(ctx))
	metrics.RecordTelegramRequest(method, err == nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return resp, nil
}

// withContext returns a shallow copy of the bot whose requests carry ctx.
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *c.bot
	bot.Client = contextClient{ctx: ctx, base: c.http}
	return &bot
}

// RetryAfter extracts Telegram's flood-control hint from an API error.
func RetryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return 0, false
	}
	if apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second, true
	}
	if apiErr.Code == http.StatusTooManyRequests {
		return time.Second, true
	}
	return 0, false
}

type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

func apiEndpoint(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return tgbotapi.APIEndpoint
	}
	if strings.Contains(configured, "%s") {
		return configured
	}
	return strings.TrimRight(configured, "/") + "/bot%s/%s"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
