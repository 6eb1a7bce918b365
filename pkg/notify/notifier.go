package notify

import (
	"context"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/aether-os/aether/pkg/events"
)

const postTimeout = 5 * time.Second

// lookupURL resolves a webhook ID to its target URL for richer messages.
// Optional; a nil lookup leaves the URL blank.
type lookupURL func(webhookID string) string

// Notifier turns kernel incidents into Slack messages.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	client     *Client
	webhookURL lookupURL
	logger     *slog.Logger
}

// Config holds the parameters needed to construct a Notifier.
type Config struct {
	Token   string
	Channel string
}

// New creates a notifier. Returns nil if Token or Channel is empty, which
// disables notifications throughout the kernel.
func New(cfg Config) *Notifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return NewWithClient(NewClient(cfg.Token, cfg.Channel))
}

// NewWithClient creates a Notifier backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewWithClient(client *Client) *Notifier {
	return &Notifier{
		client: client,
		logger: slog.Default().With("component", "notify"),
	}
}

// SetWebhookLookup installs a resolver from webhook ID to target URL.
func (n *Notifier) SetWebhookLookup(fn func(webhookID string) string) {
	if n == nil {
		return
	}
	n.webhookURL = fn
}

// Run consumes bus events until ctx ends. Fail-open: post errors are
// logged, never propagated.
func (n *Notifier) Run(ctx context.Context, bus *events.Bus) {
	if n == nil {
		return
	}
	sub := bus.Subscribe("*", events.DefaultBuffer)
	defer bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.EventProcessExit:
		code, _ := asInt(ev.Field("code"))
		if code == 0 {
			return
		}
		uid, _ := ev.Field("uid").(string)
		role, _ := ev.Field("role").(string)
		n.post(ctx, BuildProcessFailedMessage(ev.PID, uid, role, code))
	case events.EventResourceExceeded:
		reason, _ := ev.Field("reason").(string)
		n.post(ctx, BuildQuotaExceededMessage(ev.PID, reason))
	case events.EventWebhookFailed:
		id, _ := ev.Field("webhook_id").(string)
		errMsg, _ := ev.Field("error").(string)
		var url string
		if n.webhookURL != nil {
			url = n.webhookURL(id)
		}
		n.post(ctx, BuildWebhookDLQMessage(id, url, errMsg))
	}
}

func (n *Notifier) post(ctx context.Context, blocks []goslack.Block) {
	if err := n.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		n.logger.Error("failed to post notification", slog.Any("error", err))
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
