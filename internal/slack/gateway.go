package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"

	"otto/internal/async"
	"otto/internal/logging"
	"otto/internal/observability"
	"otto/internal/task"
)

const (
	maxBodySize         = 1 << 20
	eventDedupCacheSize = 2048
	eventDedupTTL       = 10 * time.Minute

	headerTimestamp = "X-Slack-Request-Timestamp"
	headerSignature = "X-Slack-Signature"
	headerRetryNum  = "X-Slack-Retry-Num"
)

// stopPhrases is the kill-switch vocabulary. Matching is exact-phrase and
// case-insensitive, never substring: "please stop the research" must not trip it.
var stopPhrases = map[string]bool{
	"stop":        true,
	"stop all":    true,
	"cancel all":  true,
	"abort":       true,
	"kill switch": true,
}

// Config holds the gateway's Slack integration settings.
type Config struct {
	SigningSecret string `mapstructure:"signing_secret"`
	BotToken      string `mapstructure:"bot_token"`
	BotUserID     string `mapstructure:"bot_user_id"`
}

// Dispatcher is the narrow dispatch surface the gateway needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req task.Request) (string, error)
}

// Canceller is the kill-switch surface the gateway needs.
type Canceller interface {
	CancelAll(ctx context.Context, userID string, statuses []task.Status) (int, error)
}

type eventEnvelope struct {
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	Type      string          `json:"type"` // "url_verification", "event_callback"
	Event     json.RawMessage `json:"event"`
	EventID   string          `json:"event_id"`
}

type messageEvent struct {
	Type     string `json:"type"` // "message", "app_mention"
	Text     string `json:"text"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	SubType  string `json:"subtype,omitempty"`
}

// Gateway admits Slack Events API deliveries, authenticates them, and converts
// validated messages into dispatch requests. It always answers the platform
// within its delivery timeout; real work happens after the acknowledgement.
type Gateway struct {
	cfg        Config
	verifier   *Verifier
	messenger  Messenger
	dispatcher Dispatcher
	canceller  Canceller
	dedupCache *lru.Cache[string, time.Time]
	logger     logging.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithMetrics attaches delivery-outcome metrics.
func WithMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway constructs a gateway. messenger may be nil when the integration
// has no posting capability configured; placeholders are then skipped.
func NewGateway(cfg Config, dispatcher Dispatcher, canceller Canceller, messenger Messenger, logger logging.Logger, opts ...GatewayOption) (*Gateway, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("slack gateway requires a dispatcher")
	}
	if canceller == nil {
		return nil, fmt.Errorf("slack gateway requires a canceller")
	}
	dedupCache, err := lru.New[string, time.Time](eventDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("slack event deduper init: %w", err)
	}
	g := &Gateway{
		cfg:        cfg,
		verifier:   NewVerifier(cfg.SigningSecret),
		messenger:  messenger,
		dispatcher: dispatcher,
		canceller:  canceller,
		dedupCache: dedupCache,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// HandleEvents is the gin handler for POST /slack/events.
//
// Error boundary: transport/auth failures are the only non-200 responses.
// Everything past signature verification is acknowledged with 200 and any
// internal failure is logged, never surfaced; Slack retrying cannot fix it.
func (g *Gateway) HandleEvents(c *gin.Context) {
	if g.cfg.SigningSecret == "" {
		g.logger.Error("Slack signing secret not configured")
		g.metrics.ObserveWebhook("misconfigured")
		c.JSON(500, gin.H{"error": "server misconfigured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.JSON(200, gin.H{"ok": true})
		return
	}

	if !g.verifier.Verify(body, c.GetHeader(headerTimestamp), c.GetHeader(headerSignature)) {
		g.logger.Warn("Invalid Slack signature from %s", c.ClientIP())
		g.metrics.ObserveWebhook("rejected")
		c.JSON(401, gin.H{"error": "invalid signature"})
		return
	}

	// A redelivery means the first attempt was already admitted; acknowledge
	// and do nothing so at-least-once delivery cannot duplicate work.
	if retryNum := c.GetHeader(headerRetryNum); retryNum != "" && retryNum != "0" {
		g.logger.Debug("Skipping Slack redelivery (retry %s)", retryNum)
		g.metrics.ObserveWebhook("duplicate")
		c.JSON(200, gin.H{"ok": true})
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		g.logger.Warn("Malformed Slack envelope: %v", err)
		c.JSON(200, gin.H{"ok": true})
		return
	}

	switch envelope.Type {
	case "url_verification":
		g.metrics.ObserveWebhook("challenge")
		c.JSON(200, gin.H{"challenge": envelope.Challenge})
		return

	case "event_callback":
		if envelope.EventID != "" && g.isDuplicate(envelope.EventID) {
			g.metrics.ObserveWebhook("duplicate")
			c.JSON(200, gin.H{"ok": true})
			return
		}

		var event messageEvent
		if err := json.Unmarshal(envelope.Event, &event); err != nil {
			g.logger.Warn("Malformed Slack event: %v", err)
			c.JSON(200, gin.H{"ok": true})
			return
		}

		// Acknowledge inside the delivery budget; process afterwards.
		g.metrics.ObserveWebhook("accepted")
		c.JSON(200, gin.H{"ok": true})
		async.Go(g.logger, "slack-event", func() {
			g.processEvent(context.Background(), event)
		})
		return
	}

	c.JSON(200, gin.H{"ok": true})
}

// isDuplicate records eventID and reports whether it was already seen within
// the dedup TTL.
func (g *Gateway) isDuplicate(eventID string) bool {
	now := g.now()
	if seen, ok := g.dedupCache.Get(eventID); ok && now.Sub(seen) < eventDedupTTL {
		return true
	}
	g.dedupCache.Add(eventID, now)
	return false
}

func (g *Gateway) processEvent(ctx context.Context, event messageEvent) {
	// Loop prevention: never react to the integration's own automation.
	if event.BotID != "" || event.SubType != "" {
		return
	}
	if event.Type != "message" && event.Type != "app_mention" {
		return
	}

	text := g.stripSelfMention(event.Text)
	if text == "" {
		return
	}
	if event.User == "" {
		g.logger.Warn("Slack event without resolvable user in channel %s; dropping", event.Channel)
		return
	}

	if isStopPhrase(text) {
		g.handleKillSwitch(ctx, event)
		return
	}

	// Post a transient placeholder so a worker can edit it in place later.
	placeholderTS := ""
	if g.messenger != nil {
		ts, err := g.messenger.PostMessage(ctx, event.Channel, threadTS(event), "Working on it…")
		if err != nil {
			g.logger.Warn("Placeholder post failed: %v", err)
		} else {
			placeholderTS = ts
		}
	}

	// Fire-and-forget: the enqueue is the unit of work; its outcome is not
	// observable to Slack and errors are only logged.
	taskID, err := g.dispatcher.Dispatch(ctx, task.Request{
		UserID:  event.User,
		Message: text,
		Source: task.Source{
			Kind:          "slack",
			Channel:       event.Channel,
			ThreadTS:      threadTS(event),
			PlaceholderTS: placeholderTS,
		},
	})
	if err != nil {
		g.logger.Error("Dispatch from Slack failed: %v", err)
		return
	}
	g.logger.Info("Dispatched task %s from Slack channel %s", taskID, event.Channel)
}

// handleKillSwitch bulk-cancels the user's in-flight tasks and reports the
// count back synchronously. Zero is reported explicitly, not as silence.
func (g *Gateway) handleKillSwitch(ctx context.Context, event messageEvent) {
	count, err := g.canceller.CancelAll(ctx, event.User, task.CancellableStatuses())
	if err != nil {
		g.logger.Error("Kill switch for user %s: %v", event.User, err)
		return
	}
	g.logger.Info("Kill switch stopped %d task(s) for user %s", count, event.User)

	if g.messenger == nil {
		return
	}
	ack := fmt.Sprintf("Stopped %d task(s).", count)
	if _, err := g.messenger.PostMessage(ctx, event.Channel, threadTS(event), ack); err != nil {
		g.logger.Warn("Kill switch ack failed: %v", err)
	}
}

// stripSelfMention removes one leading bot mention token from the text.
func (g *Gateway) stripSelfMention(text string) string {
	text = strings.TrimSpace(text)
	if g.cfg.BotUserID != "" {
		mention := "<@" + g.cfg.BotUserID + ">"
		text = strings.TrimSpace(strings.TrimPrefix(text, mention))
	}
	return text
}

func isStopPhrase(text string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	cleaned = strings.TrimRight(cleaned, ".!?")
	cleaned = strings.TrimSpace(cleaned)
	return stopPhrases[cleaned]
}

func threadTS(event messageEvent) string {
	if event.ThreadTS != "" {
		return event.ThreadTS
	}
	return event.TS
}
