// Package slack implements the channels.Channel contract over Slack's
// Socket Mode, adapted from the socketmode event-loop shape and
// allowlist-gated client wrapper used elsewhere in the retrieval pack.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nanoclaw/nanoclaw/internal/channels"
)

// messageCap is Slack's documented per-message character limit.
const messageCap = 40000

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>`)

// Config configures the Slack adapter.
type Config struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// Channel implements channels.Channel for Slack via Socket Mode.
type Channel struct {
	cfg    Config
	opts   channels.Options
	logger *slog.Logger

	api    *slack.Client
	socket *socketmode.Client
	botID  string

	dedup  *channels.DedupCache
	typing *channels.TypingLimiter

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc

	watchdog *channels.Watchdog
}

// New constructs a Slack Channel.
func New(cfg Config, opts channels.Options) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		cfg:    cfg,
		opts:   opts,
		logger: logger,
		dedup:  channels.NewDedupCache(),
		typing: channels.NewTypingLimiter(4 * time.Second),
	}
	c.watchdog = channels.NewWatchdog("slack", 5, logger, c.stopTransport, c.startTransport, c.onRecovery)
	return c
}

func (c *Channel) Name() string { return "slack" }

// OwnsJID reports whether jid belongs to the "slack:" scheme.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "slack:")
}

func (c *Channel) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Channel) Connect(ctx context.Context) error {
	if err := c.startTransport(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.watchdog.Run(runCtx)
	go c.runSocket(runCtx)
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.stopTransport(ctx)
}

func (c *Channel) startTransport(ctx context.Context) error {
	c.api = slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botID = auth.UserID
	c.socket = socketmode.New(c.api)
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("slack socket mode started", "bot_id", c.botID)
	return nil
}

func (c *Channel) stopTransport(ctx context.Context) error {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

func (c *Channel) onRecovery() {
	c.logger.Info("slack recovered", "channel", "slack")
	if c.opts.OnRecovery != nil {
		c.opts.OnRecovery(c.Name())
	}
}

func (c *Channel) runSocket(ctx context.Context) {
	go func() {
		for evt := range c.socket.Events {
			c.watchdog.Touch()
			c.handleEvent(ctx, evt)
		}
	}()
	if err := c.socket.RunContext(ctx); err != nil {
		c.logger.Warn("slack socket mode stopped", "error", err)
	}
}

func (c *Channel) handleEvent(ctx context.Context, evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		c.socket.Ack(*evt.Request)
	}

	inner := eventsAPIEvent.InnerEvent
	switch ev := inner.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessageEvent(ctx, ev)
	case *slackevents.AppMentionEvent:
		c.handleAppMention(ctx, ev)
	}
}

func (c *Channel) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	// Drop subtypes that aren't genuine user text (edits, deletes, joins,
	// bot_message echoes, channel_topic changes, etc).
	if ev.SubType != "" {
		return
	}
	c.dispatch(ctx, ev.Channel, ev.User, ev.Text, ev.TimeStamp, ev.BotID != "")
}

func (c *Channel) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	c.dispatch(ctx, ev.Channel, ev.User, ev.Text, ev.TimeStamp, false)
}

func (c *Channel) dispatch(ctx context.Context, channelID, userID, text, ts string, isBot bool) {
	if userID == c.botID || isBot {
		return
	}
	dedupKey := fmt.Sprintf("slack:%s:%s", channelID, ts)
	if c.dedup.SeenBefore(dedupKey) {
		return
	}

	content := channels.NormalizeMention(text, mentionPattern)
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	jid := "slack:" + channelID
	if c.opts.OnChatMetadata != nil {
		c.opts.OnChatMetadata(jid, slackTSToTime(ts), "", c.Name(), strings.HasPrefix(channelID, "C"))
	}
	if c.opts.IsRegistered != nil && !c.opts.IsRegistered(jid) {
		return
	}
	if c.opts.OnMessage == nil {
		return
	}
	c.opts.OnMessage(ctx, jid, channels.NewMessage{
		ID:         ts,
		SenderJID:  "slack:" + userID,
		SenderName: userID,
		Content:    content,
		Timestamp:  slackTSToTime(ts),
	})
}

// SendMessage splits text exceeding Slack's 40000-char cap across
// multiple posts, delivered in order.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	channelID := strings.TrimPrefix(jid, "slack:")
	var ts string
	for _, chunk := range channels.SplitForLimit(text, messageCap) {
		_, sentTS, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false))
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("slack: post message: %w", err)
		}
		ts = sentTS
	}
	return channels.SendResult{Timestamp: slackTSToTime(ts)}, nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	// Slack's Events API has no direct typing-indicator endpoint for bot
	// users; treated as a no-op, which the contract explicitly allows.
	return nil
}

// React adds emoji as a reaction to targetMessageID (a Slack message
// timestamp).
func (c *Channel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	channelID := strings.TrimPrefix(jid, "slack:")
	item := slack.NewRefToMessage(channelID, targetMessageID)
	if err := c.api.AddReactionContext(ctx, emoji, item); err != nil {
		return fmt.Errorf("slack: react: %w", err)
	}
	return nil
}

func slackTSToTime(ts string) time.Time {
	var sec, nsec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &nsec); err != nil {
		return time.Time{}
	}
	return time.Unix(sec, nsec)
}
