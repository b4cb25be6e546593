// Package telegram implements the channels.Channel contract over the
// Telegram Bot API: a long-polling reconnect loop plus chat-ID allowlist
// gating.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nanoclaw/nanoclaw/internal/channels"
)

// messageCap is Telegram's per-message character limit.
const messageCap = 4096

// Config configures the Telegram adapter.
type Config struct {
	Token      string
	AllowedIDs []int64
	Logger     *slog.Logger
}

// Channel implements channels.Channel for Telegram.
type Channel struct {
	cfg    Config
	opts   channels.Options
	logger *slog.Logger
	bot    *tgbotapi.BotAPI

	dedup   *channels.DedupCache
	typing  *channels.TypingLimiter
	allowed map[int64]struct{}

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc

	watchdog *channels.Watchdog
}

// New constructs a Telegram Channel. Connect performs the actual bot API
// authentication.
func New(cfg Config, opts channels.Options) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	c := &Channel{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		dedup:   channels.NewDedupCache(),
		typing:  channels.NewTypingLimiter(4 * time.Second),
		allowed: allowed,
	}
	c.watchdog = channels.NewWatchdog("telegram", 5, logger, c.stopTransport, c.startTransport, c.onRecovery)
	return c
}

func (c *Channel) Name() string { return "telegram" }

// OwnsJID reports whether jid belongs to the "tg:" scheme.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "tg:")
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
	go c.pollLoop(runCtx)
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.stopTransport(ctx)
}

func (c *Channel) startTransport(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram: init bot: %w", err)
	}
	c.bot = bot
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("telegram bot started", "user", bot.Self.UserName)
	return nil
}

func (c *Channel) stopTransport(ctx context.Context) error {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

func (c *Channel) onRecovery() {
	c.logger.Info("telegram recovered", "channel", "telegram")
	if c.opts.OnRecovery != nil {
		c.opts.OnRecovery(c.Name())
	}
}

// pollLoop drains Telegram's long-poll update channel, feeding the
// watchdog's lastEventTS on every update and dispatching filtered
// messages to opts.OnMessage.
func (c *Channel) pollLoop(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.watchdog.Touch()
			if update.Message == nil {
				continue
			}
			c.handleMessage(ctx, update.Message)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if len(c.allowed) > 0 {
		if _, ok := c.allowed[msg.From.ID]; !ok {
			c.logger.Warn("telegram access denied", "user_id", msg.From.ID)
			return
		}
	}

	dedupKey := fmt.Sprintf("tg:%d:%d", msg.Chat.ID, msg.MessageID)
	if c.dedup.SeenBefore(dedupKey) {
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	if msg.From.IsBot {
		return
	}

	jid := fmt.Sprintf("tg:%d", msg.Chat.ID)
	name := msg.From.UserName
	if name == "" {
		name = msg.From.FirstName
	}

	if c.opts.OnChatMetadata != nil {
		c.opts.OnChatMetadata(jid, time.Unix(int64(msg.Date), 0), msg.Chat.Title, c.Name(), msg.Chat.IsGroup() || msg.Chat.IsSuperGroup())
	}

	if c.opts.IsRegistered != nil && !c.opts.IsRegistered(jid) {
		return
	}
	if c.opts.OnMessage == nil {
		return
	}

	c.opts.OnMessage(ctx, jid, channels.NewMessage{
		ID:         fmt.Sprintf("%d", msg.MessageID),
		SenderJID:  fmt.Sprintf("tg:%d", msg.From.ID),
		SenderName: name,
		Content:    content,
		Timestamp:  time.Unix(int64(msg.Date), 0),
		SourceTS:   int64(msg.Date),
	})
}

// SendMessage splits text exceeding Telegram's 4096-char cap across
// multiple messages, delivered in order.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return channels.SendResult{}, err
	}
	var last tgbotapi.Message
	for _, chunk := range channels.SplitForLimit(text, messageCap) {
		m := tgbotapi.NewMessage(chatID, chunk)
		sent, err := c.bot.Send(m)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("telegram: send: %w", err)
		}
		last = sent
	}
	return channels.SendResult{Timestamp: time.Unix(int64(last.Date), 0)}, nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing || !c.typing.Allow(jid) {
		return nil
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err = c.bot.Request(action)
	return err
}

// React sets an emoji reaction on a previously sent Telegram message via
// the bot API's setMessageReaction method, which tgbotapi wraps through
// its generic MakeRequest rather than a dedicated Chattable.
func (c *Channel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return fmt.Errorf("telegram: encode reaction: %w", err)
	}
	params := tgbotapi.Params{
		"chat_id":     strconv.FormatInt(chatID, 10),
		"message_id":  targetMessageID,
		"reaction":    string(reaction),
		"is_big":      "false",
	}
	if _, err := c.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram: react: %w", err)
	}
	return nil
}

func chatIDFromJID(jid string) (int64, error) {
	rest := strings.TrimPrefix(jid, "tg:")
	var id int64
	if _, err := fmt.Sscanf(rest, "%d", &id); err != nil {
		return 0, fmt.Errorf("telegram: invalid jid %q: %w", jid, err)
	}
	return id, nil
}
