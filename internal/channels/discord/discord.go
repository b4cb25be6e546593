// Package discord implements the channels.Channel contract over
// discordgo's websocket gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nanoclaw/nanoclaw/internal/channels"
)

// messageCap is Discord's per-message character limit.
const messageCap = 2000

// Config configures the Discord adapter.
type Config struct {
	BotToken string
	Logger   *slog.Logger
}

// Channel implements channels.Channel for Discord.
type Channel struct {
	cfg    Config
	opts   channels.Options
	logger *slog.Logger

	session *discordgo.Session
	botID   string
	mention *regexp.Regexp

	dedup  *channels.DedupCache
	typing *channels.TypingLimiter

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc

	watchdog *channels.Watchdog
}

// New constructs a Discord Channel.
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
	c.watchdog = channels.NewWatchdog("discord", 5, logger, c.stopTransport, c.startTransport, c.onRecovery)
	return c
}

func (c *Channel) Name() string { return "discord" }

// OwnsJID reports whether jid belongs to the "discord:" scheme.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "discord:")
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
	return nil
}

func (c *Channel) Disconnect(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.stopTransport(ctx)
}

func (c *Channel) startTransport(ctx context.Context) error {
	session, err := discordgo.New("Bot " + c.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: new session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, ev *discordgo.Ready) {
		c.botID = ev.User.ID
		c.mention = regexp.MustCompile(`<@!?` + regexp.QuoteMeta(c.botID) + `>`)
		c.watchdog.Touch()
	})
	session.AddHandler(func(s *discordgo.Session, ev *discordgo.MessageCreate) {
		c.watchdog.Touch()
		c.handleMessage(context.Background(), ev)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.session = session
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("discord gateway connected")
	return nil
}

func (c *Channel) stopTransport(ctx context.Context) error {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	if c.session != nil {
		return c.session.Close()
	}
	return nil
}

func (c *Channel) onRecovery() {
	c.logger.Info("discord recovered", "channel", "discord")
	if c.opts.OnRecovery != nil {
		c.opts.OnRecovery(c.Name())
	}
}

func (c *Channel) handleMessage(ctx context.Context, ev *discordgo.MessageCreate) {
	if ev.Author == nil || ev.Author.Bot || ev.Author.ID == c.botID {
		return
	}
	dedupKey := fmt.Sprintf("discord:%s", ev.ID)
	if c.dedup.SeenBefore(dedupKey) {
		return
	}

	content := ev.Content
	if c.mention != nil {
		content = channels.NormalizeMention(content, c.mention)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	jid := "discord:" + ev.ChannelID
	ts := ev.Timestamp
	isGroup := ev.GuildID != ""

	if c.opts.OnChatMetadata != nil {
		c.opts.OnChatMetadata(jid, ts, "", c.Name(), isGroup)
	}
	if c.opts.IsRegistered != nil && !c.opts.IsRegistered(jid) {
		return
	}
	if c.opts.OnMessage == nil {
		return
	}
	c.opts.OnMessage(ctx, jid, channels.NewMessage{
		ID:         ev.ID,
		SenderJID:  "discord:" + ev.Author.ID,
		SenderName: ev.Author.Username,
		Content:    content,
		Timestamp:  ts,
	})
}

// SendMessage splits text exceeding Discord's 2000-char cap across
// multiple posts, delivered in order.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	channelID := strings.TrimPrefix(jid, "discord:")
	var last *discordgo.Message
	for _, chunk := range channels.SplitForLimit(text, messageCap) {
		msg, err := c.session.ChannelMessageSend(channelID, chunk)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("discord: send: %w", err)
		}
		last = msg
	}
	if last == nil {
		return channels.SendResult{}, nil
	}
	return channels.SendResult{Timestamp: last.Timestamp}, nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing || !c.typing.Allow(jid) {
		return nil
	}
	channelID := strings.TrimPrefix(jid, "discord:")
	return c.session.ChannelTyping(channelID)
}

// React adds emoji (a unicode emoji or custom emoji ID) as a reaction to
// targetMessageID.
func (c *Channel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	channelID := strings.TrimPrefix(jid, "discord:")
	if err := c.session.MessageReactionAdd(channelID, targetMessageID, emoji); err != nil {
		return fmt.Errorf("discord: react: %w", err)
	}
	return nil
}
