// Package whatsapp implements the channels.Channel contract over
// go.mau.fi/whatsmeow, using its sqlite-backed device store for session
// persistence across restarts.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/nanoclaw/nanoclaw/internal/channels"
)

// messageCap is conservative relative to WhatsApp's undocumented but
// much larger practical limit, chosen to keep messages readable.
const messageCap = 4096

// Config configures the WhatsApp adapter.
type Config struct {
	SessionDBPath string // sqlite file for whatsmeow's device store
	Logger        *slog.Logger
}

// Channel implements channels.Channel for WhatsApp.
type Channel struct {
	cfg    Config
	opts   channels.Options
	logger *slog.Logger

	container *sqlstore.Container
	client    *whatsmeow.Client
	selfJID   types.JID

	dedup  *channels.DedupCache
	typing *channels.TypingLimiter

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc

	watchdog *channels.Watchdog
}

// New constructs a WhatsApp Channel.
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
	c.watchdog = channels.NewWatchdog("whatsapp", 5, logger, c.stopTransport, c.startTransport, c.onRecovery)
	return c
}

func (c *Channel) Name() string { return "whatsapp" }

// OwnsJID reports whether jid belongs to the "whatsapp:" scheme.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "whatsapp:")
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
	dbLog := waLog.Stdout("whatsmeow-db", "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", "file:"+c.cfg.SessionDBPath+"?_foreign_keys=on", dbLog)
	if err != nil {
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	clientLog := waLog.Stdout("whatsmeow-client", "WARN", true)
	client := whatsmeow.NewClient(deviceStore, clientLog)
	client.AddEventHandler(c.handleEvent)

	if client.Store.ID == nil {
		// No paired session: the caller is expected to have provisioned
		// one out-of-band via a QR-pairing flow; this adapter only
		// resumes an existing session.
		return fmt.Errorf("whatsapp: no paired session in %s", c.cfg.SessionDBPath)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	c.client = client
	c.selfJID = client.Store.ID.ToNonAD()
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("whatsapp connected", "jid", c.selfJID.String())
	return nil
}

func (c *Channel) stopTransport(ctx context.Context) error {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	if c.client != nil {
		c.client.Disconnect()
	}
	return nil
}

func (c *Channel) onRecovery() {
	c.logger.Info("whatsapp recovered", "channel", "whatsapp")
	if c.opts.OnRecovery != nil {
		c.opts.OnRecovery(c.Name())
	}
}

func (c *Channel) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.watchdog.Touch()
	case *events.KeepAliveTimeout:
		c.watchdog.Touch() // heartbeat, not a genuine event, but still liveness signal
	case *events.Message:
		c.watchdog.Touch()
		c.handleMessage(v)
	}
}

func (c *Channel) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	dedupKey := fmt.Sprintf("whatsapp:%s:%s", evt.Info.Chat.String(), evt.Info.ID)
	if c.dedup.SeenBefore(dedupKey) {
		return
	}

	content := extractText(evt.Message)
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	jid := "whatsapp:" + evt.Info.Chat.String()
	if c.opts.OnChatMetadata != nil {
		c.opts.OnChatMetadata(jid, evt.Info.Timestamp, evt.Info.PushName, c.Name(), evt.Info.IsGroup)
	}
	if c.opts.IsRegistered != nil && !c.opts.IsRegistered(jid) {
		return
	}
	if c.opts.OnMessage == nil {
		return
	}
	c.opts.OnMessage(context.Background(), jid, channels.NewMessage{
		ID:         evt.Info.ID,
		SenderJID:  "whatsapp:" + evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Content:    content,
		Timestamp:  evt.Info.Timestamp,
	})
}

func extractText(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.GetConversation() != "" {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// SendMessage splits text across multiple sends when it exceeds the
// conservative per-message cap.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	target, err := types.ParseJID(strings.TrimPrefix(jid, "whatsapp:"))
	if err != nil {
		return channels.SendResult{}, fmt.Errorf("whatsapp: invalid jid %q: %w", jid, err)
	}
	var last time.Time
	for _, chunk := range channels.SplitForLimit(text, messageCap) {
		resp, err := c.client.SendMessage(ctx, target, &waProto.Message{
			Conversation: proto.String(chunk),
		})
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("whatsapp: send: %w", err)
		}
		last = resp.Timestamp
	}
	return channels.SendResult{Timestamp: last}, nil
}

// React sends emoji as a reaction to targetMessageID, the WhatsApp message
// ID it targets. An empty emoji clears a previously sent reaction, per
// whatsmeow's reaction-message semantics.
func (c *Channel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	target, err := types.ParseJID(strings.TrimPrefix(jid, "whatsapp:"))
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %q: %w", jid, err)
	}
	key := &waProto.MessageKey{
		RemoteJid: proto.String(target.String()),
		FromMe:    proto.Bool(false),
		Id:        proto.String(targetMessageID),
	}
	_, err = c.client.SendMessage(ctx, target, &waProto.Message{
		ReactionMessage: &waProto.ReactionMessage{
			Key:               key,
			Text:              proto.String(emoji),
			SenderTimestampMs: proto.Int64(time.Now().UnixMilli()),
		},
	})
	if err != nil {
		return fmt.Errorf("whatsapp: react: %w", err)
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !c.typing.Allow(jid) {
		return nil
	}
	target, err := types.ParseJID(strings.TrimPrefix(jid, "whatsapp:"))
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, target, state, types.ChatPresenceMediaText)
}
