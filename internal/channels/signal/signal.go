// Package signal implements the channels.Channel contract by polling a
// signal-cli-rest-api proxy over plain HTTP. No ecosystem Go SDK for
// Signal appears anywhere in the retrieval pack, so this adapter talks
// to the proxy's REST/JSON-RPC surface directly with net/http — the one
// channel where the standard library, not a third-party client, is the
// correct tool.
package signal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/channels"
)

// messageCap is conservative; signal-cli has no hard documented limit.
const messageCap = 4096

// Config configures the Signal adapter.
type Config struct {
	BaseURL      string // e.g. http://localhost:8080
	Number       string // the registered bot number, E.164
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Channel implements channels.Channel for Signal via a REST proxy.
type Channel struct {
	cfg        Config
	opts       channels.Options
	logger     *slog.Logger
	httpClient *http.Client

	dedup  *channels.DedupCache
	typing *channels.TypingLimiter

	connMu    sync.Mutex
	connected bool
	cancel    context.CancelFunc

	watchdog *channels.Watchdog
}

// New constructs a Signal Channel.
func New(cfg Config, opts channels.Options) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	c := &Channel{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dedup:      channels.NewDedupCache(),
		typing:     channels.NewTypingLimiter(4 * time.Second),
	}
	c.watchdog = channels.NewWatchdog("signal", 5, logger, c.stopTransport, c.startTransport, c.onRecovery)
	return c
}

func (c *Channel) Name() string { return "signal" }

// OwnsJID reports whether jid belongs to the "signal:" scheme, including
// the reserved "signal:group:<base64>" form for group chats.
func (c *Channel) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, "signal:")
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/about", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signal: proxy unreachable: %w", err)
	}
	resp.Body.Close()
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
	c.logger.Info("signal proxy reachable", "base_url", c.cfg.BaseURL)
	return nil
}

func (c *Channel) stopTransport(ctx context.Context) error {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

func (c *Channel) onRecovery() {
	c.logger.Info("signal recovered", "channel", "signal")
	if c.opts.OnRecovery != nil {
		c.opts.OnRecovery(c.Name())
	}
}

type receiveEnvelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceName   string `json:"sourceName"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message          string `json:"message"`
			GroupInfo        *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// pollLoop periodically polls the proxy's /v1/receive endpoint, the
// standard signal-cli-rest-api mechanism for a channel with no push
// transport in this deployment mode.
func (c *Channel) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Channel) poll(ctx context.Context) {
	url := fmt.Sprintf("%s/v1/receive/%s", c.cfg.BaseURL, c.cfg.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("signal: poll failed", "error", err)
		return
	}
	defer resp.Body.Close()
	c.watchdog.Touch()

	var envelopes []receiveEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return
	}
	for _, e := range envelopes {
		c.handleEnvelope(ctx, e)
	}
}

func (c *Channel) handleEnvelope(ctx context.Context, e receiveEnvelope) {
	if e.Envelope.DataMessage == nil {
		return
	}
	content := strings.TrimSpace(e.Envelope.DataMessage.Message)
	if content == "" {
		return
	}

	jid := "signal:" + e.Envelope.Source
	isGroup := false
	if gi := e.Envelope.DataMessage.GroupInfo; gi != nil {
		isGroup = true
		jid = "signal:group:" + base64.StdEncoding.EncodeToString([]byte(gi.GroupID))
	}

	dedupKey := fmt.Sprintf("signal:%s:%d", e.Envelope.Source, e.Envelope.Timestamp)
	if c.dedup.SeenBefore(dedupKey) {
		return
	}

	ts := time.UnixMilli(e.Envelope.Timestamp)
	if c.opts.OnChatMetadata != nil {
		c.opts.OnChatMetadata(jid, ts, e.Envelope.SourceName, c.Name(), isGroup)
	}
	if c.opts.IsRegistered != nil && !c.opts.IsRegistered(jid) {
		return
	}
	if c.opts.OnMessage == nil {
		return
	}
	c.opts.OnMessage(ctx, jid, channels.NewMessage{
		ID:         fmt.Sprintf("%d", e.Envelope.Timestamp),
		SenderJID:  "signal:" + e.Envelope.Source,
		SenderName: e.Envelope.SourceName,
		Content:    content,
		Timestamp:  ts,
		SourceTS:   e.Envelope.Timestamp,
	})
}

// groupTarget double-encodes the group ID for the REST layer's wire
// format: group.<base64(base64)>.
func groupTarget(jid string) (string, bool) {
	rest := strings.TrimPrefix(jid, "signal:group:")
	if rest == jid {
		return "", false
	}
	return "group." + base64.StdEncoding.EncodeToString([]byte(rest)), true
}

// SendMessage splits text across multiple sends when it exceeds the
// conservative per-message cap.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	var recipients []string
	if group, ok := groupTarget(jid); ok {
		recipients = []string{group}
	} else {
		recipients = []string{strings.TrimPrefix(jid, "signal:")}
	}

	var last time.Time
	for _, chunk := range channels.SplitForLimit(text, messageCap) {
		body, _ := json.Marshal(map[string]any{
			"message":    chunk,
			"number":     c.cfg.Number,
			"recipients": recipients,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v2/send", bytes.NewReader(body))
		if err != nil {
			return channels.SendResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return channels.SendResult{}, fmt.Errorf("signal: send: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return channels.SendResult{}, fmt.Errorf("signal: send: status %d", resp.StatusCode)
		}
		last = time.Now()
	}
	return channels.SendResult{Timestamp: last}, nil
}

// SetTyping is a no-op: signal-cli-rest-api exposes no typing-indicator
// endpoint in its JSON-RPC mode.
func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	return nil
}

// React posts a reaction through the proxy's /v1/reactions endpoint.
// targetMessageID is the target message's Signal timestamp; targetAuthor
// (the sender of the reacted-to message) is derived from jid for a direct
// chat, which is the best this adapter can infer without the caller
// supplying it explicitly.
func (c *Channel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	recipient := strings.TrimPrefix(jid, "signal:")
	targetAuthor := recipient
	if group, ok := groupTarget(jid); ok {
		recipient = group
	}
	body, err := json.Marshal(map[string]any{
		"reaction":      emoji,
		"recipient":     recipient,
		"target_author": targetAuthor,
		"timestamp":     targetMessageID,
	})
	if err != nil {
		return fmt.Errorf("signal: encode reaction: %w", err)
	}
	url := fmt.Sprintf("%s/v1/reactions/%s", c.cfg.BaseURL, c.cfg.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signal: react: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("signal: react: status %d", resp.StatusCode)
	}
	return nil
}
