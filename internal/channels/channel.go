// Package channels defines the Channel Adapter contract every chat
// provider (WhatsApp, Signal, Slack, Telegram, Discord) implements, plus
// the shared reconnect/circuit-breaker state machine and inbound
// deduplication/filtering helpers common to all of them.
package channels

import (
	"context"
	"time"
)

// NewMessage is one inbound chat message handed to the orchestrator.
type NewMessage struct {
	ID         string
	SenderJID  string
	SenderName string
	Content    string
	Timestamp  time.Time
	SourceTS   int64 // platform-native numeric timestamp, if any
	IsFromMe   bool
	IsBot      bool
}

// SendResult is returned by a successful SendMessage.
type SendResult struct {
	Timestamp time.Time
}

// Options bundles the callbacks every channel is wired with at
// construction, built once by the orchestrator and passed identically to
// every channel so outbound routing never needs per-channel special
// cases.
type Options struct {
	OnMessage      func(ctx context.Context, jid string, msg NewMessage)
	OnChatMetadata func(jid string, ts time.Time, name string, channel string, isGroup bool)
	IsRegistered   func(jid string) bool

	// OnRecovery is invoked after a channel's watchdog reconnects it
	// successfully. The orchestrator responds by re-enqueuing every chat
	// owned by that channel, so messages that arrived during the outage
	// and were merely marked pending (not retried to exhaustion) get
	// picked up instead of waiting for the next inbound message.
	OnRecovery func(channelName string)
}

// Channel is the contract the orchestrator drives; every provider
// adapter implements it.
type Channel interface {
	Name() string
	OwnsJID(jid string) bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SendMessage splits text exceeding the channel's per-message limit
	// and delivers each part in order.
	SendMessage(ctx context.Context, jid, text string) (SendResult, error)
	// SetTyping is best-effort; a no-op implementation is allowed.
	SetTyping(ctx context.Context, jid string, typing bool) error
	// React applies emoji as a reaction to targetMessageID in jid's chat.
	React(ctx context.Context, jid, targetMessageID, emoji string) error
}
