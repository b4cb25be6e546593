// Package orchestrator wires every other package into the running
// system: channel adapters feed inbound messages into the registry and
// queue, the queue drives backend sessions one group at a time, agent
// output streams back out through whichever channel owns the chat, and
// the IPC task lane lets a running agent reach back into the same paths
// (send a message, register a chat, schedule a follow-up, raise an
// alert).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/guard"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/queue"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/schedule"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// recentMessageWindow bounds how far back a channel-specific action's
// message-reference validation looks.
const recentMessageWindow = 200

// mainFolder is the one privileged group folder: its IPC tasks may target
// any other group and it receives every auto-registration notice.
const mainFolder = "main"

// Config holds every dependency the Orchestrator wires together.
type Config struct {
	Store          *store.Store
	Registry       *registry.Registry
	Bus            *bus.Bus
	Logger         *slog.Logger
	IPCRoot        string
	DefaultBackend string

	MaxConcurrent int
	MaxRetries    int
	BaseDelay     time.Duration
	RecoveryGate  time.Duration

	ScheduleInterval time.Duration
}

// Orchestrator owns the queue, the set of wired channels and backends, the
// IPC task watchers, and the schedule lane.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	bus      *bus.Bus
	logger   *slog.Logger

	backendsMu sync.RWMutex
	backends   map[string]backend.Backend

	channelsMu sync.RWMutex
	channelSet []channels.Channel

	q         *queue.Queue
	scheduler *schedule.Scheduler
	watcher   *ipc.TaskWatcher

	watchedMu sync.Mutex
	watched   map[string]context.CancelFunc
}

// New constructs an Orchestrator. Call AddChannel and RegisterBackend
// before Start.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		backends: make(map[string]backend.Backend),
		watched:  make(map[string]context.CancelFunc),
	}
	o.q = queue.New(queue.Config{
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.BaseDelay,
		RecoveryGate:     cfg.RecoveryGate,
		Logger:           cfg.Logger,
		OnExhaustionDrop: o.onExhaustionDrop,
	}, o.processGroup)
	o.scheduler = schedule.New(schedule.Config{
		Store:    cfg.Store,
		Queue:    o.q,
		Logger:   cfg.Logger,
		Interval: cfg.ScheduleInterval,
	})
	o.watcher = ipc.NewTaskWatcher(cfg.IPCRoot, o.isMainFolder, o.handleTask, cfg.Bus, cfg.Logger)
	return o
}

// RegisterBackend adds a named execution substrate.
func (o *Orchestrator) RegisterBackend(b backend.Backend) {
	o.backendsMu.Lock()
	defer o.backendsMu.Unlock()
	o.backends[b.Name()] = b
}

// AddChannel wires a channel adapter into the orchestrator. Must be
// constructed with the Options this Orchestrator returns from Options().
func (o *Orchestrator) AddChannel(c channels.Channel) {
	o.channelsMu.Lock()
	defer o.channelsMu.Unlock()
	o.channelSet = append(o.channelSet, c)
}

// Options returns the callback bundle every channel adapter must be
// constructed with.
func (o *Orchestrator) Options() channels.Options {
	return channels.Options{
		OnMessage:      o.onMessage,
		OnChatMetadata: o.onChatMetadata,
		IsRegistered:   o.isRegistered,
		OnRecovery:     o.onChannelRecovery,
	}
}

func (o *Orchestrator) isMainFolder(folder string) bool {
	return folder == mainFolder
}

func (o *Orchestrator) isRegistered(jid string) bool {
	_, err := o.store.GetGroup(context.Background(), jid)
	return err == nil
}

// onChatMetadata auto-registers a chat the first time it's seen, deriving
// a folder name from the channel-reported display name.
func (o *Orchestrator) onChatMetadata(jid string, ts time.Time, name, channelName string, isGroup bool) {
	ctx := context.Background()
	if _, err := o.registry.EnsureRegistered(ctx, jid, name); err != nil {
		o.logger.Error("orchestrator: auto-register failed", "jid", jid, "error", err)
		return
	}
	o.ensureWatching(ctx, jid)
}

// onMessage is the single entry point every channel adapter's inbound
// message passes through: trigger-pattern gating, persistence, and
// handing the group to the queue.
func (o *Orchestrator) onMessage(ctx context.Context, jid string, msg channels.NewMessage) {
	group, err := o.store.GetGroup(ctx, jid)
	if err != nil {
		o.logger.Warn("orchestrator: message for unregistered group", "jid", jid, "error", err)
		return
	}

	if group.RequiresTrigger {
		matched, err := matchesTrigger(group.TriggerPattern, msg.Content)
		if err != nil {
			o.logger.Warn("orchestrator: invalid trigger pattern", "jid", jid, "pattern", group.TriggerPattern, "error", err)
			return
		}
		if !matched {
			return
		}
	}

	if _, err := o.store.AppendMessage(ctx, store.Message{
		GroupJID:  jid,
		MessageID: msg.ID,
		Sender:    msg.SenderJID,
		Direction: "inbound",
		Content:   msg.Content,
	}); err != nil {
		o.logger.Error("orchestrator: append message failed", "jid", jid, "error", err)
		return
	}
	if err := o.store.MarkPending(ctx, jid); err != nil {
		o.logger.Error("orchestrator: mark pending failed", "jid", jid, "error", err)
	}
	o.q.Enqueue(ctx, jid)
}

// matchesTrigger reports whether content matches pattern. An empty pattern
// never matches — a group that requires a trigger but declares none is
// effectively muted rather than silently accepting everything.
func matchesTrigger(pattern, content string) (bool, error) {
	if strings.TrimSpace(pattern) == "" {
		return false, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(content), nil
}

// onChannelRecovery re-enqueues every registered group owned by channelName
// after its watchdog reconnects it. A group exhausted mid-outage is not
// retried here (that stays gated behind RecoveryGate); this only resumes
// groups that were merely marked pending while the channel was down.
func (o *Orchestrator) onChannelRecovery(channelName string) {
	ctx := context.Background()
	o.channelsMu.RLock()
	var ch channels.Channel
	for _, c := range o.channelSet {
		if c.Name() == channelName {
			ch = c
			break
		}
	}
	o.channelsMu.RUnlock()
	if ch == nil {
		return
	}

	groups, err := o.registry.List(ctx)
	if err != nil {
		o.logger.Error("orchestrator: recovery re-enqueue list failed", "channel", channelName, "error", err)
		return
	}
	for _, g := range groups {
		if !ch.OwnsJID(g.JID) {
			continue
		}
		o.logger.Info("orchestrator: re-enqueuing group after channel recovery", "channel", channelName, "jid", g.JID)
		o.q.Enqueue(ctx, g.JID)
	}
}

// findChannel returns the first wired channel claiming ownership of jid.
func (o *Orchestrator) findChannel(jid string) channels.Channel {
	o.channelsMu.RLock()
	defer o.channelsMu.RUnlock()
	for _, c := range o.channelSet {
		if c.OwnsJID(jid) {
			return c
		}
	}
	return nil
}

// backendFor resolves the execution substrate for a group: its own
// override, or the process-wide default.
func (o *Orchestrator) backendFor(name string) (backend.Backend, error) {
	if name == "" {
		name = o.cfg.DefaultBackend
	}
	o.backendsMu.RLock()
	defer o.backendsMu.RUnlock()
	b, ok := o.backends[name]
	if !ok {
		return nil, fmt.Errorf("orchestrator: no backend registered for %q", name)
	}
	return b, nil
}

// processGroup is the queue's ProcessFunc: it drains every message a group
// has accumulated since its last commit, runs one agent session over the
// joined prompt, streams output onto the bus, and routes the final reply
// back out through whichever channel owns the chat.
func (o *Orchestrator) processGroup(ctx context.Context, jid string) error {
	group, err := o.store.GetGroup(ctx, jid)
	if err != nil {
		return fmt.Errorf("orchestrator: group %s vanished mid-process: %w", jid, err)
	}

	cursor, err := o.store.GetCursor(ctx, jid)
	if err != nil {
		return fmt.Errorf("orchestrator: load cursor: %w", err)
	}
	msgs, err := o.store.MessagesSince(ctx, jid, cursor.CommitOffset)
	if err != nil {
		return fmt.Errorf("orchestrator: load pending messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	prompt, scheduled := buildPrompt(msgs)
	sessionID := fmt.Sprintf("%s-%d", group.Folder, msgs[len(msgs)-1].ID)

	be, err := o.backendFor(group.Backend)
	if err != nil {
		return err
	}

	req := backend.RunRequest{
		GroupJID:          jid,
		GroupFolder:       group.Folder,
		SessionID:         sessionID,
		Prompt:            prompt,
		WorkspaceHostPath: o.registry.Folder(group),
		IsScheduledTask:   scheduled,
	}

	o.bus.Publish(bus.TopicSessionStarted, bus.SessionOutputEvent{GroupJID: jid, SessionID: sessionID})
	sess, err := be.RunAgent(ctx, req)
	if err != nil {
		o.bus.Publish(bus.TopicSessionFailed, bus.SessionOutputEvent{GroupJID: jid, SessionID: sessionID, Status: "error", Result: err.Error()})
		return fmt.Errorf("orchestrator: run agent: %w", err)
	}

	var final *string
	for out := range sess.Output() {
		o.bus.Publish(bus.TopicSessionOutput, bus.SessionOutputEvent{
			GroupJID:  jid,
			SessionID: sessionID,
			Status:    out.Status,
			Result:    derefOrEmpty(out.Result),
		})
		if out.Result != nil {
			final = out.Result
		}
	}

	waitErr := sess.Wait(ctx)
	if waitErr != nil {
		o.bus.Publish(bus.TopicSessionFailed, bus.SessionOutputEvent{GroupJID: jid, SessionID: sessionID, Status: "error", Result: waitErr.Error()})
		return fmt.Errorf("orchestrator: session %s: %w", sessionID, waitErr)
	}
	o.bus.Publish(bus.TopicSessionCompleted, bus.SessionOutputEvent{GroupJID: jid, SessionID: sessionID, Status: "success"})

	if final != nil && strings.TrimSpace(*final) != "" {
		if err := o.reply(ctx, jid, *final); err != nil {
			o.logger.Error("orchestrator: reply failed", "jid", jid, "error", err)
		}
	}

	return o.store.CommitProcessed(ctx, jid, msgs[len(msgs)-1].ID)
}

// onExhaustionDrop is the queue's exhaustion hook: it advances the group's
// commit offset past the batch that exhausted its retries, so those
// messages are never replayed. Without RecoveryGate it commits past the
// whole pending batch, the same outcome as a successful run. With
// RecoveryGate it only commits past messages older than now-gate, leaving
// anything more recent than the gate still pending so it surfaces again
// once the group resumes — bounding how much of a prolonged outage's
// backlog is lost to at most the gate window.
func (o *Orchestrator) onExhaustionDrop(jid string) {
	ctx := context.Background()
	cursor, err := o.store.GetCursor(ctx, jid)
	if err != nil {
		o.logger.Error("orchestrator: exhaustion cursor lookup failed", "jid", jid, "error", err)
		return
	}
	msgs, err := o.store.MessagesSince(ctx, jid, cursor.CommitOffset)
	if err != nil {
		o.logger.Error("orchestrator: exhaustion message load failed", "jid", jid, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	offset := msgs[len(msgs)-1].ID
	if o.cfg.RecoveryGate > 0 {
		cutoff := time.Now().Add(-o.cfg.RecoveryGate)
		offset = cursor.CommitOffset
		for _, m := range msgs {
			if m.Timestamp.After(cutoff) {
				break
			}
			offset = m.ID
		}
	}

	if err := o.store.CommitExhausted(ctx, jid, offset); err != nil {
		o.logger.Error("orchestrator: commit exhaustion cursor failed", "jid", jid, "error", err)
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// buildPrompt joins a batch of pending inbound messages into one prompt,
// one per line, and reports whether every message in the batch originated
// from the schedule lane (so the backend mounts input-task/ instead of
// input/).
func buildPrompt(msgs []store.Message) (string, bool) {
	var b strings.Builder
	scheduled := true
	for i, m := range msgs {
		if m.Sender != "schedule" {
			scheduled = false
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String(), scheduled
}

// reply sends text back out through whichever channel owns jid and
// records it as an outbound message in the log.
func (o *Orchestrator) reply(ctx context.Context, jid, text string) error {
	ch := o.findChannel(jid)
	if ch == nil {
		return fmt.Errorf("orchestrator: no channel owns %s", jid)
	}
	if _, err := ch.SendMessage(ctx, jid, text); err != nil {
		return err
	}
	_, err := o.store.AppendMessage(ctx, store.Message{
		GroupJID:  jid,
		MessageID: fmt.Sprintf("out-%d", time.Now().UnixNano()),
		Sender:    "agent",
		Direction: "outbound",
		Content:   text,
	})
	return err
}

// ensureWatching starts an IPC task watcher for a group's folder exactly
// once, the first time it's seen (at startup for every pre-registered
// group, or on first auto-registration).
func (o *Orchestrator) ensureWatching(ctx context.Context, jid string) {
	group, err := o.store.GetGroup(ctx, jid)
	if err != nil {
		return
	}
	o.watchedMu.Lock()
	if _, ok := o.watched[group.Folder]; ok {
		o.watchedMu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	o.watched[group.Folder] = cancel
	o.watchedMu.Unlock()

	go func() {
		if err := o.watcher.WatchGroup(watchCtx, group.Folder); err != nil && watchCtx.Err() == nil {
			o.logger.Warn("orchestrator: task watcher exited", "folder", group.Folder, "error", err)
		}
	}()
}

// handleTask dispatches one authorized IPC task envelope.
func (o *Orchestrator) handleTask(ctx context.Context, sourceFolder string, env ipc.TaskEnvelope) error {
	switch env.Type {
	case ipc.TaskTypeSendMessage:
		return o.handleSendMessageTask(ctx, sourceFolder, env)
	case ipc.TaskTypeSchedule:
		return o.handleScheduleTask(ctx, sourceFolder, env)
	case ipc.TaskTypeRegisterGroup:
		return o.handleRegisterGroupTask(ctx, env)
	case ipc.TaskTypeAlert:
		return o.handleAlertTask(ctx, sourceFolder, env)
	case ipc.TaskTypeReact:
		return o.handleReactTask(ctx, sourceFolder, env)
	default:
		return fmt.Errorf("orchestrator: unknown task type %q", env.Type)
	}
}

func (o *Orchestrator) targetJID(sourceFolder, targetFolder string) (string, error) {
	folder := targetFolder
	if folder == "" {
		folder = sourceFolder
	}
	g, err := o.registry.GetByFolder(context.Background(), folder)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve folder %q: %w", folder, err)
	}
	return g.JID, nil
}

func (o *Orchestrator) handleSendMessageTask(ctx context.Context, sourceFolder string, env ipc.TaskEnvelope) error {
	var payload ipc.SendMessagePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return err
	}
	jid, err := o.targetJID(sourceFolder, env.TargetGroup)
	if err != nil {
		return err
	}
	return o.reply(ctx, jid, payload.Text)
}

func (o *Orchestrator) handleScheduleTask(ctx context.Context, sourceFolder string, env ipc.TaskEnvelope) error {
	var payload ipc.SchedulePayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return err
	}
	jid, err := o.targetJID(sourceFolder, env.TargetGroup)
	if err != nil {
		return err
	}
	next, err := schedule.NextRunTime(payload.CronExpr, time.Now())
	if err != nil {
		return fmt.Errorf("orchestrator: invalid cron expression %q: %w", payload.CronExpr, err)
	}
	_, err = o.store.AddSchedule(ctx, jid, payload.CronExpr, payload.Prompt, next)
	return err
}

func (o *Orchestrator) handleRegisterGroupTask(ctx context.Context, env ipc.TaskEnvelope) error {
	var payload struct {
		JID         string `json:"jid"`
		DisplayName string `json:"displayName"`
	}
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return err
	}
	if payload.JID == "" {
		return fmt.Errorf("orchestrator: register_group task missing jid")
	}
	group, err := o.registry.EnsureRegistered(ctx, payload.JID, payload.DisplayName)
	if err != nil {
		return err
	}
	o.ensureWatching(ctx, group.JID)
	return nil
}

// handleReactTask dispatches a channel-specific reaction, rejecting it if
// the message it targets doesn't match a recent message from the claimed
// author — an agent cannot react to a message it can't prove exists.
func (o *Orchestrator) handleReactTask(ctx context.Context, sourceFolder string, env ipc.TaskEnvelope) error {
	var payload ipc.ReactPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return err
	}
	jid, err := o.targetJID(sourceFolder, env.TargetGroup)
	if err != nil {
		return err
	}

	recent, err := o.store.RecentMessages(ctx, jid, recentMessageWindow)
	if err != nil {
		return fmt.Errorf("orchestrator: load recent messages: %w", err)
	}
	ownIDs := make(map[string]struct{})
	var expectedID string
	for _, m := range recent {
		if m.Direction == "outbound" {
			ownIDs[m.MessageID] = struct{}{}
		}
		if m.Sender == payload.TargetAuthor {
			expectedID = m.MessageID
		}
	}
	if !guard.ValidateReference(guard.ReferenceExact, payload.TargetTimestamp, ownIDs, expectedID) {
		return fmt.Errorf("orchestrator: react task rejected: no author=%q message with timestamp=%s", payload.TargetAuthor, payload.TargetTimestamp)
	}

	ch := o.findChannel(jid)
	if ch == nil {
		return fmt.Errorf("orchestrator: no channel owns %s", jid)
	}
	return ch.React(ctx, jid, payload.TargetTimestamp, payload.Emoji)
}

func (o *Orchestrator) handleAlertTask(ctx context.Context, sourceFolder string, env ipc.TaskEnvelope) error {
	var payload ipc.AlertPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		return err
	}
	o.bus.Publish(bus.TopicAlert, bus.AlertEvent{GroupJID: sourceFolder, Severity: payload.Severity, Message: payload.Message})
	return nil
}

func unmarshalPayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("orchestrator: task envelope missing payload")
	}
	return json.Unmarshal(raw, v)
}

// Start initializes every registered backend, connects every wired
// channel, starts the schedule lane, and begins watching every
// already-registered group's IPC task directory.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.backendsMu.RLock()
	for _, b := range o.backends {
		if err := b.Initialize(ctx); err != nil {
			o.backendsMu.RUnlock()
			return fmt.Errorf("orchestrator: initialize backend %s: %w", b.Name(), err)
		}
	}
	o.backendsMu.RUnlock()

	o.channelsMu.RLock()
	for _, c := range o.channelSet {
		if err := c.Connect(ctx); err != nil {
			o.channelsMu.RUnlock()
			return fmt.Errorf("orchestrator: connect channel %s: %w", c.Name(), err)
		}
	}
	o.channelsMu.RUnlock()

	groups, err := o.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list groups: %w", err)
	}
	for _, g := range groups {
		o.ensureWatching(ctx, g.JID)
	}

	o.scheduler.Start(ctx)
	return nil
}

// Shutdown drains in-flight processing, disconnects every channel, and
// tears down every backend, each bounded by ctx's deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.scheduler.Stop()

	o.watchedMu.Lock()
	for _, cancel := range o.watched {
		cancel()
	}
	o.watchedMu.Unlock()

	if err := o.q.Shutdown(ctx); err != nil {
		o.logger.Warn("orchestrator: queue drain did not finish cleanly", "error", err)
	}

	o.channelsMu.RLock()
	for _, c := range o.channelSet {
		if err := c.Disconnect(ctx); err != nil {
			o.logger.Warn("orchestrator: channel disconnect failed", "channel", c.Name(), "error", err)
		}
	}
	o.channelsMu.RUnlock()

	o.backendsMu.RLock()
	defer o.backendsMu.RUnlock()
	for _, b := range o.backends {
		if err := b.Shutdown(ctx); err != nil {
			o.logger.Warn("orchestrator: backend shutdown failed", "backend", b.Name(), "error", err)
		}
	}
	return nil
}
