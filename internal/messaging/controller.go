package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lancerly/chat-sync/internal/channel"
	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/metrics"
	"github.com/lancerly/chat-sync/internal/models"
)

const defaultRequestTimeout = 15 * time.Second

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("controller stopped")

// Strategy selects how Send orders its persistence and broadcast legs.
type Strategy string

const (
	// SendOrdered persists first, then broadcasts with the durable id.
	SendOrdered Strategy = "ordered"
	// SendParallel issues both legs at once, each best-effort.
	SendParallel Strategy = "parallel"
)

// API is the REST collaborator as the controller uses it.
type API interface {
	DirectoryAPI
	ListMessages(ctx context.Context, conversationID models.ID) ([]models.Message, error)
	SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error)
	StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error)
}

// Session is an open push channel session.
type Session interface {
	Emit(ctx context.Context, event string, payload interface{}) error
	On(event string, h channel.Handler)
	Done() <-chan struct{}
}

// Channel hands out the open session, connecting when needed.
type Channel interface {
	Connect(ctx context.Context) (Session, error)
}

type managerChannel struct {
	m *channel.Manager
}

func (a managerChannel) Connect(ctx context.Context) (Session, error) {
	s, err := a.m.Connect(ctx)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// ChannelFromManager adapts a channel.Manager for the controller.
func ChannelFromManager(m *channel.Manager) Channel {
	return managerChannel{m: m}
}

// Config holds the controller's collaborators and settings.
type Config struct {
	API     API
	Channel Channel
	// Self is the local participant.
	Self     models.ID
	Strategy Strategy
	// RequestTimeout bounds every network call. Zero selects 15 seconds.
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	// OnChange is called on the controller loop after every change to
	// the directory, the active conversation or the log. It must not
	// block or call back into the controller except for the snapshot
	// readers.
	OnChange func()
	// OnOpen is called on the controller loop when a conversation is
	// opened.
	OnOpen func(models.Conversation)
	// OnHistory is called on the controller loop once the active
	// conversation's history fetch has been applied. err is the fetch
	// failure, if any.
	OnHistory func(id models.ID, err error)
}

// Controller owns the directory, the active conversation and its log.
//
// Architecture: a single loop goroutine (Run) applies every mutation,
// so no lock guards the live state. Network calls run in their own
// goroutines and post their results back to the loop as ops. Readers
// get copies published under snapMu after each mutation.
type Controller struct {
	api       API
	channel   Channel
	self      models.ID
	strategy  Strategy
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	onChange  func()
	onOpen    func(models.Conversation)
	onHistory func(models.ID, error)

	ops  chan func()
	done chan struct{}

	// Owned by the loop.
	runCtx      context.Context
	directory   []models.Conversation
	active      *models.Conversation
	generation  uint64
	log         *Log
	session     Session
	sessionDone <-chan struct{}
	connecting  bool

	snapMu        sync.RWMutex
	snapDirectory []models.Conversation
	snapActive    *models.Conversation
	snapMessages  []models.Message
}

// NewController creates a controller. Call Run to start it.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = SendOrdered
	}

	return &Controller{
		api:       cfg.API,
		channel:   cfg.Channel,
		self:      cfg.Self,
		strategy:  strategy,
		timeout:   timeout,
		metrics:   cfg.Metrics,
		logger:    logger,
		onChange:  cfg.OnChange,
		onOpen:    cfg.OnOpen,
		onHistory: cfg.OnHistory,
		ops:       make(chan func()),
		done:      make(chan struct{}),
		directory: []models.Conversation{},
		log:       NewLog(),
	}
}

// Run is the controller loop. It returns nil when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.runCtx = ctx
	defer close(c.done)

	for {
		select {
		case op := <-c.ops:
			op()

		case <-c.sessionDone:
			c.logger.Warn("push channel dropped; will reconnect on next open or send")
			c.session = nil
			c.sessionDone = nil

		case <-ctx.Done():
			return nil
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (c *Controller) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		fn()
		close(finished)
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post hands fn to the loop from a background goroutine. Dropped if
// the loop has stopped.
func (c *Controller) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// requestContext bounds one network call. Only valid once Run started.
func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.runCtx, c.timeout)
}

// LoadDirectory fetches the directory, publishes it and returns it.
// Failures yield an empty directory.
func (c *Controller) LoadDirectory(ctx context.Context) []models.Conversation {
	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	convs := LoadDirectory(fetchCtx, c.api, c.logger)

	if err := c.do(ctx, func() {
		c.directory = convs
		c.changed()
	}); err != nil {
		c.logger.Debug("directory not applied", slog.String("error", err.Error()))
	}

	return slices.Clone(convs)
}

// OpenConversation makes conv the active conversation and starts its
// history fetch. The log is empty until the fetch lands.
func (c *Controller) OpenConversation(ctx context.Context, conv models.Conversation) error {
	return c.do(ctx, func() { c.open(conv) })
}

// OpenConversationByID opens a conversation from the loaded directory.
func (c *Controller) OpenConversationByID(ctx context.Context, id models.ID) (models.Conversation, error) {
	var (
		conv  models.Conversation
		found bool
	)

	err := c.do(ctx, func() {
		i := slices.IndexFunc(c.directory, func(d models.Conversation) bool { return d.ID == id })
		if i < 0 {
			return
		}

		conv, found = c.directory[i], true
		c.open(conv)
	})
	if err != nil {
		return models.Conversation{}, err
	}

	if !found {
		return models.Conversation{}, fmt.Errorf("opening %s: %w", id, chaterrors.ErrConversationNotFound)
	}

	return conv, nil
}

// StartConversation asks the collaborator for the conversation with
// otherID, reloads the directory and opens it.
func (c *Controller) StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error) {
	startCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conv, err := c.api.StartConversation(startCtx, otherID)
	cancel()

	if err != nil {
		return models.Conversation{}, fmt.Errorf("starting conversation with %s: %w", otherID, err)
	}

	for _, d := range c.LoadDirectory(ctx) {
		if d.ID == conv.ID {
			conv = d
			break
		}
	}

	if err := c.OpenConversation(ctx, conv); err != nil {
		return models.Conversation{}, err
	}

	return conv, nil
}

// open runs on the loop.
func (c *Controller) open(conv models.Conversation) {
	c.generation++
	gen := c.generation

	c.active = &conv
	c.log.Reset(conv.ID)
	c.changed()

	c.logger.Info("conversation opened",
		slog.String("conversation_id", conv.ID.String()),
		slog.String("counterparty", conv.Counterparty.Name()),
	)

	if c.onOpen != nil {
		c.onOpen(conv)
	}

	c.ensureChannel()

	go c.fetchHistory(gen, conv.ID)
}

func (c *Controller) fetchHistory(gen uint64, id models.ID) {
	ctx, cancel := c.requestContext()
	msgs, err := c.api.ListMessages(ctx, id)
	cancel()

	c.post(func() { c.applyHistory(gen, id, msgs, err) })
}

func (c *Controller) applyHistory(gen uint64, id models.ID, msgs []models.Message, err error) {
	if gen != c.generation || c.active == nil || c.active.ID != id {
		c.metrics.StaleFetchDiscarded()
		c.logger.Debug("discarding stale history",
			slog.String("conversation_id", id.String()),
			slog.Uint64("generation", gen),
		)

		return
	}

	if err != nil {
		c.logger.Warn("loading history failed",
			slog.String("conversation_id", id.String()),
			slog.String("error", err.Error()),
		)

		msgs = nil
	}

	c.log.Replace(id, msgs)
	c.changed()

	if c.onHistory != nil {
		c.onHistory(id, err)
	}
}

// ensureChannel connects in the background when no session is held.
// Runs on the loop.
func (c *Controller) ensureChannel() {
	if c.session != nil || c.connecting || c.channel == nil {
		return
	}

	c.connecting = true

	go func() {
		ctx, cancel := c.requestContext()
		s, err := c.channel.Connect(ctx)
		cancel()

		c.post(func() {
			c.connecting = false

			if err != nil {
				c.logger.Warn("connecting push channel failed", slog.String("error", err.Error()))
				return
			}

			c.adopt(s)
		})
	}()
}

// adopt subscribes to s unless it is the session already held. Runs on
// the loop.
func (c *Controller) adopt(s Session) {
	if s == nil || s == c.session {
		return
	}

	select {
	case <-s.Done():
		return
	default:
	}

	c.session = s
	c.sessionDone = s.Done()
	s.On(channel.EventReceiveMessage, c.onPush)
}

// onPush runs on the session loop; it only decodes and hands off.
func (c *Controller) onPush(data json.RawMessage) {
	var in models.InboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		c.metrics.PushDropped(metrics.DropMalformed)
		c.logger.Warn("dropping malformed receive_message", slog.String("error", err.Error()))

		return
	}

	msg := in.Normalize()
	c.post(func() { c.receive(msg) })
}

// receive applies an inbound message. Runs on the loop.
func (c *Controller) receive(msg models.Message) {
	if c.active == nil || msg.ConversationID != c.active.ID {
		c.metrics.PushDropped(metrics.DropInactive)
		c.logger.Debug("dropping push for inactive conversation",
			slog.String("conversation_id", msg.ConversationID.String()),
		)

		return
	}

	switch match, clientID := c.log.MatchEcho(msg, c.self); match {
	case EchoDuplicate:
		c.metrics.EchoDeduplicated()
		return
	case EchoRedelivered:
		c.metrics.PushDropped(metrics.DropDuplicate)
		return
	case EchoConfirms:
		c.metrics.EchoDeduplicated()
		c.log.Confirm(clientID, msg)
	default:
		c.metrics.MessageReceived()
		c.log.Insert(msg)
	}

	c.changed()
}

// Send appends content to the active conversation as a pending message
// and delivers it in the background. It reports false, without touching
// the log or the network, when content is blank or no conversation is
// active.
func (c *Controller) Send(ctx context.Context, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}

	var sent bool

	err := c.do(ctx, func() {
		if c.active == nil {
			return
		}

		msg := models.Message{
			ClientID:       uuid.NewString(),
			ConversationID: c.active.ID,
			SenderID:       c.self,
			ReceiverID:     c.active.Counterparty.ID,
			Content:        content,
			CreatedAt:      time.Now().UTC(),
			State:          models.StatePending,
		}

		c.log.AppendOptimistic(msg)
		c.metrics.MessageSent()
		c.changed()

		c.deliver(msg)
		sent = true
	})
	if err != nil {
		c.logger.Debug("send not applied", slog.String("error", err.Error()))
		return false
	}

	return sent
}

// deliver starts the send legs for msg. Runs on the loop.
func (c *Controller) deliver(msg models.Message) {
	c.ensureChannel()

	switch c.strategy {
	case SendParallel:
		go c.emit(outbound(msg))
		go c.persist(msg)
	default:
		go func() {
			out := outbound(msg)

			if stored, ok := c.persist(msg); ok {
				out.MessageID = stored.ID
				out.Seq = stored.Seq
			}

			c.emit(out)
		}()
	}
}

// persist writes msg to the REST collaborator and confirms the pending
// entry on success. Failures are logged and swallowed.
func (c *Controller) persist(msg models.Message) (models.Message, bool) {
	ctx, cancel := c.requestContext()
	defer cancel()

	stored, err := c.api.SendMessage(ctx, models.SendRequest{
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		ClientID:   msg.ClientID,
	})
	if err != nil {
		c.metrics.SendFailed(metrics.LegPersist)
		c.logger.Warn("persisting message failed",
			slog.String("conversation_id", msg.ConversationID.String()),
			slog.String("client_id", msg.ClientID),
			slog.String("error", err.Error()),
		)

		return models.Message{}, false
	}

	c.post(func() { c.confirmSent(msg.ConversationID, msg.ClientID, stored) })

	return stored, true
}

// emit broadcasts msg on the push channel. Failures are logged and
// swallowed.
func (c *Controller) emit(out models.OutboundMessage) {
	ctx, cancel := c.requestContext()
	defer cancel()

	err := c.emitOn(ctx, out)
	if err != nil {
		c.metrics.SendFailed(metrics.LegEmit)
		c.logger.Warn("broadcasting message failed",
			slog.String("conversation_id", out.ConversationID.String()),
			slog.String("client_id", out.ClientID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) emitOn(ctx context.Context, out models.OutboundMessage) error {
	if c.channel == nil {
		return chaterrors.ErrNotConnected
	}

	s, err := c.channel.Connect(ctx)
	if err != nil {
		return err
	}

	c.post(func() { c.adopt(s) })

	return s.Emit(ctx, channel.EventSendMessage, out)
}

// confirmSent settles a pending entry once persistence succeeded. Runs
// on the loop.
func (c *Controller) confirmSent(convID models.ID, clientID string, stored models.Message) {
	if c.active == nil || c.active.ID != convID {
		return
	}

	if c.log.Confirm(clientID, stored) {
		c.changed()
	}
}

func outbound(msg models.Message) models.OutboundMessage {
	return models.OutboundMessage{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		ClientID:       msg.ClientID,
	}
}

// changed publishes snapshots and notifies. Runs on the loop.
func (c *Controller) changed() {
	var active *models.Conversation

	if c.active != nil {
		a := *c.active
		active = &a
	}

	c.snapMu.Lock()
	c.snapDirectory = slices.Clone(c.directory)
	c.snapActive = active
	c.snapMessages = c.log.Messages()
	c.snapMu.Unlock()

	if c.onChange != nil {
		c.onChange()
	}
}

// Directory returns the last loaded directory.
func (c *Controller) Directory() []models.Conversation {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	return slices.Clone(c.snapDirectory)
}

// Active returns the active conversation, if any.
func (c *Controller) Active() (models.Conversation, bool) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	if c.snapActive == nil {
		return models.Conversation{}, false
	}

	return *c.snapActive, true
}

// Messages returns the active conversation's log.
func (c *Controller) Messages() []models.Message {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()

	return slices.Clone(c.snapMessages)
}

// SenderName returns a display label for the author of m.
func (c *Controller) SenderName(m models.Message) string {
	if m.SenderID == c.self {
		return "You"
	}

	if conv, ok := c.Active(); ok && conv.Counterparty.ID == m.SenderID {
		return conv.Counterparty.Name()
	}

	return m.SenderID.String()
}
