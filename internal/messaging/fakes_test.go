package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lancerly/chat-sync/internal/channel"
	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/metrics"
	"github.com/lancerly/chat-sync/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeAPI is an in-memory REST collaborator. History fetches for ids
// with a gate block until the gate is closed.
type fakeAPI struct {
	mu sync.Mutex

	conversations []models.Conversation
	listErr       error

	history     map[models.ID][]models.Message
	historyErr  map[models.ID]error
	historyGate map[models.ID]chan struct{}
	historyCall map[models.ID]int

	sendGate chan struct{}
	sendFn   func(req models.SendRequest) (models.Message, error)
	sends    []models.SendRequest

	started  models.Conversation
	startErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:     make(map[models.ID][]models.Message),
		historyErr:  make(map[models.ID]error),
		historyGate: make(map[models.ID]chan struct{}),
		historyCall: make(map[models.ID]int),
	}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, id models.ID) ([]models.Message, error) {
	f.mu.Lock()
	f.historyCall[id]++
	gate := f.historyGate[id]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.historyErr[id]; err != nil {
		return nil, err
	}

	return append([]models.Message(nil), f.history[id]...), nil
}

func (f *fakeAPI) historyCalls(id models.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.historyCall[id]
}

func (f *fakeAPI) SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	gate := f.sendGate
	fn := f.sendFn
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Message{}, ctx.Err()
		}
	}

	if fn != nil {
		return fn(req)
	}

	return models.Message{ClientID: req.ClientID, ReceiverID: req.ReceiverID, Content: req.Content, State: models.StateSettled}, nil
}

func (f *fakeAPI) sent() []models.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]models.SendRequest(nil), f.sends...)
}

func (f *fakeAPI) StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.startErr != nil {
		return models.Conversation{}, f.startErr
	}

	return f.started, nil
}

type emitted struct {
	event   string
	payload models.OutboundMessage
}

// fakeSession records emits and lets tests deliver pushes to the
// registered handlers.
type fakeSession struct {
	mu       sync.Mutex
	handlers map[string][]channel.Handler
	emits    []emitted
	emitErr  error
	done     chan struct{}
	once     sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		handlers: make(map[string][]channel.Handler),
		done:     make(chan struct{}),
	}
}

func (s *fakeSession) Emit(ctx context.Context, event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emitErr != nil {
		return s.emitErr
	}

	out, _ := payload.(models.OutboundMessage)
	s.emits = append(s.emits, emitted{event: event, payload: out})

	return nil
}

func (s *fakeSession) On(event string, h channel.Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) drop() { s.once.Do(func() { close(s.done) }) }

func (s *fakeSession) handlerCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.handlers[event])
}

func (s *fakeSession) sentFrames() []emitted {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]emitted(nil), s.emits...)
}

// push delivers a receive_message frame the way the session loop would.
func (s *fakeSession) push(t *testing.T, in models.InboundMessage) {
	t.Helper()

	data, err := json.Marshal(in)
	require.NoError(t, err)
	s.pushRaw(data)
}

func (s *fakeSession) pushRaw(data json.RawMessage) {
	s.mu.Lock()
	handlers := append([]channel.Handler(nil), s.handlers[channel.EventReceiveMessage]...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// fakeChannel hands out the current session, like Manager.Connect.
type fakeChannel struct {
	mu       sync.Mutex
	session  *fakeSession
	err      error
	connects int
}

func (c *fakeChannel) Connect(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++

	if c.err != nil {
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrConnection, c.err)
	}

	return c.session, nil
}

func (c *fakeChannel) set(s *fakeSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

type harness struct {
	ctrl    *Controller
	api     *fakeAPI
	ch      *fakeChannel
	session *fakeSession
	metrics *metrics.Metrics
	loaded  chan models.ID
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()

	h := &harness{
		api:     newFakeAPI(),
		session: newFakeSession(),
		metrics: metrics.New(),
		loaded:  make(chan models.ID, 16),
	}
	h.ch = &fakeChannel{session: h.session}

	cfg := Config{
		API:            h.api,
		Channel:        h.ch,
		Self:           "u1",
		RequestTimeout: time.Second,
		Metrics:        h.metrics,
		OnHistory: func(id models.ID, _ error) {
			select {
			case h.loaded <- id:
			default:
			}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h.ctrl = NewController(cfg, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		h.ctrl.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	return h
}

// open opens conv and waits until its history fetch has been applied
// and the push channel subscribed.
func (h *harness) open(t *testing.T, conv models.Conversation) {
	t.Helper()

	require.NoError(t, h.ctrl.OpenConversation(context.Background(), conv))
	h.waitHistory(t, conv.ID)
	require.Eventually(t, func() bool {
		return h.session.handlerCount(channel.EventReceiveMessage) > 0
	}, waitFor, tick)
}

// waitHistory blocks until the history fetch for id has been applied.
func (h *harness) waitHistory(t *testing.T, id models.ID) {
	t.Helper()

	deadline := time.After(waitFor)

	for {
		select {
		case got := <-h.loaded:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("history for %s never applied", id)
		}
	}
}

func (h *harness) counter(name string) float64 {
	families, err := h.metrics.Registry().Gather()
	if err != nil {
		return -1
	}

	var total float64

	for _, f := range families {
		if f.GetName() != name {
			continue
		}

		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}

	return total
}

func contents(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}

	return out
}

var errNetwork = errors.New("network unreachable")

var (
	convAlice = models.Conversation{ID: "c1", Counterparty: models.Counterparty{ID: "u2", DisplayName: "Alice"}}
	convBob   = models.Conversation{ID: "c2", Counterparty: models.Counterparty{ID: "u3", DisplayName: "Bob"}}
)
