// Package channel manages the authenticated push channel used to
// exchange chat events in real time.
package channel

//go:generate mockgen -source=session.go -destination=mock_wsconn_test.go -package=channel -mock_names=wsConn=MockWSConn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	chaterrors "github.com/lancerly/chat-sync/internal/errors"
)

// Event names on the push channel.
const (
	EventAuth           = "auth"
	EventAuthOK         = "auth_ok"
	EventAuthError      = "auth_error"
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
	EventPing           = "ping"
	EventPong           = "pong"
)

const (
	pingAfter        = 15 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 5 * time.Second
	writeTimeout     = 10 * time.Second

	// maxFrameBytes bounds a single inbound frame. Chat events are small;
	// anything larger is a misbehaving collaborator.
	maxFrameBytes = 1024 * 1024
)

// wsConn abstracts the WebSocket connection so Session can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the data payload of an event. Handlers run on the
// session loop and must not block or call Emit.
type Handler func(data json.RawMessage)

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// emitOp is a frame submitted to the session loop for writing.
type emitOp struct {
	data   []byte
	result chan error
}

// Session is one authenticated connection. A reader goroutine feeds
// inbound frames to a single loop goroutine which dispatches events,
// performs every write and runs the heartbeat. Once Done is closed the
// session is finished; a new one must be obtained from the Manager.
type Session struct {
	conn   wsConn
	logger *slog.Logger

	handlersMu sync.Mutex
	handlers   map[string][]Handler

	opCh   chan emitOp
	done   chan struct{}
	err    error
	closed atomic.Bool
	cancel context.CancelFunc

	lastMsgMu   sync.Mutex
	lastMessage time.Time
}

func newSession(conn wsConn, logger *slog.Logger) *Session {
	return &Session{
		conn:        conn,
		logger:      logger,
		handlers:    make(map[string][]Handler),
		opCh:        make(chan emitOp),
		done:        make(chan struct{}),
		lastMessage: time.Now(),
	}
}

// start launches the reader and the loop. The session outlives ctx's
// deadline but keeps its values.
func (s *Session) start(ctx context.Context) {
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	inbound := s.startReader(connCtx)

	go func() {
		s.finish(s.loop(connCtx, inbound))
	}()
}

// startReader launches a goroutine that reads frames and feeds the
// returned channel. A read error is delivered as the final message.
func (s *Session) startReader(connCtx context.Context) <-chan inboundMsg {
	ch := make(chan inboundMsg, 64)

	go func() {
		for {
			typ, data, err := s.conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

func (s *Session) loop(connCtx context.Context, inbound <-chan inboundMsg) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			s.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := s.handleFrame(connCtx, msg.data); err != nil {
				return err
			}

		case op := <-s.opCh:
			err := s.write(connCtx, op.data)
			op.result <- err

			if err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}

		case <-ticker.C:
			elapsed := s.sinceLastMessage()

			if elapsed > disconnectAfter {
				s.logger.Warn("push channel timed out", slog.Duration("idle", elapsed))
				return fmt.Errorf("heartbeat timeout after %s", elapsed.Round(time.Second))
			}

			if elapsed > pingAfter {
				if err := s.writeEnvelope(connCtx, EventPing, nil); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-connCtx.Done():
			return nil
		}
	}
}

// handleFrame answers pings and dispatches everything else to the
// registered handlers. Malformed frames are logged and skipped.
func (s *Session) handleFrame(ctx context.Context, data []byte) error {
	event := gjson.GetBytes(data, "event")
	if event.Type != gjson.String {
		s.logger.Warn("skipping malformed frame", slog.Int("bytes", len(data)))
		return nil
	}

	switch event.Str {
	case EventPing:
		if err := s.writeEnvelope(ctx, EventPong, nil); err != nil {
			return fmt.Errorf("sending pong: %w", err)
		}

		return nil
	case EventPong:
		return nil
	}

	var payload json.RawMessage
	if d := gjson.GetBytes(data, "data"); d.Exists() {
		payload = json.RawMessage(d.Raw)
	}

	s.handlersMu.Lock()
	handlers := append([]Handler(nil), s.handlers[event.Str]...)
	s.handlersMu.Unlock()

	if len(handlers) == 0 {
		s.logger.Debug("no handler for event", slog.String("event", event.Str))
		return nil
	}

	for _, h := range handlers {
		h(payload)
	}

	return nil
}

// On registers a handler for event. Handlers belong to this session
// only, so subscribing on a new session never duplicates delivery.
func (s *Session) On(event string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.handlersMu.Unlock()
}

// Emit sends an event with payload encoded as its data and waits for
// the write to complete.
func (s *Session) Emit(ctx context.Context, event string, payload interface{}) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	op := emitOp{data: data, result: make(chan error, 1)}

	select {
	case s.opCh <- op:
	case <-s.done:
		return fmt.Errorf("emitting %s: %w", event, chaterrors.ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		if err != nil {
			return fmt.Errorf("emitting %s: %w", event, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the session has ended, either by Close or because
// the connection dropped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended. It is nil while the session is
// open and after a deliberate Close.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Open reports whether the session is still usable.
func (s *Session) Open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close ends the session and waits for the loop to exit.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		<-s.done
		return
	}

	if s.cancel != nil {
		s.cancel()
	}

	<-s.done
}

func (s *Session) finish(err error) {
	if s.closed.Load() {
		err = nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	if err != nil {
		s.logger.Warn("push channel dropped", slog.String("error", err.Error()))
		s.conn.Close(websocket.StatusGoingAway, "dropped")
	} else {
		s.logger.Debug("push channel closed")
		s.conn.Close(websocket.StatusNormalClosure, "bye")
	}

	s.err = err
	close(s.done)
}

func encodeEnvelope(event string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: event}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", event, err)
		}

		env.Data = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", event, err)
	}

	return data, nil
}

// writeEnvelope encodes and writes a frame. Only called from the loop or
// during the handshake, before the loop starts.
func (s *Session) writeEnvelope(ctx context.Context, event string, payload interface{}) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	return s.write(ctx, data)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}

func (s *Session) sinceLastMessage() time.Duration {
	s.lastMsgMu.Lock()
	defer s.lastMsgMu.Unlock()

	return time.Since(s.lastMessage)
}
