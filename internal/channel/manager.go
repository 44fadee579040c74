package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/lancerly/chat-sync/internal/auth"
	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/metrics"
	"github.com/lancerly/chat-sync/internal/models"
)

const defaultConnectTimeout = 15 * time.Second

// AuthPayload is the data of the auth frame sent right after dialing.
type AuthPayload struct {
	ParticipantID models.ID `json:"participant_id"`
	Credential    string    `json:"credential"`
}

// AuthError is the data of an auth_error frame.
type AuthError struct {
	Message string `json:"message"`
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Manager owns at most one open Session at a time. It is safe for
// concurrent use.
type Manager struct {
	url         string
	credentials auth.CredentialSource
	logger      *slog.Logger
	metrics     *metrics.Metrics
	timeout     time.Duration
	dial        dialFunc

	mu      sync.Mutex
	session *Session
}

// ManagerConfig holds the parameters for NewManager.
type ManagerConfig struct {
	URL         string
	Credentials auth.CredentialSource
	// Timeout bounds the dial and handshake. Zero selects 15 seconds.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// NewManager creates a manager for the push channel at cfg.URL. No
// connection is made until Connect.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &Manager{
		url:         cfg.URL,
		credentials: cfg.Credentials,
		logger:      logger,
		metrics:     cfg.Metrics,
		timeout:     timeout,
		dial:        dialWebsocket,
	}
}

// Connect returns the open session, establishing one if none is open. A
// fresh credential is requested for every new connection. Failures wrap
// ErrConnection; there is no automatic retry.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.Open() {
		return m.session, nil
	}

	m.session = nil

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	token, err := m.credentials.Token(ctx)
	if err != nil {
		m.metrics.ChannelConnect("credential_error")
		return nil, fmt.Errorf("%w: %w", chaterrors.ErrConnection, err)
	}

	m.logger.Debug("connecting push channel", slog.String("url", m.url))

	conn, err := m.dial(ctx, m.url)
	if err != nil {
		m.metrics.ChannelConnect("dial_error")
		return nil, fmt.Errorf("%w: dialing %s: %w", chaterrors.ErrConnection, m.url, err)
	}

	conn.SetReadLimit(maxFrameBytes)

	s := newSession(conn, m.logger)

	if err := s.handshake(ctx, m.credentials.ParticipantID(), token); err != nil {
		m.metrics.ChannelConnect("rejected")
		conn.Close(websocket.StatusNormalClosure, "handshake failed")

		return nil, fmt.Errorf("%w: %w", chaterrors.ErrConnection, err)
	}

	s.start(ctx)
	m.session = s
	m.metrics.ChannelConnect("ok")

	m.logger.Info("push channel authenticated",
		slog.String("participant_id", m.credentials.ParticipantID().String()),
	)

	return s, nil
}

// Active returns the open session or ErrNotConnected.
func (m *Manager) Active() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil || !m.session.Open() {
		return nil, chaterrors.ErrNotConnected
	}

	return m.session, nil
}

// Close ends the open session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// handshake sends the auth frame and reads frames directly from the
// connection until the collaborator accepts or rejects it. Runs before
// the loop starts, so nothing else is reading.
func (s *Session) handshake(ctx context.Context, participant models.ID, token string) error {
	payload := AuthPayload{ParticipantID: participant, Credential: token}
	if err := s.writeEnvelope(ctx, EventAuth, payload); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading auth response: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		switch event := gjson.GetBytes(data, "event").String(); event {
		case EventAuthOK:
			s.touchLastMessage()
			return nil
		case EventAuthError:
			var reason AuthError
			if d := gjson.GetBytes(data, "data"); d.Exists() {
				_ = json.Unmarshal([]byte(d.Raw), &reason)
			}

			if reason.Message == "" {
				reason.Message = "no reason given"
			}

			return fmt.Errorf("%w: %s", chaterrors.ErrHandshakeRejected, reason.Message)
		case EventPing, EventPong:
			continue
		default:
			return fmt.Errorf("%w: unexpected %q before auth_ok", chaterrors.ErrHandshakeRejected, event)
		}
	}
}
