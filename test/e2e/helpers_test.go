package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/lancerly/chat-sync/internal/api"
	"github.com/lancerly/chat-sync/internal/auth"
	"github.com/lancerly/chat-sync/internal/channel"
	"github.com/lancerly/chat-sync/internal/mcpserver"
	"github.com/lancerly/chat-sync/internal/messaging"
	"github.com/lancerly/chat-sync/internal/metrics"
	"github.com/lancerly/chat-sync/internal/models"
	"github.com/lancerly/chat-sync/internal/server"
)

const (
	testParticipant = "u1"
	testToken       = "tok-u1"
	testAPIKey      = "ck_e2e_0123456789abcdef"
)

// backend is an in-memory chat service: the REST collaborator and the
// push collaborator on one httptest server. Every send_message is
// relayed as receive_message to all connected sessions, the sender
// included.
type backend struct {
	srv   *httptest.Server
	wsURL string

	mu            sync.Mutex
	conversations []models.ConversationWire
	history       map[models.ID][]models.MessageWire
	seq           int64
	sends         int
	conns         map[*websocket.Conn]struct{}
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		conversations: []models.ConversationWire{
			{ID: "c1", OtherParticipantID: "u2", OtherDisplayName: "Alice"},
		},
		history: make(map[models.ID][]models.MessageWire),
		conns:   make(map[*websocket.Conn]struct{}),
	}
	b.history["c1"] = []models.MessageWire{b.nextMessage("c1", "u2", "u1", "hi", "")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", b.authed(b.listConversations))
	mux.HandleFunc("GET /conversations/{id}/messages", b.authed(b.listMessages))
	mux.HandleFunc("POST /messages/send", b.authed(b.sendMessage))
	mux.HandleFunc("POST /conversations/start", b.authed(b.startConversation))
	mux.HandleFunc("/socket", b.serveSocket)

	b.srv = httptest.NewServer(mux)
	b.wsURL = "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/socket"
	t.Cleanup(b.srv.Close)

	return b
}

// nextMessage must be called with mu held or before the server starts.
func (b *backend) nextMessage(conv, sender, receiver models.ID, content, clientID string) models.MessageWire {
	b.seq++
	created := time.Unix(1_700_000_000+b.seq, 0).UTC()

	return models.MessageWire{
		ID:             models.ID(fmt.Sprintf("m%d", b.seq)),
		ConversationID: conv,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
		Seq:            b.seq,
		ClientID:       clientID,
		CreatedAt:      &created,
	}
}

func (b *backend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(models.APIError{Message: "invalid token"})

			return
		}

		next(w, r)
	}
}

func (b *backend) conversationWith(other models.ID) (models.ConversationWire, bool) {
	for _, c := range b.conversations {
		if c.OtherParticipantID == other {
			return c, true
		}
	}

	return models.ConversationWire{}, false
}

func (b *backend) listConversations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_ = json.NewEncoder(w).Encode(b.conversations)
}

func (b *backend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.history[models.ID(r.PathValue("id"))]
	if msgs == nil {
		msgs = []models.MessageWire{}
	}

	_ = json.NewEncoder(w).Encode(msgs)
}

func (b *backend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	conv, ok := b.conversationWith(req.ReceiverID)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(models.APIError{Error: "no conversation"})

		return
	}

	msg := b.nextMessage(conv.ID, testParticipant, req.ReceiverID, req.Content, req.ClientID)
	b.history[conv.ID] = append(b.history[conv.ID], msg)
	b.sends++

	_ = json.NewEncoder(w).Encode(msg)
}

func (b *backend) startConversation(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	conv, ok := b.conversationWith(req.OtherParticipantID)
	if !ok {
		conv = models.ConversationWire{
			ID:                 models.ID(fmt.Sprintf("c%d", len(b.conversations)+1)),
			OtherParticipantID: req.OtherParticipantID,
			OtherDisplayName:   "Bob",
		}
		b.conversations = append(b.conversations, conv)
	}

	_ = json.NewEncoder(w).Encode(models.StartResponse{Conversation: &conv})
}

func (b *backend) storedSends() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sends
}

func (b *backend) serveSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()

	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}

	var env channel.Envelope
	if json.Unmarshal(data, &env) != nil || env.Event != channel.EventAuth {
		return
	}

	var payload channel.AuthPayload
	if json.Unmarshal(env.Data, &payload) != nil || payload.Credential != testToken {
		reply, _ := json.Marshal(map[string]interface{}{
			"event": channel.EventAuthError,
			"data":  channel.AuthError{Message: "bad credential"},
		})
		_ = c.Write(ctx, websocket.MessageText, reply)

		return
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"event":"auth_ok"}`)); err != nil {
		return
	}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		var env channel.Envelope
		if json.Unmarshal(data, &env) != nil || env.Event != channel.EventSendMessage {
			continue
		}

		var out models.OutboundMessage
		if json.Unmarshal(env.Data, &out) != nil {
			continue
		}

		b.broadcast(models.InboundMessage{
			ChatID:     out.ConversationID,
			SenderID:   out.SenderID,
			ReceiverID: out.ReceiverID,
			Content:    out.Content,
			MessageID:  out.MessageID,
			Seq:        out.Seq,
			ClientID:   out.ClientID,
		})
	}
}

// deliver stores a message from other and pushes it to every session.
func (b *backend) deliver(conv, other models.ID, content string) {
	b.mu.Lock()
	msg := b.nextMessage(conv, other, testParticipant, content, "")
	b.history[conv] = append(b.history[conv], msg)
	b.mu.Unlock()

	b.broadcast(models.InboundMessage{
		ChatID:     conv,
		SenderID:   other,
		ReceiverID: testParticipant,
		Content:    content,
		MessageID:  msg.ID,
		Seq:        msg.Seq,
		CreatedAt:  msg.CreatedAt,
	})
}

// connected reports whether any push session is authenticated.
func (b *backend) connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns) > 0
}

func (b *backend) broadcast(in models.InboundMessage) {
	frame, _ := json.Marshal(map[string]interface{}{
		"event": channel.EventReceiveMessage,
		"data":  in,
	})

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

// harness holds the full e2e stack: the backend, the sync core wired to
// it, and the MCP HTTP server in front of the core.
type harness struct {
	URL     string
	Backend *backend
	Metrics *metrics.Metrics
	Client  *http.Client
}

func newHarness(t *testing.T, strategy messaging.Strategy) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	b := newBackend(t)
	m := metrics.New()
	creds := auth.NewStaticSource(testParticipant, testToken)

	mgr := channel.NewManager(channel.ManagerConfig{
		URL:         b.wsURL,
		Credentials: creds,
		Timeout:     5 * time.Second,
		Metrics:     m,
	}, logger)
	t.Cleanup(mgr.Close)

	ctrl := messaging.NewController(messaging.Config{
		API:            api.NewClient(b.srv.URL, creds, 5*time.Second),
		Channel:        messaging.ChannelFromManager(mgr),
		Self:           testParticipant,
		Strategy:       strategy,
		RequestTimeout: 5 * time.Second,
		Metrics:        m,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		_ = ctrl.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, ctrl)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	front := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		APIKeyHash: string(hash),
		Metrics:    m,
		Logger:     logger,
	}))
	t.Cleanup(front.Close)

	return &harness{
		URL:     front.URL,
		Backend: b,
		Metrics: m,
		Client:  front.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// callTool calls a tool and decodes its JSON text result into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil && !result.IsError {
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}

	return result
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
