// Package api is the client for the REST collaborator that owns
// conversations and durable message storage.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lancerly/chat-sync/internal/auth"
	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/models"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// defaultTimeout is used when the caller does not configure one.
	defaultTimeout = 15 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the REST collaborator. Every request carries a fresh
// token from the credential source.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials auth.CredentialSource
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. A zero timeout selects
// the default of 15 seconds.
func NewClient(baseURL string, credentials auth.CredentialSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:       timeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends an authenticated request and decodes the JSON response into
// result. A nil body sends no payload; a nil result skips decoding.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return fmt.Errorf("obtaining credential for %s: %w", endpoint, err)
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", chaterrors.ErrFetch, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", chaterrors.ErrFetch, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr models.APIError
		if json.Unmarshal(respBody, &apiErr) == nil {
			msg := apiErr.Message
			if msg == "" {
				msg = apiErr.Error
			}

			if msg != "" {
				return fmt.Errorf("%w: %s %s (%d): %s", chaterrors.ErrFetch, method, endpoint, resp.StatusCode, sanitizeResponseBody([]byte(msg)))
			}
		}

		return fmt.Errorf("%w: %s %s returned status %d: %s", chaterrors.ErrFetch, method, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", chaterrors.ErrFetch, endpoint, err)
		}
	}

	return nil
}

// ListConversations returns the authenticated participant's
// conversations in the order the collaborator delivered them.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var wire []models.ConversationWire
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &wire); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	convs := make([]models.Conversation, 0, len(wire))
	for _, w := range wire {
		convs = append(convs, w.Conversation())
	}

	return convs, nil
}

// ListMessages returns the full history of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID models.ID) ([]models.Message, error) {
	endpoint := "/conversations/" + url.PathEscape(conversationID.String()) + "/messages"

	var wire []models.MessageWire
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &wire); err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", conversationID, err)
	}

	msgs := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, w.Message(conversationID))
	}

	return msgs, nil
}

// SendMessage persists a message and returns the stored record with its
// durable id and sequence number.
func (c *Client) SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error) {
	var wire models.MessageWire
	if err := c.do(ctx, http.MethodPost, "/messages/send", req, &wire); err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	if wire.ClientID == "" {
		wire.ClientID = req.ClientID
	}

	if wire.ReceiverID == "" {
		wire.ReceiverID = req.ReceiverID
	}

	return wire.Message(""), nil
}

// StartConversation asks the collaborator for the conversation with
// otherID, creating it server-side on first contact.
func (c *Client) StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error) {
	var resp models.StartResponse
	if err := c.do(ctx, http.MethodPost, "/conversations/start", models.StartRequest{OtherParticipantID: otherID}, &resp); err != nil {
		return models.Conversation{}, fmt.Errorf("starting conversation: %w", err)
	}

	if resp.Conversation == nil || resp.Conversation.ID == "" {
		return models.Conversation{}, fmt.Errorf("starting conversation: %w: conversation id not returned", chaterrors.ErrFetch)
	}

	conv := resp.Conversation.Conversation()
	if conv.Counterparty.ID == "" {
		conv.Counterparty.ID = otherID
	}

	return conv, nil
}
