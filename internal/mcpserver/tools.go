// Package mcpserver registers MCP tools that expose the chat session to
// agents. It adapts the messaging controller to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/models"
)

// defaultReadLimit caps chat_read_messages when no limit is given.
const defaultReadLimit = 50

// Chat is the part of the messaging controller the tools use.
type Chat interface {
	LoadDirectory(ctx context.Context) []models.Conversation
	Directory() []models.Conversation
	OpenConversationByID(ctx context.Context, id models.ID) (models.Conversation, error)
	StartConversation(ctx context.Context, otherID models.ID) (models.Conversation, error)
	Active() (models.Conversation, bool)
	Messages() []models.Message
	Send(ctx context.Context, content string) bool
	SenderName(m models.Message) string
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, chat Chat) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List the participant's conversations in directory order with the counterparty's display name. Set refresh to reload from the server.",
	}, listConversationsHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Make a conversation from the directory the active one. History loads in the background; call chat_read_messages afterwards.",
	}, openConversationHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the active conversation's messages, oldest first. Returns the most recent messages up to limit. Pending messages have not been confirmed by the server yet.",
	}, readMessagesHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to the active conversation's counterparty. Blank messages are ignored. Delivery is best-effort; a failed send stays pending in the log.",
	}, sendMessageHandler(chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_start_conversation",
		Description: "Start or resume the conversation with another participant and make it active.",
	}, startConversationHandler(chat))
}

// --- Input types ---

// ListConversationsInput holds parameters for chat_list_conversations.
type ListConversationsInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"reload the directory from the server first"`
}

// OpenConversationInput holds parameters for chat_open_conversation.
type OpenConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation id from chat_list_conversations"`
}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of most recent messages, defaults to 50"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
}

// StartConversationInput holds parameters for chat_start_conversation.
type StartConversationInput struct {
	ParticipantID string `json:"participant_id" jsonschema:"required,id of the other participant"`
}

// --- Result types ---

// ConversationEntry is one directory row.
type ConversationEntry struct {
	ID             models.ID `json:"id"`
	Name           string    `json:"name"`
	CounterpartyID models.ID `json:"counterparty_id"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
}

// ListConversationsResult is returned by chat_list_conversations.
type ListConversationsResult struct {
	Total         int                 `json:"total"`
	Conversations []ConversationEntry `json:"conversations"`
}

// ConversationResult is returned by the tools that change the active
// conversation.
type ConversationResult struct {
	Conversation ConversationEntry `json:"conversation"`
}

// MessageEntry is one message as shown to the agent.
type MessageEntry struct {
	ID        models.ID `json:"id,omitempty"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Pending   bool      `json:"pending,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// ReadMessagesResult is returned by chat_read_messages.
type ReadMessagesResult struct {
	ConversationID models.ID      `json:"conversation_id"`
	Name           string         `json:"name"`
	Total          int            `json:"total"`
	Returned       int            `json:"returned"`
	Messages       []MessageEntry `json:"messages"`
}

// SendMessageResult is returned by chat_send_message.
type SendMessageResult struct {
	ConversationID models.ID `json:"conversation_id"`
	Accepted       bool      `json:"accepted"`
}

// --- Handlers ---

var errNoActiveConversation = errors.New("no active conversation; open one first")

func listConversationsHandler(chat Chat) mcp.ToolHandlerFor[ListConversationsInput, *ListConversationsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListConversationsInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
		convs := chat.Directory()
		if input.Refresh {
			convs = chat.LoadDirectory(ctx)
		}

		result := &ListConversationsResult{
			Total:         len(convs),
			Conversations: make([]ConversationEntry, 0, len(convs)),
		}
		for _, c := range convs {
			result.Conversations = append(result.Conversations, conversationEntry(c))
		}

		return textResult(result), result, nil
	}
}

func openConversationHandler(chat Chat) mcp.ToolHandlerFor[OpenConversationInput, *ConversationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenConversationInput) (*mcp.CallToolResult, *ConversationResult, error) {
		id := models.ID(strings.TrimSpace(input.ConversationID))
		if id == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		conv, err := chat.OpenConversationByID(ctx, id)
		if errors.Is(err, chaterrors.ErrConversationNotFound) {
			// The directory may predate the conversation.
			chat.LoadDirectory(ctx)
			conv, err = chat.OpenConversationByID(ctx, id)
		}

		if err != nil {
			return nil, nil, err
		}

		result := &ConversationResult{Conversation: conversationEntry(conv)}

		return textResult(result), result, nil
	}
}

func readMessagesHandler(chat Chat) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		conv, ok := chat.Active()
		if !ok {
			return nil, nil, errNoActiveConversation
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}

		msgs := chat.Messages()
		total := len(msgs)

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		result := &ReadMessagesResult{
			ConversationID: conv.ID,
			Name:           conv.Counterparty.Name(),
			Total:          total,
			Returned:       len(msgs),
			Messages:       make([]MessageEntry, 0, len(msgs)),
		}
		for _, m := range msgs {
			result.Messages = append(result.Messages, MessageEntry{
				ID:        m.ID,
				Sender:    chat.SenderName(m),
				Content:   m.Content,
				Pending:   m.Pending(),
				CreatedAt: m.CreatedAt,
			})
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(chat Chat) mcp.ToolHandlerFor[SendMessageInput, *SendMessageResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendMessageResult, error) {
		conv, ok := chat.Active()
		if !ok {
			return nil, nil, errNoActiveConversation
		}

		result := &SendMessageResult{
			ConversationID: conv.ID,
			Accepted:       chat.Send(ctx, input.Content),
		}

		return textResult(result), result, nil
	}
}

func startConversationHandler(chat Chat) mcp.ToolHandlerFor[StartConversationInput, *ConversationResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input StartConversationInput) (*mcp.CallToolResult, *ConversationResult, error) {
		other := models.ID(strings.TrimSpace(input.ParticipantID))
		if other == "" {
			return nil, nil, fmt.Errorf("participant_id is required")
		}

		conv, err := chat.StartConversation(ctx, other)
		if err != nil {
			return nil, nil, err
		}

		result := &ConversationResult{Conversation: conversationEntry(conv)}

		return textResult(result), result, nil
	}
}

func conversationEntry(c models.Conversation) ConversationEntry {
	return ConversationEntry{
		ID:             c.ID,
		Name:           c.Counterparty.Name(),
		CounterpartyID: c.Counterparty.ID,
		LastActivity:   c.LastActivity,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
