package models

import "time"

// REST collaborator payloads.

// ConversationWire is one entry of GET /conversations.
type ConversationWire struct {
	ID                 ID         `json:"id"`
	OtherParticipantID ID         `json:"other_participant_id"`
	OtherDisplayName   string     `json:"other_display_name"`
	OtherAvatarRef     string     `json:"other_avatar_ref"`
	LastActivity       *time.Time `json:"last_activity,omitempty"`
}

// Conversation converts the wire record to the domain type.
func (w ConversationWire) Conversation() Conversation {
	c := Conversation{
		ID: w.ID,
		Counterparty: Counterparty{
			ID:          w.OtherParticipantID,
			DisplayName: w.OtherDisplayName,
			AvatarRef:   w.OtherAvatarRef,
		},
	}
	if w.LastActivity != nil {
		c.LastActivity = *w.LastActivity
	}

	return c
}

// MessageWire is a stored message as returned by the history and send
// endpoints.
type MessageWire struct {
	ID             ID         `json:"id"`
	ConversationID ID         `json:"conversation_id"`
	SenderID       ID         `json:"sender_id"`
	ReceiverID     ID         `json:"receiver_id"`
	Content        string     `json:"content"`
	Seq            int64      `json:"seq"`
	ClientID       string     `json:"client_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// Message converts the wire record to a settled domain message. The
// history endpoint omits conversation_id, so the caller supplies the
// conversation the record was fetched for.
func (w MessageWire) Message(conversationID ID) Message {
	m := Message{
		ID:             w.ID,
		ClientID:       w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		ReceiverID:     w.ReceiverID,
		Content:        w.Content,
		Seq:            w.Seq,
		State:          StateSettled,
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}

	if w.CreatedAt != nil {
		m.CreatedAt = *w.CreatedAt
	}

	return m
}

// SendRequest is the body of POST /messages/send. The conversation is
// inferred server-side from the sender and receiver pair.
type SendRequest struct {
	ReceiverID ID     `json:"receiver_id"`
	Content    string `json:"content"`
	ClientID   string `json:"client_id,omitempty"`
}

// StartRequest is the body of POST /conversations/start.
type StartRequest struct {
	OtherParticipantID ID `json:"other_participant_id"`
}

// StartResponse is returned from POST /conversations/start.
type StartResponse struct {
	Conversation *ConversationWire `json:"conversation"`
}

// APIError is the error body returned by the REST collaborator.
type APIError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Push channel payloads. The field naming is asymmetric between the two
// directions: outbound events carry conversationId, inbound events carry
// chatId.

// OutboundMessage is the payload of a send_message event.
type OutboundMessage struct {
	ConversationID ID     `json:"conversationId"`
	SenderID       ID     `json:"senderId"`
	ReceiverID     ID     `json:"receiverId"`
	Content        string `json:"content"`
	MessageID      ID     `json:"messageId,omitempty"`
	Seq            int64  `json:"seq,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
}

// InboundMessage is the payload of a receive_message event.
type InboundMessage struct {
	ChatID         ID         `json:"chatId"`
	ConversationID ID         `json:"conversationId"`
	SenderID       ID         `json:"senderId"`
	ReceiverID     ID         `json:"receiverId"`
	Content        string     `json:"content"`
	MessageID      ID         `json:"messageId"`
	Seq            int64      `json:"seq"`
	ClientID       string     `json:"clientId"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
}

// Normalize maps the inbound payload onto the domain message, folding
// chatId and conversationId into a single ConversationID.
func (in InboundMessage) Normalize() Message {
	conv := in.ChatID
	if conv == "" {
		conv = in.ConversationID
	}

	m := Message{
		ID:             in.MessageID,
		ClientID:       in.ClientID,
		ConversationID: conv,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		Seq:            in.Seq,
		State:          StateSettled,
	}
	if in.CreatedAt != nil {
		m.CreatedAt = *in.CreatedAt
	}

	return m
}
