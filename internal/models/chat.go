// Package models defines types shared across internal packages.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ID is an opaque identifier for conversations, messages and
// participants. Collaborators are inconsistent about whether ids are
// JSON strings or numbers, so ID accepts both and always re-encodes as a
// string.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*id = ID(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}

	*id = ID(n.String())

	return nil
}

func (id ID) String() string { return string(id) }

// Counterparty is the other participant of a pairwise conversation.
type Counterparty struct {
	ID          ID     `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty" yaml:"avatar_ref,omitempty"`
}

// Name returns the display name, or a placeholder when the collaborator
// did not supply one.
func (c Counterparty) Name() string {
	if c.DisplayName == "" {
		return "Unnamed User"
	}

	return c.DisplayName
}

// Conversation is a durable pairwise thread. The client never creates
// one locally; it only learns about them from the directory or from a
// start-conversation request.
type Conversation struct {
	ID           ID           `json:"id" yaml:"id"`
	Counterparty Counterparty `json:"counterparty" yaml:"counterparty"`
	LastActivity time.Time    `json:"last_activity,omitzero" yaml:"last_activity,omitempty"`
}

// MessageState tracks whether a message has been confirmed.
type MessageState int

const (
	// StatePending marks a local-optimistic message: visible in the log
	// but not yet confirmed by the persistence layer or an echo.
	StatePending MessageState = iota
	// StateSettled marks a message seen in a history snapshot, pushed by
	// another participant, or confirmed after a local send.
	StateSettled
)

func (s MessageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSettled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalYAML renders the state by name in exports.
func (s MessageState) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Message is one entry in a conversation's log.
type Message struct {
	// ID is the durable identifier assigned by the persistence layer.
	// Empty while the message is pending.
	ID ID `json:"id,omitempty" yaml:"id,omitempty"`
	// ClientID is generated locally for messages this client sends and
	// echoed by collaborators that support it.
	ClientID       string       `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ConversationID ID           `json:"conversation_id" yaml:"conversation_id"`
	SenderID       ID           `json:"sender_id" yaml:"sender_id"`
	ReceiverID     ID           `json:"receiver_id,omitempty" yaml:"receiver_id,omitempty"`
	Content        string       `json:"content" yaml:"content"`
	Seq            int64        `json:"seq,omitempty" yaml:"seq,omitempty"`
	CreatedAt      time.Time    `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	State          MessageState `json:"state" yaml:"state"`
}

// Pending reports whether the message is still local-optimistic.
func (m Message) Pending() bool { return m.State == StatePending }
