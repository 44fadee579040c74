package errors

import "errors"

// Credential and transport errors.
var (
	ErrAuth              = errors.New("no authenticated session")
	ErrConnection        = errors.New("channel connection failed")
	ErrHandshakeRejected = errors.New("channel handshake rejected")
	ErrNotConnected      = errors.New("channel not connected")
)

// Collaborator errors.
var (
	ErrFetch                = errors.New("API request failed")
	ErrConversationNotFound = errors.New("conversation not found")
)
