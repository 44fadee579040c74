// Package auth supplies the credentials the sync core presents to the
// REST and push collaborators, and guards the local MCP endpoint.
package auth

import (
	"context"
	"fmt"

	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/models"
)

// CredentialSource hands out short-lived identity tokens. Callers ask for
// a token per connection attempt or request and never keep it longer
// than that call.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	ParticipantID() models.ID
}

// StaticSource serves a fixed token, typically from CHAT_TOKEN.
type StaticSource struct {
	participant models.ID
	token       string
}

// NewStaticSource returns a source that always yields token.
func NewStaticSource(participantID, token string) *StaticSource {
	return &StaticSource{participant: models.ID(participantID), token: token}
}

// Token returns the configured token, or ErrAuth when it is empty.
func (s *StaticSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.token == "" {
		return "", fmt.Errorf("static token: %w", chaterrors.ErrAuth)
	}

	return s.token, nil
}

// ParticipantID returns the local participant.
func (s *StaticSource) ParticipantID() models.ID { return s.participant }

// TokenStore is the subset of the state database StoreSource reads.
type TokenStore interface {
	Token() string
}

// StoreSource reads the token from the state database on every call, so
// a token refreshed by `chat-sync set-token` is picked up without a
// restart.
type StoreSource struct {
	participant models.ID
	store       TokenStore
}

// NewStoreSource returns a source backed by store.
func NewStoreSource(participantID string, store TokenStore) *StoreSource {
	return &StoreSource{participant: models.ID(participantID), store: store}
}

// Token returns the currently stored token, or ErrAuth when none is stored.
func (s *StoreSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token := s.store.Token()
	if token == "" {
		return "", fmt.Errorf("stored token: %w", chaterrors.ErrAuth)
	}

	return token, nil
}

// ParticipantID returns the local participant.
func (s *StoreSource) ParticipantID() models.ID { return s.participant }
