// Package messaging keeps the active conversation's message log in sync
// with the REST and push collaborators.
package messaging

import (
	"context"
	"log/slog"

	"github.com/lancerly/chat-sync/internal/models"
)

// DirectoryAPI lists the participant's conversations.
type DirectoryAPI interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
}

// LoadDirectory fetches the conversation directory in the order the
// collaborator delivered it. Any failure yields an empty directory and a
// warning; it never returns nil.
func LoadDirectory(ctx context.Context, api DirectoryAPI, logger *slog.Logger) []models.Conversation {
	convs, err := api.ListConversations(ctx)
	if err != nil {
		logger.Warn("loading conversation directory failed", slog.String("error", err.Error()))
		return []models.Conversation{}
	}

	if convs == nil {
		return []models.Conversation{}
	}

	return convs
}
