// Package remote is the client side of the conversation backend.
package remote

import (
	"context"

	"chatsync/pkg/models"
)

// API is the remote collaborator contract. Implementations return errors
// marked with the syncerr taxonomy.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	// GetOrCreateConversation is idempotent by participant pair.
	GetOrCreateConversation(ctx context.Context, participantID string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	MarkConversationRead(ctx context.Context, conversationID string) error

	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// SendMessage is not idempotent; callers issue it at most once per user action.
	SendMessage(ctx context.Context, conversationID, content string) (models.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	// UploadAudio is not idempotent; it returns the created audio message.
	UploadAudio(ctx context.Context, conversationID string, payload []byte) (models.Message, error)
}

// Credentials supplies the opaque session token attached to every request.
type Credentials interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }
