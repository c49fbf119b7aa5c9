package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TurnRecord stores one committed utterance or one dispatched agent reply.
type TurnRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UtteranceID    string    `json:"utterance_id,omitempty"`
	Speaker        string    `json:"speaker"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Mode           string    `json:"mode,omitempty"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error)
	Ping(ctx context.Context) error
	Close() error
}
