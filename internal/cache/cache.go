package cache

import (
	"context"
	"time"
)

// MessageCache records provider receipts for delivered queue rows.
type MessageCache interface {
	StoreSent(ctx context.Context, queueID int64, providerMessageID string, sentAt time.Time) error
}

type Receipt struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}
