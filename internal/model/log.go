package model

import "time"

type LogStatus string

const (
	LogSent   LogStatus = "sent"
	LogFailed LogStatus = "failed"
)

// LogEntry is the write-once record of a terminal delivery outcome.
type LogEntry struct {
	ID                int64     `json:"id"`
	QueueID           int64     `json:"queueId"`
	RecipientAddress  string    `json:"recipientAddress"`
	RecipientLabel    *string   `json:"recipientLabel,omitempty"`
	Body              string    `json:"body"`
	Status            LogStatus `json:"status"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
	Error             *string   `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}
