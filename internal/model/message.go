package model

import "time"

type Status string

const (
	Pending Status = "pending"
	Sending Status = "sending"
	Sent    Status = "sent"
	Failed  Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case Pending, Sending, Sent, Failed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == Sent || s == Failed
}

// QueueEntry is one outbound message and its delivery state.
type QueueEntry struct {
	ID               int64      `json:"id"`
	RecipientAddress string     `json:"recipientAddress"`
	RecipientLabel   *string    `json:"recipientLabel,omitempty"`
	Body             string     `json:"body"`
	Status           Status     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"maxAttempts"`
	NextAttemptAt    time.Time  `json:"nextAttemptAt"`
	LastError        *string    `json:"lastError,omitempty"`
	ClaimedBy        *string    `json:"claimedBy,omitempty"`
	ClaimedAt        *time.Time `json:"claimedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// QueueUpdate carries the fields to change on a queue row. Nil fields are
// left untouched. An empty ClaimedBy or zero ClaimedAt clears the claim.
// When If is set the update only applies to a row still matching it.
type QueueUpdate struct {
	Status        *Status
	Attempts      *int
	NextAttemptAt *time.Time
	LastError     *string
	ClaimedBy     *string
	ClaimedAt     *time.Time

	If *Precondition
}

// Precondition is the state a row must still be in for an update to apply.
// An empty ClaimedBy matches an unclaimed row.
type Precondition struct {
	Status    Status
	ClaimedBy string
}

func (u QueueUpdate) IsEmpty() bool {
	return u.Status == nil && u.Attempts == nil && u.NextAttemptAt == nil &&
		u.LastError == nil && u.ClaimedBy == nil && u.ClaimedAt == nil
}

// Stats summarises the queue and the delivery log.
type Stats struct {
	TotalSent int64 `json:"totalSent"`
	Pending   int64 `json:"pending"`
	Sending   int64 `json:"sending"`
	Failed    int64 `json:"failed"`
}
