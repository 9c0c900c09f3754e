package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/LeventeLantos/message-dispatcher/internal/client"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
)

var ErrInvalidMessage = errors.New("invalid message")

type EnqueueStore interface {
	Enqueue(ctx context.Context, entries []model.QueueEntry) ([]model.QueueEntry, error)
}

type Recipient struct {
	Address string
	Label   string
}

// Enqueuer validates outbound messages and adds them to the queue as due now.
type Enqueuer struct {
	store       EnqueueStore
	maxAttempts int
	contentMax  int
	now         func() time.Time
}

func NewEnqueuer(store EnqueueStore, maxAttempts, contentMax int) (*Enqueuer, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if maxAttempts <= 0 {
		return nil, errors.New("max attempts must be > 0")
	}
	if contentMax <= 0 {
		return nil, errors.New("content max must be > 0")
	}
	return &Enqueuer{
		store:       store,
		maxAttempts: maxAttempts,
		contentMax:  contentMax,
		now:         time.Now,
	}, nil
}

// WithClock replaces the enqueue timestamp source.
func (e *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Enqueuer) Enqueue(ctx context.Context, r Recipient, body string) (model.QueueEntry, error) {
	out, err := e.EnqueueBulk(ctx, []Recipient{r}, body)
	if err != nil {
		return model.QueueEntry{}, err
	}
	return out[0], nil
}

// EnqueueBulk queues the same body for every recipient. Nothing is stored
// unless every recipient is valid.
func (e *Enqueuer) EnqueueBulk(ctx context.Context, rs []Recipient, body string) ([]model.QueueEntry, error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: body is empty", ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(body); n > e.contentMax {
		return nil, fmt.Errorf("%w: content exceeds %d chars", ErrInvalidMessage, e.contentMax)
	}

	now := e.now().UTC()
	entries := make([]model.QueueEntry, 0, len(rs))
	for i, r := range rs {
		address := strings.TrimSpace(r.Address)
		if client.NormalizeAddress(address) == "" {
			return nil, fmt.Errorf("%w: recipient %d has no usable address %q", ErrInvalidMessage, i, r.Address)
		}

		entry := model.QueueEntry{
			RecipientAddress: address,
			Body:             body,
			Status:           model.Pending,
			MaxAttempts:      e.maxAttempts,
			NextAttemptAt:    now,
			CreatedAt:        now,
		}
		if label := strings.TrimSpace(r.Label); label != "" {
			entry.RecipientLabel = &label
		}
		entries = append(entries, entry)
	}

	out, err := e.store.Enqueue(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("enqueueing %d messages: %w", len(entries), err)
	}
	return out, nil
}
