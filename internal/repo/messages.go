package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/message-dispatcher/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update found the row in another state.
	ErrConflict = errors.New("row no longer matches update precondition")
)

type QueueRepository interface {
	FetchDue(ctx context.Context, limit int, now time.Time) ([]model.QueueEntry, error)
	Update(ctx context.Context, id int64, u model.QueueUpdate) error
	AppendLog(ctx context.Context, e model.LogEntry) error
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error

	Enqueue(ctx context.Context, entries []model.QueueEntry) ([]model.QueueEntry, error)
	Get(ctx context.Context, id int64) (model.QueueEntry, error)
	List(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueEntry, error)
	ListLog(ctx context.Context, limit, offset int) ([]model.LogEntry, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error)
	Stats(ctx context.Context) (model.Stats, error)

	SaveSessionState(ctx context.Context, s model.SessionState) error
	GetSessionState(ctx context.Context) (model.SessionState, bool, error)
}
