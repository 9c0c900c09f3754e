package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/message-dispatcher/internal/lock"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
	"github.com/LeventeLantos/message-dispatcher/internal/repo"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.QueueEntry
	logs   []model.LogEntry
	config map[string]string

	fetchErr  error
	configErr error
	fetches   int
	// fetchHook runs under the store lock after FetchDue takes its snapshot.
	fetchHook func()
}

func newMemStore() *memStore {
	return &memStore{
		rows:   map[int64]model.QueueEntry{},
		config: map[string]string{},
	}
}

func (s *memStore) add(e model.QueueEntry) model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	e.ID = s.nextID
	if e.Status == "" {
		e.Status = model.Pending
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.Body == "" {
		e.Body = "hello"
	}
	if e.RecipientAddress == "" {
		e.RecipientAddress = "+15550001"
	}
	s.rows[e.ID] = e
	return e
}

// set overwrites a row, standing in for a write made by another process.
func (s *memStore) set(e model.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[e.ID] = e
}

func (s *memStore) get(id int64) model.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *memStore) logEntries() []model.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LogEntry(nil), s.logs...)
}

func (s *memStore) setConfig(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
}

func (s *memStore) deleteConfig(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.config, key)
}

func (s *memStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *memStore) FetchDue(_ context.Context, limit int, now time.Time) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []model.QueueEntry
	for _, r := range s.rows {
		if r.Status == model.Pending && !r.NextAttemptAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if s.fetchHook != nil {
		s.fetchHook()
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, id int64, u model.QueueUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	if u.If != nil {
		owner := ""
		if r.ClaimedBy != nil {
			owner = *r.ClaimedBy
		}
		if r.Status != u.If.Status || owner != u.If.ClaimedBy {
			return repo.ErrConflict
		}
	}
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Attempts != nil {
		r.Attempts = *u.Attempts
	}
	if u.NextAttemptAt != nil {
		r.NextAttemptAt = *u.NextAttemptAt
	}
	if u.LastError != nil {
		v := *u.LastError
		r.LastError = &v
	}
	if u.ClaimedBy != nil {
		if *u.ClaimedBy == "" {
			r.ClaimedBy = nil
		} else {
			v := *u.ClaimedBy
			r.ClaimedBy = &v
		}
	}
	if u.ClaimedAt != nil {
		if u.ClaimedAt.IsZero() {
			r.ClaimedAt = nil
		} else {
			v := *u.ClaimedAt
			r.ClaimedAt = &v
		}
	}
	if r.Attempts > r.MaxAttempts {
		return errors.New("attempts exceed max attempts")
	}
	s.rows[id] = r
	return nil
}

func (s *memStore) AppendLog(_ context.Context, e model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, e)
	return nil
}

func (s *memStore) GetConfigValue(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configErr != nil {
		return "", false, s.configErr
	}
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.QueueEntry
	for _, r := range s.rows {
		if r.Status != model.Sending {
			continue
		}
		at := r.UpdatedAt
		if r.ClaimedAt != nil {
			at = *r.ClaimedAt
		}
		if at.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeSession struct {
	ready atomic.Bool
	sends atomic.Int32
	send  func(ctx context.Context, address, body string) (string, error)
}

func newFakeSession(send func(ctx context.Context, address, body string) (string, error)) *fakeSession {
	s := &fakeSession{send: send}
	s.ready.Store(true)
	return s
}

func (s *fakeSession) IsReady() bool { return s.ready.Load() }

func (s *fakeSession) Send(ctx context.Context, address, body string) (string, error) {
	s.sends.Add(1)
	if s.send == nil {
		return "provider-id", nil
	}
	return s.send(ctx, address, body)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Calls() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.calls...)
}

type fakeLeader struct {
	acquire  bool
	released atomic.Int32
}

func (l *fakeLeader) TryAcquire(context.Context) (lock.Release, bool, error) {
	if !l.acquire {
		return nil, false, nil
	}
	return func(context.Context) error {
		l.released.Add(1)
		return nil
	}, true, nil
}
