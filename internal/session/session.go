// Package session exposes the messaging channel as a ready/send pair.
//
// The gateway owns the actual connection (pairing, reconnects). Session
// probes it on an interval, keeps a readiness flag for the dispatcher and
// publishes lifecycle changes to a state record.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/message-dispatcher/internal/client"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
	"github.com/LeventeLantos/message-dispatcher/internal/scheduler"
)

var ErrNotReady = errors.New("session not ready")

const publishTimeout = 5 * time.Second

type Gateway interface {
	Send(ctx context.Context, address, body string) (string, error)
	Status(ctx context.Context) (client.GatewayStatus, error)
}

type StateRecorder interface {
	SaveSessionState(ctx context.Context, s model.SessionState) error
}

type Session struct {
	gw    Gateway
	rec   StateRecorder
	log   *slog.Logger
	now   func() time.Time
	sched *scheduler.Scheduler

	ready atomic.Bool

	mu    sync.Mutex
	state model.SessionState
}

type Option func(*Session)

func WithRecorder(r StateRecorder) Option {
	return func(s *Session) { s.rec = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func New(gw Gateway, pollInterval time.Duration, opts ...Option) (*Session, error) {
	if gw == nil {
		return nil, errors.New("gateway must not be nil")
	}
	s := &Session{
		gw:    gw,
		log:   slog.Default(),
		now:   time.Now,
		state: model.SessionState{Status: model.SessionDisconnected},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "session")

	sched, err := scheduler.New("session-monitor", pollInterval, s.Refresh, scheduler.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.sched = sched
	return s, nil
}

// Start marks the session as connecting and begins probing the gateway.
func (s *Session) Start() bool {
	if s.sched.IsRunning() {
		return false
	}
	s.transition(context.Background(), model.SessionConnecting, nil)
	return s.sched.Start()
}

func (s *Session) Stop() bool {
	if !s.sched.Stop() {
		return false
	}
	s.transition(context.Background(), model.SessionDisconnected, nil)
	return true
}

func (s *Session) IsReady() bool {
	return s.ready.Load()
}

func (s *Session) Status() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Send(ctx context.Context, address, body string) (string, error) {
	if !s.ready.Load() {
		return "", ErrNotReady
	}
	return s.gw.Send(ctx, address, body)
}

// Refresh probes the gateway once and records the result.
func (s *Session) Refresh(ctx context.Context) {
	gs, err := s.gw.Status(ctx)
	if err != nil {
		s.log.Warn("gateway status probe failed", "err", err)
		s.transition(ctx, model.SessionDisconnected, nil)
		return
	}

	status, ok := model.ParseSessionStatus(gs.Status)
	if !ok {
		s.log.Warn("gateway reported unknown status", "status", gs.Status)
	}

	var phone *string
	if gs.PhoneNumber != "" {
		p := gs.PhoneNumber
		phone = &p
	}
	s.transition(ctx, status, phone)
}

func (s *Session) transition(ctx context.Context, status model.SessionStatus, phone *string) {
	s.mu.Lock()
	prev := s.state
	if phone == nil && status != model.SessionConnected {
		phone = prev.PhoneNumber
	}
	if prev.Status == status && samePhone(prev.PhoneNumber, phone) && !prev.UpdatedAt.IsZero() {
		s.mu.Unlock()
		return
	}

	now := s.now().UTC()
	next := model.SessionState{
		Status:          status,
		PhoneNumber:     phone,
		LastConnectedAt: prev.LastConnectedAt,
		UpdatedAt:       now,
	}
	if status == model.SessionConnected && prev.Status != model.SessionConnected {
		next.LastConnectedAt = &now
	}
	s.state = next
	s.ready.Store(status == model.SessionConnected)
	s.mu.Unlock()

	s.log.Info("session state changed", "from", prev.Status, "to", status)

	if s.rec == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.rec.SaveSessionState(pctx, next); err != nil {
		s.log.Warn("publishing session state failed", "err", err)
	}
}

func samePhone(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
