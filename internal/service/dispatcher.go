package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/message-dispatcher/internal/cache"
	"github.com/LeventeLantos/message-dispatcher/internal/lock"
	"github.com/LeventeLantos/message-dispatcher/internal/metrics"
	"github.com/LeventeLantos/message-dispatcher/internal/model"
	"github.com/LeventeLantos/message-dispatcher/internal/repo"
	"github.com/LeventeLantos/message-dispatcher/internal/scheduler"
)

// RateLimitKey is the config key holding the pause between sends, in seconds.
const RateLimitKey = "message_rate_limit_seconds"

const (
	DefaultInterval  = 10 * time.Second
	DefaultBatchSize = 10
	DefaultRateLimit = 3 * time.Second

	baseBackoff   = 30 * time.Second
	backoffFactor = 3
	maxBackoff    = time.Duration(math.MaxInt64)

	unknownError = "unknown error"
)

var (
	ErrNilStore   = errors.New("store must not be nil")
	ErrNilSession = errors.New("session must not be nil")
)

// Store is the part of the queue store the dispatcher needs.
type Store interface {
	FetchDue(ctx context.Context, limit int, now time.Time) ([]model.QueueEntry, error)
	Update(ctx context.Context, id int64, u model.QueueUpdate) error
	AppendLog(ctx context.Context, e model.LogEntry) error
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.QueueEntry, error)
}

// Session is the messaging channel.
type Session interface {
	IsReady() bool
	Send(ctx context.Context, address, body string) (string, error)
}

type LeaderLock interface {
	TryAcquire(ctx context.Context) (lock.Release, bool, error)
}

// Dispatcher drains due queue rows through the session, one at a time.
type Dispatcher struct {
	store   Store
	session Session

	interval  time.Duration
	batchSize int
	rateLimit atomic.Int64

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
	metrics *metrics.Dispatch
	cache   cache.MessageCache
	leader  LeaderLock
	owner   string

	inCycle atomic.Bool
	sched   *scheduler.Scheduler
}

type Option func(*Dispatcher)

func WithInterval(d time.Duration) Option {
	return func(x *Dispatcher) { x.interval = d }
}

func WithBatchSize(n int) Option {
	return func(x *Dispatcher) { x.batchSize = n }
}

// WithRateLimit sets the pause used until the config key provides one.
func WithRateLimit(d time.Duration) Option {
	return func(x *Dispatcher) { x.rateLimit.Store(int64(d)) }
}

func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) {
		if now != nil {
			x.now = now
		}
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(x *Dispatcher) {
		if sleep != nil {
			x.sleep = sleep
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(x *Dispatcher) {
		if l != nil {
			x.log = l
		}
	}
}

func WithMetrics(m *metrics.Dispatch) Option {
	return func(x *Dispatcher) { x.metrics = m }
}

func WithCache(c cache.MessageCache) Option {
	return func(x *Dispatcher) { x.cache = c }
}

func WithLeaderLock(l LeaderLock) Option {
	return func(x *Dispatcher) { x.leader = l }
}

// WithOwner sets the token written to claimed rows.
func WithOwner(owner string) Option {
	return func(x *Dispatcher) {
		if owner != "" {
			x.owner = owner
		}
	}
}

func NewDispatcher(store Store, session Session, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if session == nil {
		return nil, ErrNilSession
	}

	d := &Dispatcher{
		store:     store,
		session:   session,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		sleep:     sleepContext,
		log:       slog.Default(),
		owner:     uuid.NewString(),
	}
	d.rateLimit.Store(int64(DefaultRateLimit))
	for _, opt := range opts {
		opt(d)
	}
	if d.batchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if d.RateLimit() < 0 {
		return nil, errors.New("rate limit must be >= 0")
	}
	d.log = d.log.With("component", "dispatcher")

	sched, err := scheduler.New("dispatcher", d.interval, func(ctx context.Context) {
		d.RunCycle(ctx)
	}, scheduler.WithLogger(d.log))
	if err != nil {
		return nil, err
	}
	d.sched = sched
	return d, nil
}

// Start begins polling. It returns false if the dispatcher is already running.
func (d *Dispatcher) Start() bool {
	return d.sched.Start()
}

// Stop ends polling and waits for an in-flight attempt to be recorded.
func (d *Dispatcher) Stop() bool {
	return d.sched.Stop()
}

func (d *Dispatcher) IsRunning() bool {
	return d.sched.IsRunning()
}

func (d *Dispatcher) Interval() time.Duration {
	return d.interval
}

func (d *Dispatcher) RateLimit() time.Duration {
	return time.Duration(d.rateLimit.Load())
}

func (d *Dispatcher) Owner() string {
	return d.owner
}

// RunCycle performs one poll cycle. It returns false when the cycle was
// skipped because another one is running, the session is not ready, or
// another instance holds the leader lock.
func (d *Dispatcher) RunCycle(ctx context.Context) bool {
	if !d.inCycle.CompareAndSwap(false, true) {
		d.log.Debug("cycle skipped", "reason", "previous cycle running")
		d.metrics.ObserveCycle(metrics.CycleSkipped)
		return false
	}
	defer d.inCycle.Store(false)

	if !d.session.IsReady() {
		d.log.Debug("cycle skipped", "reason", "session not ready")
		d.metrics.ObserveCycle(metrics.CycleSkipped)
		return false
	}

	release, ok, err := d.lead(ctx)
	if err != nil {
		d.log.Warn("leader lock unavailable", "err", err)
		d.metrics.ObserveCycle(metrics.CycleError)
		return false
	}
	if !ok {
		d.log.Debug("cycle skipped", "reason", "leader lock held elsewhere")
		d.metrics.ObserveCycle(metrics.CycleSkipped)
		return false
	}
	defer release()

	sent, failed, retried, err := d.drain(ctx)
	if err != nil {
		d.log.Error("cycle aborted", "err", err, "sent", sent, "failed", failed, "retried", retried)
		d.metrics.ObserveCycle(metrics.CycleError)
		return true
	}
	if sent+failed+retried > 0 {
		d.log.Info("cycle finished", "sent", sent, "failed", failed, "retried", retried)
	}
	d.metrics.ObserveCycle(metrics.CycleRan)
	return true
}

// lead takes the leader lock when one is configured.
func (d *Dispatcher) lead(ctx context.Context) (func(), bool, error) {
	if d.leader == nil {
		return func() {}, true, nil
	}
	release, ok, err := d.leader.TryAcquire(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			d.log.Warn("releasing leader lock failed", "err", err)
		}
	}, true, nil
}

type outcome int

const (
	// outcomeSkipped means the row was claimed elsewhere and nothing was sent.
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
	outcomeRetried
	// outcomeLost means the send happened but the claim was taken over
	// before the result could be recorded.
	outcomeLost
)

func (d *Dispatcher) drain(ctx context.Context) (sent, failed, retried int, err error) {
	if err := d.refreshRateLimit(ctx); err != nil {
		return 0, 0, 0, err
	}

	rows, err := d.store.FetchDue(ctx, d.batchSize, d.now())
	if err != nil {
		return 0, 0, 0, fmt.Errorf("fetching due messages: %w", err)
	}
	if len(rows) == 0 {
		return 0, 0, 0, nil
	}
	d.log.Info("processing due messages", "count", len(rows))

	for _, row := range rows {
		if ctx.Err() != nil {
			return sent, failed, retried, nil
		}

		// A started attempt is always recorded, even when Stop arrives mid-send.
		out, err := d.attempt(context.WithoutCancel(ctx), row)
		if err != nil {
			return sent, failed, retried, err
		}
		switch out {
		case outcomeSkipped:
			continue
		case outcomeSent:
			sent++
		case outcomeFailed:
			failed++
		case outcomeRetried:
			retried++
		}

		if err := d.sleep(ctx, d.RateLimit()); err != nil {
			return sent, failed, retried, nil
		}
	}
	return sent, failed, retried, nil
}

func (d *Dispatcher) attempt(ctx context.Context, row model.QueueEntry) (outcome, error) {
	unclaimed := model.Precondition{Status: model.Pending}
	if row.Attempts >= row.MaxAttempts {
		return d.fail(ctx, row, row.Attempts, "attempts exhausted", unclaimed)
	}

	attempts := row.Attempts + 1
	claimedAt := d.now()
	sending := model.Sending
	err := d.store.Update(ctx, row.ID, model.QueueUpdate{
		Status:    &sending,
		Attempts:  &attempts,
		ClaimedBy: &d.owner,
		ClaimedAt: &claimedAt,
		If:        &unclaimed,
	})
	if errors.Is(err, repo.ErrConflict) {
		d.log.Debug("message claimed elsewhere", "id", row.ID)
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claiming message %d: %w", row.ID, err)
	}

	start := time.Now()
	providerID, sendErr := d.session.Send(ctx, row.RecipientAddress, row.Body)
	d.metrics.ObserveSend(time.Since(start))

	held := model.Precondition{Status: model.Sending, ClaimedBy: d.owner}
	if sendErr == nil {
		return d.markSent(ctx, row, attempts, providerID, held)
	}

	reason := sendErr.Error()
	if strings.TrimSpace(reason) == "" {
		reason = unknownError
	}
	if attempts >= row.MaxAttempts {
		return d.fail(ctx, row, attempts, reason, held)
	}
	return d.retry(ctx, row, attempts, reason, held)
}

// update applies u only while the row still matches cond. lost is true when
// it no longer does.
func (d *Dispatcher) update(ctx context.Context, row model.QueueEntry, u model.QueueUpdate, cond model.Precondition) (lost bool, err error) {
	u.If = &cond
	err = d.store.Update(ctx, row.ID, u)
	if errors.Is(err, repo.ErrConflict) {
		d.log.Warn("claim lost before outcome was recorded", "id", row.ID, "expected_status", cond.Status)
		return true, nil
	}
	return false, err
}

func (d *Dispatcher) markSent(ctx context.Context, row model.QueueEntry, attempts int, providerID string, cond model.Precondition) (outcome, error) {
	now := d.now()
	status := model.Sent
	lost, err := d.update(ctx, row, releaseClaim(model.QueueUpdate{Status: &status}), cond)
	if err != nil {
		return outcomeLost, fmt.Errorf("marking message %d sent: %w", row.ID, err)
	}
	if lost {
		return outcomeLost, nil
	}

	entry := logEntry(row, model.LogSent, now)
	if providerID != "" {
		entry.ProviderMessageID = &providerID
	}
	if err := d.store.AppendLog(ctx, entry); err != nil {
		return outcomeSent, fmt.Errorf("logging message %d: %w", row.ID, err)
	}

	if d.cache != nil && providerID != "" {
		if err := d.cache.StoreSent(ctx, row.ID, providerID, now); err != nil {
			d.log.Warn("caching receipt failed", "id", row.ID, "err", err)
		}
	}

	d.metrics.Sent()
	d.log.Info("message sent", "id", row.ID, "attempts", attempts, "provider_id", providerID)
	return outcomeSent, nil
}

func (d *Dispatcher) fail(ctx context.Context, row model.QueueEntry, attempts int, reason string, cond model.Precondition) (outcome, error) {
	status := model.Failed
	lost, err := d.update(ctx, row, releaseClaim(model.QueueUpdate{Status: &status, LastError: &reason}), cond)
	if err != nil {
		return outcomeLost, fmt.Errorf("marking message %d failed: %w", row.ID, err)
	}
	if lost {
		return outcomeLost, nil
	}

	entry := logEntry(row, model.LogFailed, d.now())
	entry.Error = &reason
	if err := d.store.AppendLog(ctx, entry); err != nil {
		return outcomeFailed, fmt.Errorf("logging message %d: %w", row.ID, err)
	}

	d.metrics.Failed()
	d.log.Warn("message failed permanently", "id", row.ID, "attempts", attempts, "err", reason)
	return outcomeFailed, nil
}

func (d *Dispatcher) retry(ctx context.Context, row model.QueueEntry, attempts int, reason string, cond model.Precondition) (outcome, error) {
	delay := Backoff(attempts)
	next := d.now().Add(delay)
	status := model.Pending
	lost, err := d.update(ctx, row, releaseClaim(model.QueueUpdate{Status: &status, NextAttemptAt: &next, LastError: &reason}), cond)
	if err != nil {
		return outcomeLost, fmt.Errorf("rescheduling message %d: %w", row.ID, err)
	}
	if lost {
		return outcomeLost, nil
	}

	d.metrics.Retried()
	d.log.Info("message retry scheduled",
		"id", row.ID,
		"attempts", attempts,
		"backoff", delay.String(),
		"err", reason,
	)
	return outcomeRetried, nil
}

// refreshRateLimit keeps the previous interval when the key is absent or
// holds something unusable.
func (d *Dispatcher) refreshRateLimit(ctx context.Context) error {
	raw, ok, err := d.store.GetConfigValue(ctx, RateLimitKey)
	if err != nil {
		return fmt.Errorf("reading %s: %w", RateLimitKey, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}

	limit, err := ParseRateLimit(raw)
	if err != nil {
		d.log.Warn("ignoring rate limit config", "key", RateLimitKey, "err", err, "keeping", d.RateLimit().String())
		return nil
	}
	d.rateLimit.Store(int64(limit))
	return nil
}

// ParseRateLimit reads a rate limit given in seconds. Fractions are allowed;
// negative values and values too large for a time.Duration are rejected.
func ParseRateLimit(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || secs < 0 {
		return 0, fmt.Errorf("%q is not a non-negative number of seconds", raw)
	}
	ns := secs * float64(time.Second)
	if ns >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("%q seconds is out of range", raw)
	}
	return time.Duration(ns), nil
}

// Backoff returns the delay before attempt number attempts+1:
// 30s after the first failure, tripling each time after that.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseBackoff
	for i := 1; i < attempts; i++ {
		if delay > maxBackoff/backoffFactor {
			return maxBackoff
		}
		delay *= backoffFactor
	}
	return delay
}

func releaseClaim(u model.QueueUpdate) model.QueueUpdate {
	owner := ""
	at := time.Time{}
	u.ClaimedBy = &owner
	u.ClaimedAt = &at
	return u
}

func logEntry(row model.QueueEntry, status model.LogStatus, at time.Time) model.LogEntry {
	return model.LogEntry{
		QueueID:          row.ID,
		RecipientAddress: row.RecipientAddress,
		RecipientLabel:   row.RecipientLabel,
		Body:             row.Body,
		Status:           status,
		CreatedAt:        at,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
