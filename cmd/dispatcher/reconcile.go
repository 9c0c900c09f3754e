package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type reconcileFunc interface {
	Reconcile(ctx context.Context, staleAfter time.Duration) (int, error)
}

// reconciler runs the stale-claim sweep on a cron schedule.
type reconciler struct {
	target     reconcileFunc
	staleAfter time.Duration
	log        *slog.Logger
	cron       *cron.Cron
}

func newReconciler(target reconcileFunc, schedule string, staleAfter time.Duration, logger *slog.Logger) (*reconciler, error) {
	r := &reconciler{
		target:     target,
		staleAfter: staleAfter,
		log:        logger.With("component", "reconciler"),
	}
	cl := cronLogger{log: r.log}
	r.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := r.cron.AddFunc(schedule, func() { r.runOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *reconciler) runOnce(ctx context.Context) {
	n, err := r.target.Reconcile(ctx, r.staleAfter)
	if err != nil {
		r.log.Error("reconcile failed", "err", err)
		return
	}
	r.log.Debug("reconcile finished", "changed", n)
}

func (r *reconciler) start() {
	r.cron.Start()
}

// stop waits for a running sweep to return.
func (r *reconciler) stop() {
	<-r.cron.Stop().Done()
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
