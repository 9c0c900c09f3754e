package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/message-dispatcher/internal/model"
)

const reconcileBatch = 100

const staleClaimError = "claim expired after final attempt"

// Reconcile returns rows stuck in sending for longer than staleAfter to the
// pending pool with their attempt count unchanged. A stale row that already
// used its last attempt is failed instead. It reports how many rows it
// changed.
//
// The sweep shares the cycle guard and the leader lock with RunCycle, so it
// never runs beside a send loop it could race with. It returns 0 without
// error when either is held.
func (d *Dispatcher) Reconcile(ctx context.Context, staleAfter time.Duration) (int, error) {
	if staleAfter <= 0 {
		return 0, errors.New("stale threshold must be > 0")
	}

	if !d.inCycle.CompareAndSwap(false, true) {
		d.log.Debug("reconcile skipped", "reason", "cycle running")
		return 0, nil
	}
	defer d.inCycle.Store(false)

	release, ok, err := d.lead(ctx)
	if err != nil {
		return 0, fmt.Errorf("taking leader lock: %w", err)
	}
	if !ok {
		d.log.Debug("reconcile skipped", "reason", "leader lock held elsewhere")
		return 0, nil
	}
	defer release()

	now := d.now()
	rows, err := d.store.ListStale(ctx, now.Add(-staleAfter), reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("listing stale claims: %w", err)
	}

	var requeued, failed int
	defer func() { d.metrics.Requeued(requeued) }()

	for _, row := range rows {
		cond := model.Precondition{Status: model.Sending}
		if row.ClaimedBy != nil {
			cond.ClaimedBy = *row.ClaimedBy
		}

		if row.Attempts >= row.MaxAttempts {
			out, err := d.fail(ctx, row, row.Attempts, staleClaimError, cond)
			if err != nil {
				return requeued + failed, err
			}
			if out == outcomeFailed {
				failed++
			}
			continue
		}

		status := model.Pending
		lost, err := d.update(ctx, row, releaseClaim(model.QueueUpdate{Status: &status, NextAttemptAt: &now}), cond)
		if err != nil {
			return requeued + failed, fmt.Errorf("requeueing message %d: %w", row.ID, err)
		}
		if !lost {
			requeued++
		}
	}

	if requeued+failed > 0 {
		d.log.Info("stale claims reconciled", "requeued", requeued, "failed", failed)
	}
	return requeued + failed, nil
}
