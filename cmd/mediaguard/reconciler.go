package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mediaguard/mediaguard/moderation/engine"

	"github.com/robfig/cron/v3"
)

// Runs ledger reconciliation on a cron schedule. A pass still running when
// the next one is due causes that run to be skipped.
type Reconciler struct {
	eng     *engine.Engine
	cron    *cron.Cron
	limit   int
	logger  *slog.Logger
	running atomic.Bool
}

func NewReconciler(eng *engine.Engine, schedule string, limit int, logger *slog.Logger) (*Reconciler, error) {
	r := &Reconciler{
		eng:    eng,
		cron:   cron.New(),
		limit:  limit,
		logger: logger.With("component", "reconciler"),
	}
	if _, err := r.cron.AddFunc(schedule, r.runOnce); err != nil {
		return nil, err
	}
	r.logger.Info("scheduled ledger reconciliation", "schedule", schedule)
	return r, nil
}

func (r *Reconciler) Start() {
	r.cron.Start()
}

// Waits for a running pass to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Reconciler) runOnce() {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous reconciliation still running, skipping")
		return
	}
	defer r.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	start := time.Now()
	res, err := r.eng.Reconcile(ctx, r.limit)
	reconcileDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reconcileRunCount.WithLabelValues("error").Inc()
		r.logger.Error("ledger reconciliation failed", "err", err)
		return
	}
	reconcileRunCount.WithLabelValues("ok").Inc()
	if res.Divergent > 0 {
		r.logger.Warn("ledger block status divergence", "count", res.Divergent)
	}
}
