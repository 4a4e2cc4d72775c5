package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the reconciliation queue in the background.
type Worker struct {
	listener *Listener
	store    Store
	interval time.Duration
	batch    int
	// staleAfter is how long a claim may stay running before it is requeued.
	staleAfter time.Duration
	log        *slog.Logger
}

// NewWorker returns a Worker that claims up to batch items every interval.
func NewWorker(l *Listener, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 20
	}
	return &Worker{
		listener:   l,
		store:      l.store,
		interval:   interval,
		batch:      batch,
		staleAfter: 10 * interval,
		log:        l.log,
	}
}

// Run drains the queue on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("reconcile worker started", "interval", w.interval, "batch", w.batch)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx); err != nil {
				w.log.Error("drain reconcile queue", "error", err)
			}
		}
	}
}

// DrainOnce requeues abandoned claims, then claims one batch and reconciles
// each item's user. It returns the number of items processed. A failed pass
// marks its item failed and does not stop the batch.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	n, err := w.store.RequeueStale(ctx, w.listener.now().Add(-w.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		w.log.Warn("requeued abandoned reconcile items", "count", n)
	}

	items, err := w.store.ClaimPending(ctx, w.batch)
	if err != nil {
		return 0, err
	}

	for i, it := range items {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		_, runErr := w.listener.Reconcile(ctx, it.UserID)
		if runErr != nil {
			w.log.Warn("reconcile failed", "user_id", it.UserID, "item_id", it.ID, "error", runErr)
		}
		if err := w.store.CompleteItem(ctx, it.ID, runErr); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
