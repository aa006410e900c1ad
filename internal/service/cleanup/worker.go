// Package cleanup prunes closed session-history rows past their retention
// window on a background ticker.
package cleanup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes closed history rows older than the retention window and
// reports how many were removed.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Worker struct {
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
}

func NewWorker(pruner Pruner, interval, retention time.Duration, log zerolog.Logger) *Worker {
	return &Worker{pruner: pruner, interval: interval, retention: retention, log: log}
}

// Start runs one prune immediately, then on every tick until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		w.runOnce(ctx)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runOnce(ctx)
			}
		}
	}()
	w.log.Info().Dur("interval", w.interval).Msg("history retention worker started")
}

func (w *Worker) runOnce(ctx context.Context) {
	deleted, err := w.pruner.Prune(ctx, w.retention)
	if err != nil {
		w.log.Warn().Err(err).Msg("history prune failed")
		return
	}
	if deleted > 0 {
		w.log.Info().Int64("deleted", deleted).Msg("pruned closed session history rows")
	}
}
