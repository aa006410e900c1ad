package cleanup_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/scopehq/scope-client/internal/service/cleanup"
)

type countingPruner struct {
	calls     int32
	retention atomic.Value
}

func (p *countingPruner) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	atomic.AddInt32(&p.calls, 1)
	p.retention.Store(olderThan)
	return 2, nil
}

func TestWorker_PrunesOnStartAndOnEveryTick(t *testing.T) {
	pruner := &countingPruner{}
	w := cleanup.NewWorker(pruner, 20*time.Millisecond, 30*24*time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pruner.calls) >= 3
	}, time.Second, 5*time.Millisecond, "immediate run plus ticks")
	require.Equal(t, 30*24*time.Hour, pruner.retention.Load())

	cancel()
	settled := atomic.LoadInt32(&pruner.calls)
	time.Sleep(60 * time.Millisecond)
	require.LessOrEqual(t, atomic.LoadInt32(&pruner.calls), settled+1, "worker stops after cancellation")
}
