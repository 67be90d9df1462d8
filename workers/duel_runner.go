package workers

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrRunnerStopped = eris.New("duel runner stopped")

// RunFunc runs one duel after its photo barrier closed.
type RunFunc func(ctx context.Context, duelID string) error

// DuelRunner executes duel runs on a fixed number of goroutines so request
// handlers can return as soon as the second photo is stored.
type DuelRunner struct {
	run     RunFunc
	workers int
	jobs    chan string
	log     zerolog.Logger

	mu      sync.RWMutex
	stopped bool
	group   *errgroup.Group
}

func NewDuelRunner(run RunFunc, workers, backlog int, logger zerolog.Logger) *DuelRunner {
	return &DuelRunner{
		run:     run,
		workers: workers,
		jobs:    make(chan string, backlog),
		log:     logger.With().Str("component", "duel_runner").Logger(),
	}
}

// Start launches the workers. Runs already picked up finish even after ctx
// is cancelled; queued ones are drained before Wait returns.
func (r *DuelRunner) Start(ctx context.Context) {
	r.group = &errgroup.Group{}
	runCtx := context.WithoutCancel(ctx)

	for i := 0; i < r.workers; i++ {
		r.group.Go(func() error {
			for duelID := range r.jobs {
				r.execute(runCtx, duelID)
			}
			return nil
		})
	}

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		r.stopped = true
		close(r.jobs)
		r.mu.Unlock()
		r.log.Info().Msg("⏹️ duel runner stopping")
	}()
	r.log.Info().Int("workers", r.workers).Msg("🔁 duel runner started")
}

// Submit queues a duel run. It blocks while the backlog is full.
func (r *DuelRunner) Submit(ctx context.Context, duelID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return eris.Wrapf(ErrRunnerStopped, "duel %s", duelID)
	}

	select {
	case r.jobs <- duelID:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "queueing duel %s", duelID)
	}
}

// Wait blocks until every worker has exited.
func (r *DuelRunner) Wait() error {
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *DuelRunner) execute(ctx context.Context, duelID string) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Str("duel_id", duelID).Msg("duel run panicked")
		}
	}()
	if err := r.run(ctx, duelID); err != nil {
		r.log.Warn().Err(err).Str("duel_id", duelID).Msg("duel run finished with error")
	}
}
