package workers

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StalledDuelFailer is implemented by services.Coordinator.
type StalledDuelFailer interface {
	FailStalled(ctx context.Context, staleAfter time.Duration) (int, error)
}

// StalledDuelWorker periodically releases duels whose scoring run was lost,
// for example because the process restarted between barrier and result.
type StalledDuelWorker struct {
	failer     StalledDuelFailer
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
}

func NewStalledDuelWorker(failer StalledDuelFailer, interval, staleAfter time.Duration, logger zerolog.Logger) *StalledDuelWorker {
	return &StalledDuelWorker{
		failer:     failer,
		interval:   interval,
		staleAfter: staleAfter,
		log:        logger.With().Str("component", "stalled_duel_worker").Logger(),
	}
}

func (w *StalledDuelWorker) Start(ctx context.Context) {
	w.log.Info().Dur("stale_after", w.staleAfter).Msg("🔁 starting stalled duel worker")
	go w.run(ctx)
}

func (w *StalledDuelWorker) run(ctx context.Context) {
	// Runs lost by the previous process are picked up right away.
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			w.log.Info().Msg("⏹️ stalled duel worker stopped")
			return
		}
	}
}

func (w *StalledDuelWorker) sweep(ctx context.Context) {
	n, err := w.failer.FailStalled(ctx, w.staleAfter)
	if err != nil {
		w.log.Error().Err(err).Msg("❌ stalled duel sweep failed")
		return
	}
	if n > 0 {
		w.log.Warn().Int("duels", n).Msg("released stalled duels")
	}
}
