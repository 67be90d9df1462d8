package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// StartMaintenanceScheduler runs the queue expiry sweep and the duplicate
// audit on their intervals. The caller shuts the returned scheduler down.
func StartMaintenanceScheduler(ctx context.Context, mm *Matchmaker, sweepEvery, auditEvery time.Duration, logger zerolog.Logger) (gocron.Scheduler, error) {
	log := logger.With().Str("component", "scheduler").Logger()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create scheduler")
	}

	// Every sweepEvery: expire waiting entries past their deadline
	_, err = sched.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(func() {
			n, err := mm.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("expiry sweep failed")
				return
			}
			if n > 0 {
				log.Info().Int64("expired", n).Msg("⏰ expired queue entries")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to schedule expiry sweep")
	}

	// Uniqueness is enforced by the schema; anything found here is a bug.
	_, err = sched.NewJob(
		gocron.DurationJob(auditEvery),
		gocron.NewTask(func() {
			entries, err := mm.DedupQueue(ctx)
			if err != nil {
				log.Error().Err(err).Msg("queue dedup audit failed")
			}
			duels, err := mm.DedupDuels(ctx)
			if err != nil {
				log.Error().Err(err).Msg("duel dedup audit failed")
			}
			if entries > 0 || duels > 0 {
				log.Warn().Int64("queue_entries", entries).Int64("duels", duels).Msg("⚠️ dedup audit cancelled duplicates")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to schedule dedup audit")
	}

	sched.Start()
	return sched, nil
}
