// Package purge runs the trash TTL sweep. The sweep is a single predicate
// delete in storage, so overlapping runs and concurrent user-triggered
// trash/restore operations are safe; failures are logged and picked up by
// the next scheduled run.
package purge

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Purger is what the sweeper needs from the secret lifecycle service.
type Purger interface {
	PurgeExpiredTrash(ctx context.Context) (int64, error)
}

// Sweeper schedules periodic purge runs.
type Sweeper struct {
	purger   Purger
	schedule string
	cron     *cron.Cron
	onPurge  func(count int64)
}

// NewSweeper creates a Sweeper with a cron schedule (e.g. "@hourly").
func NewSweeper(purger Purger, schedule string) *Sweeper {
	return &Sweeper{purger: purger, schedule: schedule}
}

// OnPurge registers a callback invoked with the purged count after each
// successful run (used for metrics).
func (s *Sweeper) OnPurge(fn func(count int64)) {
	s.onPurge = fn
}

// Start begins the schedule. Errors never propagate past the sweep: they are
// logged and the next run retries.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("schedule", s.schedule).Msg("trash purge sweeper started")
	return nil
}

// Stop halts the schedule, waiting for an in-flight run to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce executes one sweep. Also used by the one-shot purge subcommand for
// deployments that prefer external cron.
func (s *Sweeper) RunOnce(ctx context.Context) {
	count, err := s.purger.PurgeExpiredTrash(ctx)
	if err != nil {
		log.Error().Err(err).Msg("trash purge sweep failed")
		return
	}
	if count > 0 {
		log.Info().Int64("purged", count).Msg("trash purge sweep completed")
	}
	if s.onPurge != nil {
		s.onPurge(count)
	}
}
