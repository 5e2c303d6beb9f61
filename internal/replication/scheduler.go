package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Scheduler runs the replication drain and cleanup on timers,
// independent of request handling. Overlapping runs of the same task
// are skipped: the list-then-update drain is not safe against
// concurrent duplicate passes.
type Scheduler struct {
	cron *cron.Cron
}

// StartScheduler schedules rep.Drain every syncInterval and rep.Cleanup
// per cleanupSpec (standard cron expression), then starts the timers.
func StartScheduler(rep *Replicator, syncInterval time.Duration, cleanupSpec string) (*Scheduler, error) {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{log.Logger}),
		cron.Recover(cronLogger{log.Logger}),
	))

	_, err := c.AddFunc(fmt.Sprintf("@every %s", syncInterval), func() {
		if err := rep.Drain(context.Background()); err != nil {
			log.Error().Err(err).Msg("replication drain failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling replication drain: %w", err)
	}

	_, err = c.AddFunc(cleanupSpec, func() {
		if err := rep.Cleanup(context.Background()); err != nil {
			log.Error().Err(err).Msg("replication cleanup failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling replication cleanup: %w", err)
	}

	c.Start()
	log.Info().
		Str("instance", rep.InstanceID()).
		Dur("sync_interval", syncInterval).
		Str("cleanup_schedule", cleanupSpec).
		Msg("replication scheduler started")
	return &Scheduler{cron: c}, nil
}

// Stop halts the timers and waits for any running task to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to the cron.Logger interface.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
