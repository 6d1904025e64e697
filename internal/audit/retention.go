package audit

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// RetentionSweeper purges audit entries past the configured retention
// window on a daily schedule.
type RetentionSweeper struct {
	store         *Store
	retentionDays int
	cron          *cron.Cron
}

// NewRetentionSweeper creates a sweeper for the store. retentionDays must
// be positive; the governance loader guarantees a default of 90.
func NewRetentionSweeper(store *Store, retentionDays int) *RetentionSweeper {
	return &RetentionSweeper{
		store:         store,
		retentionDays: retentionDays,
		cron:          cron.New(),
	}
}

// Start schedules the daily purge. The first sweep runs immediately so a
// long-stopped installation catches up on startup.
func (r *RetentionSweeper) Start() error {
	r.sweep()
	_, err := r.cron.AddFunc("@daily", r.sweep)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule. A sweep already in progress completes.
func (r *RetentionSweeper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *RetentionSweeper) sweep() {
	cutoff := time.Now().UTC().AddDate(0, 0, -r.retentionDays)
	n, err := r.store.PurgeOlderThan(context.Background(), cutoff)
	if err != nil {
		log.Error().Err(err).Msg("audit_retention_sweep_failed")
		return
	}
	if n > 0 {
		log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("audit_retention_sweep")
	}
}
