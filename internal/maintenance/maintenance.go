// Package maintenance runs the periodic cleanup sweep: expired
// session-scoped permission grants and old terminal prompt rows.
package maintenance

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"conduit/pkg/logger"
)

// Store is what the sweep needs from the persistence layer.
type Store interface {
	PurgeExpiredPermissions() (int64, error)
	PurgeTerminalPromptsBefore(cutoff time.Time) (int64, error)
}

// Config configures the maintenance scheduler.
type Config struct {
	// Schedule is a 6-field cron expression (with seconds).
	Schedule string

	// PromptRetention is how long terminal prompt rows are kept.
	PromptRetention time.Duration
}

// Scheduler periodically purges stale rows. Expired grants already
// behave as absent at read time, the sweep just keeps the tables from
// growing without bound.
type Scheduler struct {
	cron    *cron.Cron
	store   Store
	config  Config
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a maintenance scheduler with sane defaults.
func NewScheduler(store Store, config Config) *Scheduler {
	if config.Schedule == "" {
		config.Schedule = "0 */10 * * * *"
	}
	if config.PromptRetention <= 0 {
		config.PromptRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		store:  store,
		config: config,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("maintenance scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.config.Schedule, s.Sweep); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true
	logger.Info().Str("schedule", s.config.Schedule).
		Dur("prompt_retention", s.config.PromptRetention).
		Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the cron loop, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	logger.Info().Msg("Maintenance scheduler stopped")
}

// Sweep runs one cleanup pass. Exposed so operators can trigger it
// outside the schedule.
func (s *Scheduler) Sweep() {
	permissions, err := s.store.PurgeExpiredPermissions()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to purge expired permissions")
	}

	cutoff := time.Now().Add(-s.config.PromptRetention)
	prompts, err := s.store.PurgeTerminalPromptsBefore(cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to purge terminal prompts")
	}

	if permissions > 0 || prompts > 0 {
		logger.Info().Int64("permissions", permissions).
			Int64("prompts", prompts).
			Msg("Maintenance sweep purged stale rows")
	} else {
		logger.Debug().Msg("Maintenance sweep found nothing to purge")
	}
}
