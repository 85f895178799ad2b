package engine

import (
	"time"

	"github.com/relaywatch/agent/internal/logging"
	"github.com/relaywatch/agent/internal/storage"
)

// Cleanup runs the data retention cleanup job.
type Cleanup struct {
	db            *storage.DB
	retentionDays int
	stopCh        chan struct{}
}

// NewCleanup creates a new cleanup job.
func NewCleanup(db *storage.DB, retentionDays int) *Cleanup {
	return &Cleanup{
		db:            db,
		retentionDays: retentionDays,
		stopCh:        make(chan struct{}),
	}
}

// Start begins the daily cleanup loop.
func (c *Cleanup) Start() {
	logging.Info().Int("retention_days", c.retentionDays).Msg("cleanup job started")

	// Run once at startup
	c.run()

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.run()
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (c *Cleanup) Stop() {
	close(c.stopCh)
}

func (c *Cleanup) run() {
	deleted, err := c.db.CleanupOlderThan(c.retentionDays)
	if err != nil {
		logging.Error().Err(err).Msg("cleanup failed")
		return
	}
	if deleted > 0 {
		logging.Info().Int64("deleted", deleted).Int("retention_days", c.retentionDays).Msg("cleanup removed old records")
	} else {
		logging.Debug().Msg("cleanup: no records to delete")
	}
}
