package convstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper purges expired conversations from a store that does not expire
// them natively. Redis handles expiry itself; the in-memory store needs
// the janitor.
type Sweeper interface {
	Sweep() int
}

// Janitor periodically sweeps expired conversations. It runs as a
// background goroutine and respects context cancellation for graceful
// shutdown.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps on the given interval.
func NewJanitor(sweeper Sweeper, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Janitor{sweeper: sweeper, interval: interval}
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Conversation janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.runCycle()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Conversation janitor stopped")
			return
		case <-ticker.C:
			j.runCycle()
		}
	}
}

func (j *Janitor) runCycle() {
	start := time.Now()
	purged := j.sweeper.Sweep()
	if purged > 0 {
		log.Info().
			Int("purged_conversations", purged).
			Dur("elapsed", time.Since(start)).
			Msg("Conversation sweep complete")
	}
}
