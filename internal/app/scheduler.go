/**
 * @description
 * Cron scheduler for the recurring settlement sweep. Operators can trigger
 * payouts interactively through the API; the sweep covers events nobody
 * settled by hand once they have ended.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// SweepScheduler manages the recurring settlement sweep job.
type SweepScheduler struct {
	cron          *cron.Cron
	service       *Service
	schedule      string
	sweepIdentity string
	batchLimit    int
}

// NewSweepScheduler creates a scheduler that periodically settles ended
// events. sweepIdentity is the operator identity the sweep runs as; it must
// be present in the operator allow-list so the guard stays the single
// authorization point.
func NewSweepScheduler(service *Service, schedule, sweepIdentity string, batchLimit int) *SweepScheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &SweepScheduler{
		cron:          c,
		service:       service,
		schedule:      schedule,
		sweepIdentity: sweepIdentity,
		batchLimit:    batchLimit,
	}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *SweepScheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Printf("level=error component=scheduler msg=\"failed to schedule settlement sweep\" schedule=%q err=%v", s.schedule, err)
		return
	}
	log.Printf("level=info component=scheduler msg=\"scheduled settlement sweep\" schedule=%q identity=%q", s.schedule, s.sweepIdentity)
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler and returns a context that is done
// once running jobs have finished.
func (s *SweepScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *SweepScheduler) runSweep() {
	s.service.SweepPendingEvents(context.Background(), s.sweepIdentity, s.batchLimit)
}
