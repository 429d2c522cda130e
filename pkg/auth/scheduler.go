package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gregtusar/sigtrader/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const DefaultSchedule = "0 8 * * 1-5"

type Refresher interface {
	Refresh(ctx context.Context) (models.SessionToken, error)
}

// Scheduler triggers a session refresh on a cron schedule in the exchange
// time zone.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	timeout   time.Duration
	logger    *logrus.Logger
}

func NewScheduler(refresher Refresher, schedule string, loc *time.Location, timeout time.Duration, logger *logrus.Logger) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:      cron.New(cron.WithLocation(loc)),
		refresher: refresher,
		timeout:   timeout,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.Info("Scheduled session refresh")
	if _, err := s.refresher.Refresh(ctx); err != nil {
		// The manager has already escalated.
		s.logger.WithError(err).Error("Scheduled session refresh failed")
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.WithField("next", e.Next.Format(time.RFC3339)).Info("Session refresh scheduled")
	}
}

// Stop halts the schedule and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
