// Package scheduler periodically re-scans every report.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"sitewatch/models"
	"sitewatch/scrape"
)

// Starter is the part of scrape.Runner the scheduler needs.
type Starter interface {
	StartReportUpdate(reportID uint) error
}

type Scheduler struct {
	scheduler gocron.Scheduler
	db        *gorm.DB
	starter   Starter
	log       *logrus.Logger
}

func New(db *gorm.DB, starter Starter, log *logrus.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, db: db, starter: starter, log: log}, nil
}

// SchedulePeriodicRescan registers the rescan job and returns its id.
func (s *Scheduler) SchedulePeriodicRescan(interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("rescan interval must be positive, got %s", interval)
	}
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.RescanAll() }),
		gocron.WithName("report-rescan"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create periodic rescan job: %w", err)
	}
	return job.ID().String(), nil
}

func (s *Scheduler) Start() { s.scheduler.Start() }

func (s *Scheduler) Shutdown() error { return s.scheduler.Shutdown() }

// RescanAll starts an update scan for every report and returns how many were
// started. Reports that are already being scanned are skipped.
func (s *Scheduler) RescanAll() int {
	var ids []uint
	if err := s.db.Model(&models.Report{}).Order("id").Pluck("id", &ids).Error; err != nil {
		s.log.WithError(err).Error("rescan: list reports")
		return 0
	}
	started := 0
	for _, id := range ids {
		err := s.starter.StartReportUpdate(id)
		switch {
		case err == nil:
			started++
		case errors.Is(err, scrape.ErrScanInProgress):
			s.log.WithField("report_id", id).Info("rescan: scan already running, skipped")
		default:
			s.log.WithField("report_id", id).WithError(err).Warn("rescan: could not start scan")
		}
	}
	s.log.WithFields(logrus.Fields{"reports": len(ids), "started": started}).Info("rescan: scheduled scans started")
	return started
}
