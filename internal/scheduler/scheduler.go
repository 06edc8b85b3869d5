// Package scheduler fires periodic jobs from cron expressions. The CLI
// uses it to reconcile the unread badge on a fixed schedule in addition to
// the event-driven triggers.
package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Job is a named callback run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func()
}

// Scheduler registers jobs as cron entries.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether schedule parses.
func Validate(schedule string) error {
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// New creates a Scheduler. Jobs with an empty schedule are ignored.
func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job and starts the cron ticker. An invalid
// schedule fails the whole start.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		if job.Schedule == "" || job.Run == nil {
			continue
		}

		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			slog.Debug("cron firing job", "name", job.Name)
			job.Run()
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}

	s.cron.Start()
	return nil
}

// Reload stops the existing cron and starts again with jobs.
func (s *Scheduler) Reload(jobs ...Job) error {
	s.cron.Stop()
	s.jobs = jobs
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

// Stop stops the cron ticker. Running jobs are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
