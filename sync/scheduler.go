package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-apilinker/resilience"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"
)

const (
	ScheduleOnce     = "once"
	ScheduleInterval = "interval"
	ScheduleCron     = "cron"
)

// ScheduleConfig selects when sync runs. Interval is in seconds; At is an
// RFC 3339 timestamp; Cron is a standard five field expression.
type ScheduleConfig struct {
	Type     string  `json:"type" yaml:"type" koanf:"type" mapstructure:"type"`
	Interval float64 `json:"interval" yaml:"interval" koanf:"interval" mapstructure:"interval"`
	At       string  `json:"at" yaml:"at" koanf:"at" mapstructure:"at"`
	Cron     string  `json:"cron" yaml:"cron" koanf:"cron" mapstructure:"cron"`
}

func (c ScheduleConfig) Enabled() bool {
	return strings.TrimSpace(c.Type) != ""
}

// Schedule yields the next run time strictly after the given instant.
type Schedule interface {
	Next(after time.Time) (time.Time, bool)
}

type intervalSchedule time.Duration

func (s intervalSchedule) Next(after time.Time) (time.Time, bool) {
	return after.Add(time.Duration(s)), true
}

type onceSchedule time.Time

func (s onceSchedule) Next(after time.Time) (time.Time, bool) {
	at := time.Time(s)
	if !at.After(after) {
		return time.Time{}, false
	}
	return at, true
}

type cronSchedule struct {
	schedule cron.Schedule
}

func (s cronSchedule) Next(after time.Time) (time.Time, bool) {
	next := s.schedule.Next(after)
	return next, !next.IsZero()
}

func ParseSchedule(cfg ScheduleConfig) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case ScheduleInterval:
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("sync: interval schedule requires a positive interval")
		}
		return intervalSchedule(time.Duration(cfg.Interval * float64(time.Second))), nil
	case ScheduleOnce:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(cfg.At))
		if err != nil {
			return nil, fmt.Errorf("sync: once schedule: %w", err)
		}
		return onceSchedule(at), nil
	case ScheduleCron:
		parsed, err := cron.ParseStandard(strings.TrimSpace(cfg.Cron))
		if err != nil {
			return nil, fmt.Errorf("sync: cron schedule: %w", err)
		}
		return cronSchedule{schedule: parsed}, nil
	default:
		return nil, fmt.Errorf("sync: unsupported schedule type %q", cfg.Type)
	}
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs a job at the times given by a Schedule. Job errors are logged
// and do not stop the schedule.
type Scheduler struct {
	schedule Schedule
	job      Job
	clock    resilience.Clock
	logger   glog.Logger
	maxRuns  int
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock resilience.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithSchedulerLogger(logger glog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxRuns stops the scheduler after n runs. Zero means unbounded.
func WithMaxRuns(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxRuns = max(0, n)
	}
}

func NewScheduler(schedule Schedule, job Job, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == nil {
		return nil, fmt.Errorf("sync: schedule is required")
	}
	if job == nil {
		return nil, fmt.Errorf("sync: job is required")
	}
	scheduler := &Scheduler{
		schedule: schedule,
		job:      job,
		clock:    resilience.SystemClock{},
		logger:   glog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(scheduler)
		}
	}
	return scheduler, nil
}

// Run blocks until the schedule is exhausted, the run limit is reached or
// ctx ends. It returns the number of completed runs.
func (s *Scheduler) Run(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	runs := 0
	for s.maxRuns == 0 || runs < s.maxRuns {
		now := s.clock.Now()
		next, ok := s.schedule.Next(now)
		if !ok {
			return runs, nil
		}
		if err := s.clock.Sleep(ctx, next.Sub(now)); err != nil {
			return runs, err
		}
		startedAt := s.clock.Now()
		err := s.job(ctx)
		runs++
		if err != nil {
			s.logger.Error("scheduled run failed", "run", runs, "error", err.Error())
			continue
		}
		s.logger.Info("scheduled run completed",
			"run", runs,
			"duration_ms", s.clock.Now().Sub(startedAt).Milliseconds(),
		)
	}
	return runs, nil
}
