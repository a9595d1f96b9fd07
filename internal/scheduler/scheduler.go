// Package scheduler triggers monitor runs on a cron expression or a fixed
// interval. Overlapping triggers are skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "tgrelay/pkg/logx"
)

// Job is one triggered run.
type Job func(ctx context.Context) error

// Config selects when the job fires. Run timeouts belong to the job.
type Config struct {
	Schedule string
	Timezone string
}

// Service owns a cron instance with a single entry.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	spec Spec
	c    *cron.Cron
	base context.Context
	loc  *time.Location

	job     Job
	wrapped cron.Job
	log     logx.Logger
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if job == nil {
		return nil, errors.New("scheduler: job required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{job: job, log: log.With(logx.String("comp", "scheduler"))}
	if err := s.setConfig(cfg); err != nil {
		return nil, err
	}
	// SkipIfStillRunning is per wrapped job, so it must be built once.
	cl := cronLogger{log: s.log}
	s.wrapped = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.run))
	return s, nil
}

func (s *Service) setConfig(cfg Config) error {
	spec, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
	}
	s.mu.Lock()
	s.cfg, s.spec, s.loc = cfg, spec, loc
	s.mu.Unlock()
	return nil
}

// Start registers the schedule. Runs use ctx as their parent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.base = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	sched, err := s.spec.schedule()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{log: s.log}))
	c.Schedule(sched, s.wrapped)
	c.Start()
	s.c = c
	s.log.Info("schedule registered",
		logx.String("spec", s.spec.String()),
		logx.String("kind", s.spec.Kind.String()),
		logx.String("tz", s.loc.String()),
		logx.Time("next", sched.Next(time.Now().In(s.loc))),
	)
	return nil
}

// Apply swaps the schedule. A running cron is restarted when the schedule or
// timezone changed; an in-flight run is not interrupted.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.mu.Unlock()
	if err := s.setConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(prev.Schedule) == strings.TrimSpace(cfg.Schedule) &&
		strings.TrimSpace(prev.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	s.c.Stop()
	s.c = nil
	return s.startLocked()
}

// Next returns the next trigger time, or zero when stopped.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	entries := s.c.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Trigger runs the job now through the same skip-if-running guard as the
// schedule. It returns once the run finished or was skipped.
func (s *Service) Trigger() { s.wrapped.Run() }

// Stop stops triggering and waits for an in-flight run, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) run() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}

	start := time.Now()
	if err := s.job(base); err != nil {
		s.log.Warn("scheduled run failed", logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled run finished", logx.Duration("took", time.Since(start)))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	// cron logs every wake-up at info; keep those at debug except skips.
	if strings.Contains(msg, "skip") {
		l.log.Info("run skipped; previous still running", kvFields(kv)...)
		return
	}
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
