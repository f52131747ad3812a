// Package schedule runs the fixed daily jobs: opening and closing the
// disinfection window and the nightly restart. Jobs fire at a wall
// clock time in the configured timezone and reschedule themselves for
// the next day.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("parse clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("parse clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("parse clock %q: bad minute", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// next returns the first instant at this clock time strictly after now.
func (c Clock) next(now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	at := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// Job is one daily action.
type Job struct {
	Name string
	At   Clock
	Run  func(ctx context.Context)
}

// Scheduler fires registered jobs once per day. Jobs run on their own
// goroutines; Stop waits for in-flight runs to finish.
type Scheduler struct {
	loc    *time.Location
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup

	// now is stubbed in tests.
	now func() time.Time
}

// New creates a scheduler in the given timezone.
func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		loc:    loc,
		logger: logger,
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start arms a timer for each registered job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	for _, job := range s.jobs {
		s.armLocked(ctx, job)
	}
	s.logger.Debug("schedule started", "jobs", len(s.jobs), "tz", s.loc.String())
}

// Stop cancels all timers and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for name, timer := range s.timers {
		timer.Stop()
		delete(s.timers, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("schedule stopped")
}

// NextRun reports when the named job fires next. ok is false for an
// unknown job or a stopped scheduler.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}, false
	}
	for _, job := range s.jobs {
		if job.Name == name {
			return job.At.next(s.now(), s.loc), true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) armLocked(ctx context.Context, job Job) {
	next := job.At.next(s.now(), s.loc)
	delay := next.Sub(s.now())

	if timer, exists := s.timers[job.Name]; exists {
		timer.Stop()
	}
	s.timers[job.Name] = time.AfterFunc(delay, func() {
		s.fire(ctx, job)
	})
	s.logger.Debug("job scheduled", "job", job.Name, "next", next, "delay", delay)
}

func (s *Scheduler) fire(ctx context.Context, job Job) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, job.Name)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if err := ctx.Err(); err != nil {
		return
	}

	s.logger.Info("running scheduled job", "job", job.Name, "at", job.At.String())
	job.Run(ctx)

	// Tomorrow, same time.
	s.mu.Lock()
	if s.running {
		s.armLocked(ctx, job)
	}
	s.mu.Unlock()
}
