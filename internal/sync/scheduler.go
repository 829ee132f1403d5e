package sync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner runs one sync cycle
type Runner interface {
	RunCycle(ctx context.Context, trigger Trigger) (*Report, error)
}

// Status is the scheduler's view of recent cycles
type Status struct {
	LastSuccess         time.Time `json:"last_success,omitzero"`
	Failed              bool      `json:"failed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastOutcome         string    `json:"last_outcome,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	InFlight            bool      `json:"in_flight"`
	NextRun             time.Time `json:"next_run,omitzero"`
	LastReport          *Report   `json:"last_report,omitempty"`
}

// Scheduler runs cycles on a timer and on demand. At most one cycle runs at
// a time; a refresh requested during a cycle runs right after it.
type Scheduler struct {
	runner     Runner
	foreground time.Duration
	background time.Duration
	logger     *slog.Logger

	trigger chan struct{}
	period  chan struct{}

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	bg     bool
}

func NewScheduler(runner Runner, foreground, background time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if background < foreground {
		background = foreground
	}
	return &Scheduler{
		runner:     runner,
		foreground: foreground,
		background: background,
		logger:     logger,
		trigger:    make(chan struct{}, 1),
		period:     make(chan struct{}, 1),
	}
}

// Run blocks until ctx is done. The first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runOnce(ctx, TriggerStartup)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()
	s.setNext(s.interval())

	for {
		var trigger Trigger
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			trigger = TriggerTimer
		case <-s.trigger:
			trigger = TriggerManual
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-s.period:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			d := s.interval()
			timer.Reset(d)
			s.setNext(d)
			continue
		}

		s.runOnce(ctx, trigger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := s.interval()
		timer.Reset(d)
		s.setNext(d)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, trigger Trigger) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	s.status.InFlight = true
	s.status.NextRun = time.Time{}
	s.mu.Unlock()

	report, err := s.runner.RunCycle(cycleCtx, trigger)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = nil
	s.status.InFlight = false
	if errors.Is(err, ErrCycleInFlight) {
		return
	}

	s.status.LastReport = report
	s.status.LastError = ""
	if report != nil {
		s.status.LastOutcome = report.Outcome.String()
	}
	if err != nil {
		s.status.LastError = err.Error()
	}
	if err != nil || report == nil || report.Outcome == OutcomeFailed {
		s.status.Failed = true
		s.status.ConsecutiveFailures++
		s.logger.Warn("sync cycle did not complete", "trigger", trigger,
			"consecutive_failures", s.status.ConsecutiveFailures, "error", err)
		return
	}
	s.status.Failed = false
	s.status.ConsecutiveFailures = 0
	s.status.LastSuccess = report.FinishedAt
}

// Refresh asks for a cycle as soon as possible. It reports false when one
// is already queued.
func (s *Scheduler) Refresh() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Cancel stops the cycle in flight, if any. Nothing it fetched is kept.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// SetBackground switches between the foreground and background periods.
// The new period applies from now.
func (s *Scheduler) SetBackground(bg bool) {
	s.mu.Lock()
	changed := s.bg != bg
	s.bg = bg
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.period <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bg {
		return s.background
	}
	return s.foreground
}

func (s *Scheduler) setNext(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.NextRun = time.Now().Add(d)
}
