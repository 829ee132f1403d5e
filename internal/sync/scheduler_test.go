package sync

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []Trigger
	outcomes []Outcome
	errs     []error
	block    bool
}

func (f *fakeRunner) RunCycle(ctx context.Context, trigger Trigger) (*Report, error) {
	f.mu.Lock()
	n := len(f.triggers)
	f.triggers = append(f.triggers, trigger)
	block := f.block
	report := &Report{Trigger: trigger.String(), StartedAt: time.Now()}
	var err error
	if n < len(f.outcomes) {
		report.Outcome = f.outcomes[n]
	}
	if n < len(f.errs) {
		err = f.errs[n]
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		report.Outcome = OutcomeFailed
		return report, ctx.Err()
	}
	report.FinishedAt = time.Now()
	return report, err
}

func (f *fakeRunner) seen() []Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Trigger(nil), f.triggers...)
}

func TestSchedulerTriggers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		runner := &fakeRunner{}
		s := NewScheduler(runner, time.Minute, 10*time.Minute, nil)
		done := make(chan error)
		go func() { done <- s.Run(ctx) }()

		synctest.Wait()
		assert.Equal(t, []Trigger{TriggerStartup}, runner.seen())
		assert.True(t, s.Status().NextRun.Equal(time.Now().Add(time.Minute)))

		time.Sleep(time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, []Trigger{TriggerStartup, TriggerTimer}, runner.seen())

		assert.True(t, s.Refresh())
		synctest.Wait()
		assert.Equal(t, []Trigger{TriggerStartup, TriggerTimer, TriggerManual}, runner.seen())

		s.SetBackground(true)
		synctest.Wait()
		time.Sleep(2 * time.Minute)
		synctest.Wait()
		assert.Len(t, runner.seen(), 3, "background period is longer")

		time.Sleep(8*time.Minute + time.Second)
		synctest.Wait()
		assert.Equal(t, TriggerTimer, runner.seen()[3])

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestSchedulerTracksFailures(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		runner := &fakeRunner{
			outcomes: []Outcome{OutcomeFailed, OutcomeSucceeded, OutcomePartiallyFailed},
			errs:     []error{nil, context.DeadlineExceeded, nil},
		}
		s := NewScheduler(runner, time.Minute, time.Minute, nil)
		go func() { _ = s.Run(ctx) }()

		synctest.Wait()
		st := s.Status()
		assert.True(t, st.Failed)
		assert.Equal(t, 1, st.ConsecutiveFailures)
		assert.Equal(t, "failed", st.LastOutcome)

		s.Refresh()
		synctest.Wait()
		st = s.Status()
		assert.Equal(t, 2, st.ConsecutiveFailures)
		assert.Equal(t, context.DeadlineExceeded.Error(), st.LastError)
		assert.True(t, st.LastSuccess.IsZero())

		s.Refresh()
		synctest.Wait()
		st = s.Status()
		assert.False(t, st.Failed, "a partial failure still counts as a success")
		assert.Zero(t, st.ConsecutiveFailures)
		assert.True(t, st.LastSuccess.Equal(time.Now()))
		require.NotNil(t, st.LastReport)
		assert.Equal(t, "manual", st.LastReport.Trigger)
	})
}

func TestSchedulerCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		runner := &fakeRunner{block: true}
		s := NewScheduler(runner, time.Minute, time.Minute, nil)
		assert.False(t, s.Cancel(), "nothing to cancel yet")

		go func() { _ = s.Run(ctx) }()
		synctest.Wait()
		assert.True(t, s.Status().InFlight)

		assert.True(t, s.Cancel())
		synctest.Wait()
		st := s.Status()
		assert.False(t, st.InFlight)
		assert.True(t, st.Failed)
		assert.Equal(t, context.Canceled.Error(), st.LastError)
	})
}

func TestRefreshQueuesOnce(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, time.Minute, time.Minute, nil)
	assert.True(t, s.Refresh())
	assert.False(t, s.Refresh())
}
