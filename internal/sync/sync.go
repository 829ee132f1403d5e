package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wesm/prtrail/internal/api"
	"github.com/wesm/prtrail/internal/classify"
	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/notify"
	"github.com/wesm/prtrail/internal/prune"
	"github.com/wesm/prtrail/internal/registry"
	"github.com/wesm/prtrail/internal/replica"
)

// ErrCycleInFlight is returned when a cycle is requested while one runs,
// in this process or in another one sharing the store.
var ErrCycleInFlight = errors.New("a sync cycle is already running")

// lockTTL bounds how long a crashed process can block cycles of others.
const lockTTL = 10 * time.Minute

// Trigger names what started a cycle
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerManual
	TriggerStartup
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerStartup:
		return "startup"
	default:
		return "timer"
	}
}

// Outcome is the overall result of a cycle
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomePartiallyFailed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePartiallyFailed:
		return "partially_failed"
	case OutcomeFailed:
		return "failed"
	default:
		return "succeeded"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// PairFailure records one (server, kind) fetch that did not apply
type PairFailure struct {
	Server string `json:"server"`
	Kind   string `json:"kind"`
	Scope  string `json:"scope,omitempty"`
	Error  string `json:"error"`
}

func (f PairFailure) String() string {
	if f.Scope != "" {
		return fmt.Sprintf("%s %s %s: %s", f.Server, f.Kind, f.Scope, f.Error)
	}
	return fmt.Sprintf("%s %s: %s", f.Server, f.Kind, f.Error)
}

// Report describes one cycle
type Report struct {
	ID            string                 `json:"id"`
	Trigger       string                 `json:"trigger"`
	Outcome       Outcome                `json:"outcome"`
	StartedAt     time.Time              `json:"started_at"`
	FinishedAt    time.Time              `json:"finished_at"`
	Pairs         int                    `json:"pairs"`
	Failures      []PairFailure          `json:"failures,omitempty"`
	Skipped       []string               `json:"skipped,omitempty"`
	Created       int                    `json:"created"`
	Updated       int                    `json:"updated"`
	Purged        int                    `json:"purged"`
	Sections      map[models.Section]int `json:"-"`
	Notifications int                    `json:"notifications"`
}

// Options configures a Syncer
type Options struct {
	Workers  int
	Timeout  time.Duration
	PageSize int
	Settings models.Settings
}

// Syncer runs sync cycles against every active server
type Syncer struct {
	store    *db.DB
	registry *registry.Registry
	hub      *notify.Hub
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	running sync.Mutex
}

// New creates a new syncer
func New(store *db.DB, reg *registry.Registry, hub *notify.Hub, logger *slog.Logger, opts Options) *Syncer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > 10 {
		opts.Workers = 10 // Cap at 10 to avoid overwhelming GitHub API
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = notify.NewHub(logger)
	}
	return &Syncer{
		store:    store,
		registry: reg,
		hub:      hub,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Settings returns the policy cycles run with.
func (s *Syncer) Settings() models.Settings { return s.opts.Settings }

// RunCycle performs one complete fetch, reconcile, prune and classify pass.
// A cycle whose outcome is Failed, or that is cancelled, leaves the store
// untouched. The returned error is reserved for cancellation and store
// failures; fetch failures are reported in the Report.
func (s *Syncer) RunCycle(ctx context.Context, trigger Trigger) (*Report, error) {
	if !s.running.TryLock() {
		return nil, ErrCycleInFlight
	}
	defer s.running.Unlock()

	report := &Report{ID: uuid.NewString(), Trigger: trigger.String(), StartedAt: s.now()}
	logger := s.logger.With("cycle", report.ID)

	fail := func(err error) (*Report, error) {
		report.Outcome = OutcomeFailed
		report.FinishedAt = s.now()
		logger.Error("sync cycle failed", "error", err)
		return report, err
	}

	if err := s.store.AcquireSyncLock(ctx, report.ID, report.StartedAt, lockTTL); err != nil {
		if errors.Is(err, db.ErrLocked) {
			return nil, ErrCycleInFlight
		}
		return fail(err)
	}
	defer func() {
		if err := s.store.ReleaseSyncLock(context.WithoutCancel(ctx), report.ID); err != nil {
			logger.Warn("failed to release sync lock", "error", err)
		}
	}()
	logger.Info("sync cycle started", "trigger", trigger)

	rep, err := s.store.Load(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to load store: %w", err))
	}

	c := &cycle{
		syncer: s,
		rep:    rep,
		report: report,
		logger: logger,
	}
	c.prepare(ctx)
	if err := c.fetch(ctx); err != nil {
		c.recordServers()
		return fail(err)
	}

	report.Outcome = c.outcome()
	if report.Outcome == OutcomeFailed {
		c.recordServers()
		report.FinishedAt = s.now()
		logger.Warn("sync cycle failed, store left untouched", "failures", len(report.Failures))
		return report, nil
	}

	notes, err := c.finish(ctx)
	if err != nil {
		c.recordServers()
		return fail(err)
	}
	c.recordServers()
	s.hub.Publish(notes...)

	logger.Info("sync cycle finished",
		"outcome", report.Outcome,
		"pairs", report.Pairs,
		"failures", len(report.Failures),
		"created", report.Created,
		"updated", report.Updated,
		"purged", report.Purged,
		"notifications", report.Notifications,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// serverRun is the per-cycle state of one server
type serverRun struct {
	srv       *models.Server
	client    *api.GitHubClient
	login     string
	succeeded int
	failed    int
}

type cycle struct {
	syncer *Syncer
	rep    *replica.Replica
	report *Report
	logger *slog.Logger
	runs   []*serverRun

	// servers that could not be identified this cycle
	dropped []*serverRun
}

// prepare drops servers that are no longer configured and picks the
// servers this cycle will refresh. Only those are marked pending delete.
func (c *cycle) prepare(ctx context.Context) {
	s := c.syncer
	for _, srv := range c.rep.ServerList() {
		if !s.registry.Configured(srv.ID) {
			c.logger.Info("removing unconfigured server", "server", srv.Label)
			c.rep.PurgeServer(srv.ID)
		}
	}

	limiter := s.registry.Limiter()
	for _, active := range s.registry.ListActive() {
		srv, ok := c.rep.Servers[active.ID]
		if !ok {
			continue
		}
		if !limiter.CanProceed(srv.ID) {
			until := limiter.BackoffUntil(srv.ID)
			c.logger.Warn("skipping server until backoff expires", "server", srv.Label, "until", until)
			c.report.Skipped = append(c.report.Skipped, srv.Label)
			c.report.Failures = append(c.report.Failures, PairFailure{
				Server: srv.Label,
				Kind:   "server",
				Error:  fmt.Sprintf("%s until %s", api.KindQuotaExhausted, until.Format(time.RFC3339)),
			})
			continue
		}
		client, err := api.NewGitHubClient(ctx, srv.ID, active.APIPath, active.Token, api.Options{
			Timeout:  s.opts.Timeout,
			PageSize: s.opts.PageSize,
			Observer: s.registry,
		})
		if err != nil {
			c.report.Failures = append(c.report.Failures, PairFailure{Server: srv.Label, Kind: "server", Error: err.Error()})
			continue
		}
		c.rep.MarkServerPendingDelete(srv.ID)
		c.runs = append(c.runs, &serverRun{srv: srv, client: client, login: srv.UserLogin})
	}
}

// outcome folds pair results into the cycle result.
func (c *cycle) outcome() Outcome {
	succeeded := 0
	for _, run := range c.runs {
		succeeded += run.succeeded
	}
	switch {
	case len(c.report.Failures) == 0:
		return OutcomeSucceeded
	case succeeded == 0:
		return OutcomeFailed
	default:
		return OutcomePartiallyFailed
	}
}

// finish prunes, classifies and commits a non-failed cycle.
func (c *cycle) finish(ctx context.Context) ([]models.Notification, error) {
	s := c.syncer
	settings := s.opts.Settings

	pruned := prune.Prune(c.rep, settings)
	classified := classify.Classify(c.rep, settings)
	notes := notify.Derive(c.rep, settings)

	now := s.now()
	for _, run := range c.runs {
		run.srv.LastSyncAt = now
		run.srv.LastSyncSucceeded = run.failed == 0
		if q, ok := s.registry.Quota(run.srv.ID); ok {
			run.srv.RateLimit = q.Limit
			run.srv.RateRemaining = q.Remaining
			run.srv.RateResetAt = q.ResetAt
		}
		c.rep.TouchServer(run.srv.ID)
	}

	c.report.Created = countAction(c.rep, models.ActionNoteNew)
	c.report.Updated = countAction(c.rep, models.ActionNoteUpdated)
	c.report.Purged = pruned.Total()
	c.report.Sections = classified.Sections
	c.report.Notifications = len(notes)
	c.report.FinishedAt = now

	failures := make([]string, len(c.report.Failures))
	for i, f := range c.report.Failures {
		failures[i] = f.String()
	}
	stats, err := s.store.Commit(ctx, c.rep, &db.RunRecord{
		ID:         c.report.ID,
		Trigger:    c.report.Trigger,
		Outcome:    c.report.Outcome.String(),
		StartedAt:  c.report.StartedAt,
		FinishedAt: now,
		Created:    c.report.Created,
		Updated:    c.report.Updated,
		Purged:     c.report.Purged,
		Failures:   failures,
	})
	if err != nil {
		return nil, err
	}
	// committed records match the store again
	c.rep.ResetActions()
	c.logger.Debug("cycle committed", "written", stats.Written, "deleted", stats.Deleted,
		"kept", pruned.Kept, "reclassified", classified.Changed)
	return notes, nil
}

// recordServers feeds per-server results to the rate limiter.
func (c *cycle) recordServers() {
	limiter := c.syncer.registry.Limiter()
	for _, run := range slices.Concat(c.runs, c.dropped) {
		if run.failed > 0 {
			until := limiter.RecordFailure(run.srv.ID)
			c.logger.Debug("server backing off", "server", run.srv.Label, "until", until)
		} else {
			limiter.RecordSuccess(run.srv.ID)
		}
	}
}

func countAction(r *replica.Replica, action models.LifecycleAction) int {
	return r.Orgs.Count(action) + r.Repos.Count(action) + r.PullRequests.Count(action) +
		r.Comments.Count(action) + r.Statuses.Count(action) + r.Labels.Count(action)
}
