package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrSyncRunning is returned when a run is requested while another is in flight.
var ErrSyncRunning = errors.New("sync is already running")

// RunStore abstracts the run history used by the scheduler.
type RunStore interface {
	InsertRun(ctx context.Context, run *Run) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time) error
	MarkRunCompleted(ctx context.Context, run *Run) error
	PruneOldRuns(ctx context.Context) error
}

// Syncer performs one synchronization.
type Syncer interface {
	Sync(ctx context.Context) SyncResult
}

// Notifier delivers a short message about a run that did not fully succeed.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// SchedulerOptions configures when and how long runs execute.
type SchedulerOptions struct {
	Cron     string
	Location *time.Location
	Timeout  time.Duration
}

// Scheduler triggers synchronization runs on a cron schedule and on demand.
// At most one run executes at a time.
type Scheduler struct {
	store    RunStore
	syncer   Syncer
	notifier Notifier
	logger   *slog.Logger
	location *time.Location
	timeout  time.Duration

	cron     *cron.Cron
	expr     string
	schedule cron.Schedule
	entryID  cron.EntryID

	running atomic.Bool
	wg      sync.WaitGroup

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies. A nil notifier disables notifications.
func NewScheduler(store RunStore, syncer Syncer, notifier Notifier, logger *slog.Logger, opts SchedulerOptions) (*Scheduler, error) {
	schedule, err := ParseCron(opts.Cron)
	if err != nil {
		return nil, err
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:    store,
		syncer:   syncer,
		notifier: notifier,
		logger:   logger,
		location: location,
		timeout:  opts.Timeout,
		cron:     c,
		expr:     opts.Cron,
		schedule: schedule,
	}, nil
}

// Start begins the scheduling loop. ctx is used for the runs themselves.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(s.handleScheduledTrigger))
	s.cron.Start()
	s.logger.Info("scheduler started", "next_run", s.NextRun())
}

// Stop stops the scheduler. The returned context is done once in-flight runs have finished.
func (s *Scheduler) Stop() context.Context {
	cronCtx := s.cron.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// Wait blocks until no run is executing in the background.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// NextRun returns the next scheduled trigger time in UTC.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(time.Now().In(s.location)).UTC()
}

// Schedule returns the cron expression driving scheduled runs.
func (s *Scheduler) Schedule() string {
	return s.expr
}

// Running reports whether a run is executing.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// RunNow starts a manual run in the background.
func (s *Scheduler) RunNow(ctx context.Context) (*Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	run := newRun(RunTriggerManual, RunStatusQueued, time.Now().UTC())
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.running.Store(false)
		return nil, err
	}
	s.launch(run)
	return run, nil
}

// RunOnce executes a manual run synchronously and returns its final record.
func (s *Scheduler) RunOnce(ctx context.Context) (*Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncRunning
	}
	defer s.running.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()
	run := newRun(RunTriggerManual, RunStatusQueued, time.Now().UTC())
	if err := s.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.execute(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

func (s *Scheduler) handleScheduledTrigger() {
	ctx := s.ctxOrBackground()
	scheduledAt := time.Now().UTC()
	if entry := s.cron.Entry(s.entryID); !entry.Prev.IsZero() {
		scheduledAt = entry.Prev.UTC()
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("skipping scheduled sync because a run is in progress")
		run := newRun(RunTriggerSchedule, RunStatusSkipped, scheduledAt)
		if err := s.store.InsertRun(ctx, run); err != nil {
			s.logger.Error("record skipped run", "err", err)
		}
		return
	}
	run := newRun(RunTriggerSchedule, RunStatusQueued, scheduledAt)
	if err := s.store.InsertRun(ctx, run); err != nil {
		s.running.Store(false)
		s.logger.Error("insert run", "err", err)
		return
	}
	s.launch(run)
}

func (s *Scheduler) launch(run *Run) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		if err := s.execute(s.ctxOrBackground(), run); err != nil {
			s.logger.Error("execute sync", "run_id", run.ID, "err", err)
		}
	}()
}

func (s *Scheduler) execute(ctx context.Context, run *Run) error {
	startedAt := time.Now().UTC()
	if err := s.store.MarkRunStarted(ctx, run.ID, startedAt); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	run.Status = RunStatusRunning
	run.StartedAt = &startedAt

	syncCtx := ctx
	cancel := func() {}
	if s.timeout > 0 {
		syncCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	result := s.syncer.Sync(syncCtx)
	cancel()

	applyResult(run, result)
	s.logger.Info("sync finished", "run_id", run.ID, "status", run.Status,
		"retrieved", run.Retrieved, "written", run.Written, "failed", run.Failed)

	if err := s.store.MarkRunCompleted(ctx, run); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	if err := s.store.PruneOldRuns(ctx); err != nil {
		s.logger.Warn("prune runs", "err", err)
	}
	if run.Status != RunStatusSucceeded {
		s.notify(ctx, run, result)
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, run *Run, result SyncResult) {
	if s.notifier == nil {
		return
	}
	title := fmt.Sprintf("Automation sync %s", run.Status)
	if err := s.notifier.Send(ctx, title, result.Report()); err != nil {
		s.logger.Warn("send notification", "run_id", run.ID, "err", err)
	}
}

func applyResult(run *Run, result SyncResult) {
	endedAt := result.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	run.EndedAt = &endedAt
	run.Retrieved = result.Retrieved
	run.Written = result.Written
	run.Failed = result.RecordsFailed()
	run.FailedKeys = result.FailedKeys()
	switch result.State {
	case SyncStateDone:
		run.Status = RunStatusSucceeded
	case SyncStatePartial:
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusFailed
	}
	if err := result.Err(); err != nil {
		msg := err.Error()
		run.Error = &msg
	}
}

func newRun(trigger RunTrigger, status RunStatus, scheduledAt time.Time) *Run {
	return &Run{
		ID:          NewID(),
		Trigger:     trigger,
		Status:      status,
		ScheduledAt: scheduledAt,
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
