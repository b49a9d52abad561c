package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TaskStore is the persistence the scheduler loop needs for tasks.
type TaskStore interface {
	Load(ctx context.Context, id string) (*Task, error)
	LoadAll(ctx context.Context) ([]*Task, error)
	// LoadDue returns pending tasks whose next_execution is at or before now.
	LoadDue(ctx context.Context, now time.Time) ([]*Task, error)
	UpdateRunState(ctx context.Context, id string, state RunState) error
}

// Notifier delivers failure notifications.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// RunObserver receives run and tick measurements, e.g. for metrics.
type RunObserver interface {
	ObserveRun(log ExecutionLog)
	ObserveTick(report TickReport, took time.Duration)
}

// TickReport counts what one tick did with the due tasks it found.
type TickReport struct {
	Due        int
	Dispatched int
	Gated      int
	Skipped    int
	Deferred   int
	Expired    int
	Err        error
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Paused         bool       `json:"paused"`
	Workers        int        `json:"workers"`
	CheckFrequency string     `json:"check_frequency"`
	Runs           int64      `json:"runs"`
	Succeeded      int64      `json:"succeeded"`
	Failed         int64      `json:"failed"`
	LastTick       *time.Time `json:"last_tick,omitempty"`
	Queued         int        `json:"queued"`
	InFlight       int64      `json:"in_flight"`
	PendingWrites  int        `json:"pending_writes"`
}

// SchedulerOptions configure a Scheduler. Zero values select defaults.
type SchedulerOptions struct {
	Workers         int
	QueueSize       int
	Settings        Settings
	SettingsUpdates <-chan Settings
	Probe           ContextProvider
	Notifier        Notifier
	Observer        RunObserver
}

const (
	defaultWorkers = 4
	sweepInterval  = 24 * time.Hour
)

type job struct {
	task    *Task
	release func()
	manual  bool
}

// Scheduler finds due tasks on every tick and runs them on a bounded worker pool.
type Scheduler struct {
	tasks    TaskStore
	logs     LogStore
	runner   *SequenceRunner
	probe    ContextProvider
	notifier Notifier
	observer RunObserver
	logger   *slog.Logger
	clock    clock

	locks   *TaskLocks
	queue   chan job
	workers int

	tickMu    sync.Mutex
	updates   <-chan Settings
	lastSweep time.Time

	settingsMu sync.RWMutex
	settings   Settings

	paused   atomic.Bool
	draining atomic.Bool
	inFlight atomic.Int64

	pendingMu     sync.Mutex
	pendingStates map[string]RunState
	pendingLogs   []ExecutionLog

	statsMu   sync.Mutex
	runs      int64
	succeeded int64
	failed    int64
	lastTick  time.Time

	mu         sync.Mutex
	started    bool
	stop       chan struct{}
	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(tasks TaskStore, logs LogStore, runner *SequenceRunner, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	settings := opts.Settings
	if settings.CheckFrequency == 0 {
		settings = DefaultSettings()
	}
	return &Scheduler{
		tasks:         tasks,
		logs:          logs,
		runner:        runner,
		probe:         opts.Probe,
		notifier:      opts.Notifier,
		observer:      opts.Observer,
		logger:        logger,
		clock:         realClock{},
		locks:         NewTaskLocks(),
		queue:         make(chan job, queueSize),
		workers:       workers,
		updates:       opts.SettingsUpdates,
		settings:      settings,
		pendingStates: make(map[string]RunState),
	}
}

// Start recovers tasks left running by a previous process and starts the
// tick loop and workers. Runs keep going after ctx is cancelled until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.stop = make(chan struct{})
	s.runCtx, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.recoverInterrupted(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "workers", s.workers, "settings", s.currentSettings().String())
	return nil
}

// Stop halts the tick loop and waits for in-flight runs. When ctx expires
// first, running sequences are cancelled at their next step boundary.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.stop)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown grace expired, cancelling running sequences")
		s.cancelRuns()
		<-done
		err = ctx.Err()
	}
	s.cancelRuns()

	for {
		select {
		case j := <-s.queue:
			j.release()
			continue
		default:
		}
		break
	}
	s.flushPending(context.WithoutCancel(ctx))
	s.logger.Info("scheduler stopped")
	return err
}

// Pause stops dispatching new runs. In-flight runs continue.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		s.logger.Info("scheduler paused")
	}
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		s.logger.Info("scheduler resumed")
	}
}

// Paused reports whether dispatching is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// RunNow dispatches a task immediately, regardless of its schedule. It shares
// the per-task lock with scheduled runs and edits.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	if s.draining.Load() {
		return fmt.Errorf("run task %s: restore in progress: %w", id, ErrQueueFull)
	}
	release, ok := s.locks.TryAcquire(id)
	if !ok {
		return fmt.Errorf("run task %s: %w", id, ErrAlreadyRunning)
	}
	task, err := s.tasks.Load(ctx, id)
	if err != nil {
		release()
		return err
	}
	if task.Status == TaskStatusRunning {
		release()
		return fmt.Errorf("run task %s: %w", id, ErrAlreadyRunning)
	}
	if !s.enqueue(job{task: task, release: release, manual: true}) {
		release()
		return fmt.Errorf("run task %s: %w", id, ErrQueueFull)
	}
	return nil
}

// Hold takes the per-task lock of id for an edit. While it is held no tick or
// manual run can dispatch the task. It fails with ErrAlreadyRunning when a
// run is queued or in flight, or when the final state of an earlier run has
// not been written yet.
func (s *Scheduler) Hold(id string) (release func(), err error) {
	if s.draining.Load() {
		return nil, fmt.Errorf("restore in progress: %w", ErrQueueFull)
	}
	release, ok := s.locks.TryAcquire(id)
	if !ok {
		return nil, ErrAlreadyRunning
	}
	if s.hasPendingState(id) {
		release()
		return nil, ErrAlreadyRunning
	}
	return release, nil
}

// Quiesce pauses dispatching and waits until no run is queued or in flight
// and no edit holds a task lock. Task state writes still pending from
// earlier runs are dropped. Call resume to lift the pause again; it leaves
// the scheduler paused if it was paused before Quiesce.
func (s *Scheduler) Quiesce(ctx context.Context) (resume func(), err error) {
	if s.draining.Swap(true) {
		return nil, fmt.Errorf("quiesce: %w", ErrQueueFull)
	}
	wasPaused := s.paused.Swap(true)
	resume = func() {
		if !wasPaused {
			s.paused.Store(false)
		}
		s.draining.Store(false)
	}

	// A tick that passed the pause check before the swap is still dispatching.
	s.tickMu.Lock()
	s.tickMu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.locks.Len() > 0 {
		select {
		case <-ctx.Done():
			resume()
			return nil, fmt.Errorf("quiesce: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	s.pendingMu.Lock()
	dropped := len(s.pendingStates)
	s.pendingStates = make(map[string]RunState)
	s.pendingMu.Unlock()
	if dropped > 0 {
		s.logger.Warn("dropping pending task states", "states", dropped)
	}
	s.logger.Info("scheduler quiesced")
	return resume, nil
}

// Settings returns the settings currently in effect.
func (s *Scheduler) Settings() Settings {
	return s.currentSettings()
}

// Stats returns counters describing the scheduler.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	st := Stats{
		Runs:      s.runs,
		Succeeded: s.succeeded,
		Failed:    s.failed,
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTick = &t
	}
	s.statsMu.Unlock()

	s.pendingMu.Lock()
	st.PendingWrites = len(s.pendingStates) + len(s.pendingLogs)
	s.pendingMu.Unlock()

	st.Paused = s.paused.Load()
	st.Workers = s.workers
	st.CheckFrequency = s.currentSettings().CheckFrequency.String()
	st.Queued = len(s.queue)
	st.InFlight = s.inFlight.Load()
	return st
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	freq := s.currentSettings().CheckFrequency
	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(s.runCtx)
			if f := s.currentSettings().CheckFrequency; f != freq {
				s.logger.Info("check frequency changed", "from", freq, "to", f)
				freq = f
				ticker.Reset(f)
			}
		}
	}
}

// Tick performs one pass of due-task detection and dispatch.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	began := time.Now()
	var report TickReport
	defer func() {
		s.statsMu.Lock()
		s.lastTick = s.clock.Now()
		s.statsMu.Unlock()
		if s.observer != nil {
			s.observer.ObserveTick(report, time.Since(began))
		}
	}()

	s.applySettings()
	s.flushPending(ctx)
	if s.paused.Load() {
		return report
	}

	now := s.clock.Now()
	s.sweepLogs(ctx, now)

	var tasks []*Task
	err := retryStorage(ctx, s.clock, func() error {
		var err error
		tasks, err = s.tasks.LoadDue(ctx, now)
		return err
	})
	if err != nil {
		s.logger.Warn("load tasks failed, skipping tick", "err", err)
		report.Err = err
		return report
	}

	for _, task := range tasks {
		if !task.IsDue(now) {
			continue
		}
		report.Due++
		if s.hasPendingState(task.ID) {
			report.Skipped++
			continue
		}
		release, ok := s.locks.TryAcquire(task.ID)
		if !ok {
			report.Skipped++
			continue
		}
		// An edit may have been saved since LoadDue; act on the stored task.
		fresh, err := s.tasks.Load(ctx, task.ID)
		if err != nil || !fresh.IsDue(now) {
			release()
			report.Skipped++
			continue
		}
		task = fresh
		if end := task.Schedule.EndTime; end != nil && !now.Before(*end) {
			s.expire(ctx, task)
			release()
			report.Expired++
			continue
		}
		if !s.gate(ctx, task) {
			release()
			report.Gated++
			continue
		}
		if !s.enqueue(job{task: task, release: release}) {
			release()
			report.Deferred++
			s.logger.Warn("worker queue full, deferring task to next tick", "task_id", task.ID)
			continue
		}
		report.Dispatched++
	}
	return report
}

func (s *Scheduler) enqueue(j job) bool {
	select {
	case s.queue <- j:
		return true
	default:
		return false
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.queue:
			s.execute(s.runCtx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j job) {
	defer j.release()
	task := j.task
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked", "task_id", task.ID, "panic", r)
			s.persistState(ctx, task.ID, RunState{
				Status:        restingStatus(task),
				LastExecuted:  task.LastExecuted,
				NextExecution: task.NextExecution,
			})
		}
	}()

	running := RunState{Status: TaskStatusRunning, LastExecuted: task.LastExecuted, NextExecution: task.NextExecution}
	if err := retryStorage(ctx, s.clock, func() error { return s.tasks.UpdateRunState(ctx, task.ID, running) }); err != nil {
		s.logger.Warn("mark task running failed, run skipped", "task_id", task.ID, "err", err)
		return
	}

	settings := s.currentSettings()
	outcome, err := s.runner.Run(ctx, task, RunOptions{
		MaxRetries: settings.MaxRetryAttempts,
		RecordLog:  settings.LogRecordingEnabled,
	})
	if err != nil {
		s.logger.Warn("execution log not saved, will retry", "task_id", task.ID, "err", err)
		s.pendingMu.Lock()
		s.pendingLogs = append(s.pendingLogs, outcome.Log)
		s.pendingMu.Unlock()
	}
	if j.manual && task.Status == TaskStatusDisabled {
		outcome.State.Status = TaskStatusDisabled
	}
	s.persistState(ctx, task.ID, outcome.State)
	s.recordRun(outcome.Log)

	if !outcome.Log.Result.Success && settings.NotificationsEnabled && s.notifier != nil {
		title := fmt.Sprintf("Task failed: %s", task.Name)
		if err := s.notifier.Send(ctx, title, outcome.Log.Result.Message); err != nil {
			s.logger.Warn("send failure notification", "task_id", task.ID, "err", err)
		}
	}
}

func restingStatus(task *Task) TaskStatus {
	if task.Status == TaskStatusRunning || task.Status == "" {
		return TaskStatusPending
	}
	return task.Status
}

func (s *Scheduler) recordRun(log ExecutionLog) {
	s.statsMu.Lock()
	s.runs++
	if log.Result.Success {
		s.succeeded++
	} else {
		s.failed++
	}
	s.statsMu.Unlock()
	if s.observer != nil {
		s.observer.ObserveRun(log)
	}
}

func (s *Scheduler) gate(ctx context.Context, task *Task) bool {
	trigger := task.Schedule.Trigger
	if trigger == nil || !trigger.Enabled {
		return true
	}
	if s.probe == nil {
		s.logger.Warn("conditional trigger without context provider, not running", "task_id", task.ID)
		return false
	}
	snapshot, err := s.probe.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("capture condition context", "task_id", task.ID, "err", err)
		return false
	}
	if snapshot.Now.IsZero() {
		snapshot.Now = s.clock.Now()
	}
	return Evaluate(trigger, snapshot)
}

func (s *Scheduler) expire(ctx context.Context, task *Task) {
	s.logger.Info("task passed its end time, completing", "task_id", task.ID)
	s.persistState(ctx, task.ID, RunState{Status: TaskStatusCompleted, LastExecuted: task.LastExecuted})
}

func (s *Scheduler) persistState(ctx context.Context, id string, state RunState) {
	err := retryStorage(ctx, s.clock, func() error { return s.tasks.UpdateRunState(ctx, id, state) })
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		s.logger.Info("task deleted during run, dropping state", "task_id", id)
		return
	}
	s.logger.Warn("persist task state failed, will retry", "task_id", id, "err", err)
	s.pendingMu.Lock()
	s.pendingStates[id] = state
	s.pendingMu.Unlock()
}

func (s *Scheduler) hasPendingState(id string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pendingStates[id]
	return ok
}

// flushPending retries writes that failed on earlier ticks, once each.
func (s *Scheduler) flushPending(ctx context.Context) {
	s.pendingMu.Lock()
	states := s.pendingStates
	logs := s.pendingLogs
	s.pendingStates = make(map[string]RunState)
	s.pendingLogs = nil
	s.pendingMu.Unlock()

	if len(states) == 0 && len(logs) == 0 {
		return
	}
	var keepLogs []ExecutionLog
	for i := range logs {
		if s.logs == nil {
			break
		}
		if err := s.logs.Save(ctx, &logs[i]); err != nil {
			keepLogs = append(keepLogs, logs[i])
		}
	}
	keepStates := make(map[string]RunState)
	for id, state := range states {
		err := s.tasks.UpdateRunState(ctx, id, state)
		if err != nil && !errors.Is(err, ErrNotFound) {
			keepStates[id] = state
		}
	}
	if len(keepLogs) > 0 || len(keepStates) > 0 {
		s.logger.Warn("pending writes still failing", "states", len(keepStates), "logs", len(keepLogs))
	}

	s.pendingMu.Lock()
	for id, state := range keepStates {
		if _, newer := s.pendingStates[id]; !newer {
			s.pendingStates[id] = state
		}
	}
	s.pendingLogs = append(keepLogs, s.pendingLogs...)
	s.pendingMu.Unlock()
}

func (s *Scheduler) sweepLogs(ctx context.Context, now time.Time) {
	days := s.currentSettings().LogRetentionDays
	if days <= 0 || s.logs == nil {
		return
	}
	if !s.lastSweep.IsZero() && now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	cutoff := now.AddDate(0, 0, -days)
	removed, err := s.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("log retention sweep failed", "err", err)
		return
	}
	if removed > 0 {
		s.logger.Info("log retention sweep", "removed", removed, "before", cutoff)
	}
}

func (s *Scheduler) recoverInterrupted(ctx context.Context) {
	tasks, err := s.tasks.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("load tasks for recovery", "err", err)
		return
	}
	for _, task := range tasks {
		if task.Status != TaskStatusRunning {
			continue
		}
		s.logger.Info("recovering task interrupted by shutdown", "task_id", task.ID)
		s.persistState(ctx, task.ID, RunState{
			Status:        TaskStatusPending,
			LastExecuted:  task.LastExecuted,
			NextExecution: task.NextExecution,
		})
	}
}

// applySettings drains the update channel and applies the newest valid value.
func (s *Scheduler) applySettings() {
	if s.updates == nil {
		return
	}
	var latest *Settings
drain:
	for {
		select {
		case st, ok := <-s.updates:
			if !ok {
				s.updates = nil
				break drain
			}
			latest = &st
		default:
			break drain
		}
	}
	if latest == nil {
		return
	}
	if err := latest.Validate(); err != nil {
		s.logger.Warn("ignoring invalid settings", "err", err)
		return
	}
	s.settingsMu.Lock()
	s.settings = *latest
	s.settingsMu.Unlock()
	s.logger.Info("settings applied", "settings", latest.String())
}

func (s *Scheduler) currentSettings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}
