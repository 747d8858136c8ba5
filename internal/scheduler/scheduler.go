package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"catalogd/internal/apperrors"
	"catalogd/internal/logger"
)

const (
	minTick         = time.Second
	maxTick         = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

// runState tracks one in-flight execution so Stop can cancel/await it.
type runState struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler dispatches registered jobs on their schedules, persists run
// history, and enforces that no job runs twice concurrently.
type Scheduler struct {
	store *Store

	mu      sync.Mutex
	jobs    map[string]Job
	running map[string]*runState

	hookCh chan HookEvent
	quit   chan struct{}
	wg     sync.WaitGroup

	started bool
}

func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{
		store:   store,
		jobs:    make(map[string]Job),
		running: make(map[string]*runState),
		hookCh:  make(chan HookEvent, 32),
		quit:    make(chan struct{}),
	}
}

// Register adds a job. The dispatch loop copies the job map on every
// pass, so a job registered after Start is picked up on the next tick.
func (s *Scheduler) Register(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID()] = j
}

// Start sweeps stale Running rows, fires OnStartup hooks, then enters
// the dispatch loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	if n, err := s.store.SweepStaleRunning(time.Now()); err != nil {
		logger.Log.Error().Err(err).Msg("failed to sweep stale job runs")
	} else if n > 0 {
		logger.Log.Info().Int64("count", n).Msg("marked stale job runs as failed")
	}

	s.fireHook(OnStartup)

	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop cancels Cancellable jobs, waits (bounded) on everything running,
// and returns once every job has settled or timed out.
func (s *Scheduler) Stop() {
	close(s.quit)

	s.mu.Lock()
	var waits []chan struct{}
	for _, rs := range s.running {
		waits = append(waits, rs.done)
	}
	s.mu.Unlock()

	for _, rs := range s.snapshotRunning() {
		if rs.job.ShutdownBehavior() == Cancellable {
			rs.state.cancel()
		}
	}

	for _, done := range waits {
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			logger.Log.Warn().Msg("scheduler shutdown timed out waiting for a job")
		}
	}

	s.wg.Wait()
	s.mu.Lock()
	s.running = make(map[string]*runState)
	s.mu.Unlock()
	logger.Log.Info().Msg("scheduler stopped")
}

type runningJob struct {
	job   Job
	state *runState
}

func (s *Scheduler) snapshotRunning() []runningJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runningJob, 0, len(s.running))
	for id, rs := range s.running {
		if j, ok := s.jobs[id]; ok {
			out = append(out, runningJob{job: j, state: rs})
		}
	}
	return out
}

// Trigger manually fires a job regardless of its schedule, refusing if
// it is already running.
func (s *Scheduler) Trigger(jobID, triggeredBy string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return apperrors.New("scheduler.Trigger", apperrors.KindNotFound, "unknown job id")
	}
	return s.dispatch(j, triggeredBy)
}

func (s *Scheduler) fireHook(event HookEvent) {
	select {
	case s.hookCh <- event:
	default:
		logger.Log.Warn().Str("event", string(event)).Msg("hook channel full, dropping event")
	}
}

// FireHook lets external subsystems (e.g. sync fabric connection events)
// wake hook-scheduled jobs.
func (s *Scheduler) FireHook(event HookEvent) {
	s.fireHook(event)
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		tick := s.nextTick()
		select {
		case <-s.quit:
			return
		case event := <-s.hookCh:
			s.dispatchDueAndHooked(event)
		case <-time.After(tick):
			s.dispatchDueAndHooked("")
		}
	}
}

// nextTick computes how long to sleep until the nearest next_run_at
// across registered jobs, capped to [1s, 60s] per the tick granularity rule.
func (s *Scheduler) nextTick() time.Duration {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	now := time.Now()
	soonest := now.Add(maxTick)
	for _, j := range jobs {
		next, ok := s.computeNextRun(j, now)
		if ok && next.Before(soonest) {
			soonest = next
		}
	}
	d := soonest.Sub(now)
	if d < minTick {
		d = minTick
	}
	if d > maxTick {
		d = maxTick
	}
	return d
}

// computeNextRun resolves a job's next firing time from its schedule and
// persisted state, without mutating anything.
func (s *Scheduler) computeNextRun(j Job, now time.Time) (time.Time, bool) {
	sched := j.Schedule()
	st, err := s.store.GetSchedule(j.ID())
	if err != nil {
		return time.Time{}, false
	}

	var candidates []time.Time
	if sched.hasInterval() {
		if st.NextRunAt != nil {
			candidates = append(candidates, *st.NextRunAt)
		} else {
			candidates = append(candidates, now)
		}
	}
	if sched.hasCron() {
		if next, ok := nextCronRun(j.ID(), sched.Cron, now); ok {
			candidates = append(candidates, next)
		}
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}
	soonest := candidates[0]
	for _, c := range candidates[1:] {
		if c.Before(soonest) {
			soonest = c
		}
	}
	return soonest, true
}

func (s *Scheduler) dispatchDueAndHooked(event HookEvent) {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, j := range jobs {
		due := false
		if next, ok := s.computeNextRun(j, now); ok && !next.After(now) {
			due = true
		}
		if event != "" {
			for _, h := range j.Schedule().hooksFor() {
				if h == event {
					due = true
				}
			}
		}
		if !due {
			continue
		}
		triggeredBy := "schedule"
		if event != "" {
			triggeredBy = string(event)
		}
		if err := s.dispatch(j, triggeredBy); err != nil && !apperrors.Is(err, apperrors.KindAlreadyRunning) {
			logger.Log.Error().Err(err).Str("job", j.ID()).Msg("failed to dispatch job")
		}
	}
}

// dispatch runs one job, refusing re-entry if it is already Running.
func (s *Scheduler) dispatch(j Job, triggeredBy string) error {
	s.mu.Lock()
	if _, ok := s.running[j.ID()]; ok {
		s.mu.Unlock()
		return apperrors.New("scheduler.dispatch", apperrors.KindAlreadyRunning, "job already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{cancel: cancel, done: make(chan struct{})}
	s.running[j.ID()] = rs
	s.mu.Unlock()

	now := time.Now()
	runID, err := s.store.RecordJobStart(j.ID(), triggeredBy, now)
	if err != nil {
		s.mu.Lock()
		delete(s.running, j.ID())
		s.mu.Unlock()
		return err
	}
	rs.runID = runID

	s.wg.Add(1)
	go s.runJob(ctx, j, rs)
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j Job, rs *runState) {
	defer s.wg.Done()
	defer close(rs.done)

	status := RunCompleted
	errMsg := ""

	func() {
		defer func() {
			if r := recover(); r != nil {
				status = RunFailed
				errMsg = fmt.Sprintf("Task panic: %v", r)
			}
		}()
		if err := j.Execute(ctx); err != nil {
			status = RunFailed
			if apperrors.IsCancelled(err) {
				errMsg = "Cancelled"
			} else {
				errMsg = err.Error()
			}
		}
	}()

	now := time.Now()
	if err := s.store.FinishRun(rs.runID, status, errMsg, now); err != nil {
		logger.Log.Error().Err(err).Str("job", j.ID()).Msg("failed to record job finish")
	}

	sched := j.Schedule()
	if sched.hasInterval() {
		next := now.Add(sched.Interval)
		s.store.UpsertSchedule(j.ID(), &next, &now)
	} else {
		s.store.UpsertSchedule(j.ID(), nil, &now)
	}

	s.mu.Lock()
	delete(s.running, j.ID())
	s.mu.Unlock()

	if status == RunFailed {
		logger.Log.Warn().Str("job", j.ID()).Str("error", errMsg).Msg("job run failed")
	}
}

// History returns a job's recent run records, most recent first.
func (s *Scheduler) History(jobID string, limit int) ([]*JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(jobID, limit)
}
