package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltisdev/moltis/internal/models"
)

// DefaultRunTimeout bounds one cron fire's execution.
const DefaultRunTimeout = 2 * time.Minute

// JobStore is the persistence seam the scheduler needs: job CRUD plus
// capped run-history append, matching internal/store.CronStore's method
// set so the real store satisfies it without an adapter.
type JobStore interface {
	UpsertJob(job *models.CronJob) error
	DeleteJob(id string) error
	GetJob(id string) (*models.CronJob, error)
	ListJobs() ([]*models.CronJob, error)
	AppendRun(run *models.CronRun, capPerJob int) error
	ListRuns(jobID string, limit int) ([]*models.CronRun, error)
}

// Scheduler owns the active job set and the single timer loop that fires
// them. All mutations go through the exported methods, which take the
// scheduler's mutex, so the sorted-heap-equivalent (here: a plain map plus
// a recomputed nearest-next scan) is never read or written concurrently.
type Scheduler struct {
	store        JobStore
	systemEvents SystemEventDeliverer
	agentTurns   AgentTurnRunner
	channels     ChannelDeliverer
	sessions     SessionEnsurer
	logger       *slog.Logger

	runCap     int
	runTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	jobs    map[string]*models.CronJob
	running map[string]struct{}
	wake    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithRunCap overrides the per-job retained run-history count.
func WithRunCap(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.runCap = n
		}
	}
}

// WithRunTimeout overrides the default per-fire timeout.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithClock overrides the scheduler's clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Scheduler. systemEvents/agentTurns/channels may be nil
// if the corresponding delivery mode is never exercised (e.g. in tests
// that only cover scheduling math).
func New(store JobStore, systemEvents SystemEventDeliverer, agentTurns AgentTurnRunner, channels ChannelDeliverer, sessions SessionEnsurer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        store,
		systemEvents: systemEvents,
		agentTurns:   agentTurns,
		channels:     channels,
		sessions:     sessions,
		logger:       logger.With("component", "cron"),
		runCap:       20,
		runTimeout:   DefaultRunTimeout,
		now:          time.Now,
		jobs:         make(map[string]*models.CronJob),
		running:      make(map[string]struct{}),
		wake:         make(chan struct{}, 1),
	}
}

// WithOptions applies options after construction (used by tests that need
// New's nil-safety before overriding the clock).
func (s *Scheduler) WithOptions(opts ...Option) *Scheduler {
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads every job from the store, computes next_fire_at for any job
// missing it, and populates the in-memory set. Call once before Start.
func (s *Scheduler) Load(ctx context.Context) error {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return fmt.Errorf("cron: load jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range jobs {
		if job.Enabled && job.NextFireAt == nil {
			if next, ok, err := Next(job.Schedule, s.now()); err == nil && ok {
				job.NextFireAt = &next
			}
		}
		s.jobs[job.ID] = job
	}
	return nil
}

// Start begins the scheduler loop, which runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		delay := s.nextDelay()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
		s.runDue(ctx)
	}
}

// nextDelay returns how long until the nearest enabled job's next fire,
// capped so the loop periodically re-evaluates even with no jobs.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var nearest *time.Time
	for _, job := range s.jobs {
		if !job.Enabled || job.NextFireAt == nil {
			continue
		}
		if nearest == nil || job.NextFireAt.Before(*nearest) {
			nearest = job.NextFireAt
		}
	}
	if nearest == nil {
		return 30 * time.Second
	}
	d := nearest.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RunDue fires every job whose next_fire_at has passed (exported for
// manual/test-driven ticking); normally only the internal loop calls it.
func (s *Scheduler) RunDue(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*models.CronJob, 0)
	for _, job := range s.jobs {
		if !job.Enabled || job.NextFireAt == nil || now.Before(*job.NextFireAt) {
			continue
		}
		due = append(due, job)
	}
	s.mu.Unlock()

	count := 0
	for _, job := range due {
		if s.fire(ctx, job, now) {
			count++
		}
	}
	return count
}

// fire executes one job, observing the overrun-skip invariant: a job with
// an unfinished prior run never starts concurrently with itself.
func (s *Scheduler) fire(ctx context.Context, job *models.CronJob, now time.Time) bool {
	s.mu.Lock()
	if _, inFlight := s.running[job.ID]; inFlight {
		s.mu.Unlock()
		s.recordRun(job, now, now, models.CronOutcomeSkipped, "", 0, 0, "")
		s.advance(job, now, nil)
		return false
	}
	s.running[job.ID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	output, inTok, outTok, runErr := s.deliver(runCtx, job)
	ended := s.now()

	outcome := models.CronOutcomeSuccess
	errMsg := ""
	if runErr != nil {
		outcome = models.CronOutcomeError
		errMsg = runErr.Error()
		s.logger.Warn("cron job failed", "job_id", job.ID, "error", runErr)
	}
	s.recordRun(job, now, ended, outcome, output, inTok, outTok, errMsg)
	s.advance(job, now, runErr)
	return true
}

func (s *Scheduler) deliver(ctx context.Context, job *models.CronJob) (output string, inputTokens, outputTokens int, err error) {
	switch job.Payload.Kind {
	case models.CronPayloadSystemEvent:
		target := string(job.SessionTarget)
		if job.SessionTarget == models.SessionTargetIsolated {
			target = s.isolatedSessionKey(job)
			if s.sessions != nil {
				if err := s.sessions.EnsureSession(ctx, target, job.Name); err != nil {
					return "", 0, 0, err
				}
			}
		} else {
			target = models.MainSessionKey
		}
		if s.systemEvents == nil {
			return "", 0, 0, fmt.Errorf("cron: no system-event deliverer configured")
		}
		return "", 0, 0, s.systemEvents.InjectSystemEvent(ctx, target, job.Payload.Text)

	case models.CronPayloadAgentTurn:
		sessionKey := s.isolatedSessionKey(job)
		if s.sessions != nil {
			if err := s.sessions.EnsureSession(ctx, sessionKey, job.Name); err != nil {
				return "", 0, 0, err
			}
		}
		if s.agentTurns == nil {
			return "", 0, 0, fmt.Errorf("cron: no agent-turn runner configured")
		}
		result, err := s.agentTurns.RunIsolatedTurn(ctx, sessionKey, job.Payload.Model, job.Payload.Message)
		if err != nil {
			return "", 0, 0, err
		}
		if job.Payload.Deliver && job.Payload.Channel != "" && job.Payload.To != "" && s.channels != nil {
			if err := s.channels.DeliverToChannel(ctx, job.Payload.Channel, job.Payload.To, result.Output); err != nil {
				s.logger.Warn("cron agent-turn delivery failed", "job_id", job.ID, "error", err)
			}
		}
		return result.Output, result.InputTokens, result.OutputTokens, nil

	default:
		return "", 0, 0, fmt.Errorf("cron: unknown payload kind %q", job.Payload.Kind)
	}
}

func (s *Scheduler) isolatedSessionKey(job *models.CronJob) string {
	return fmt.Sprintf("cron:%s:%s", job.ID, uuid.NewString())
}

func (s *Scheduler) recordRun(job *models.CronJob, started, ended time.Time, outcome models.CronOutcome, output string, inTok, outTok int, errMsg string) {
	run := &models.CronRun{
		ID: uuid.NewString(), JobID: job.ID, StartedAt: started, EndedAt: &ended,
		Outcome: outcome, Output: output, InputTokens: inTok, OutputTokens: outTok, ErrorMessage: errMsg,
	}
	if err := s.store.AppendRun(run, s.runCap); err != nil {
		s.logger.Warn("cron run record failed", "job_id", job.ID, "error", err)
	}
}

// advance recomputes next_fire_at, removing the job if it is an exhausted
// At{} schedule or delete_after_run is set.
func (s *Scheduler) advance(job *models.CronJob, firedAt time.Time, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.LastRunAt = &firedAt
	job.UpdatedAt = s.now()

	if job.Schedule.Kind == "at" || job.DeleteAfterRun {
		delete(s.jobs, job.ID)
		if err := s.store.DeleteJob(job.ID); err != nil {
			s.logger.Warn("cron job delete failed", "job_id", job.ID, "error", err)
		}
		return
	}

	next, ok, err := Next(job.Schedule, s.now())
	if err != nil || !ok {
		job.Enabled = false
		job.NextFireAt = nil
	} else {
		job.NextFireAt = &next
	}
	if err := s.store.UpsertJob(job); err != nil {
		s.logger.Warn("cron job persist failed", "job_id", job.ID, "error", err)
	}
}

// AddJob validates, persists, and schedules a new job.
func (s *Scheduler) AddJob(job *models.CronJob) error {
	if err := Validate(job.Schedule); err != nil {
		return fmt.Errorf("cron: invalid schedule: %w", err)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Schedule.Kind == "at" {
		job.DeleteAfterRun = true
	}
	if next, ok, err := Next(job.Schedule, now); err == nil && ok {
		job.NextFireAt = &next
	}
	if err := s.store.UpsertJob(job); err != nil {
		return fmt.Errorf("cron: persist job: %w", err)
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.poke()
	return nil
}

// RemoveJob deletes a job from the store and the active set.
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
	return s.store.DeleteJob(id)
}

// UpdateJob replaces an existing job's configuration and reschedules it.
func (s *Scheduler) UpdateJob(job *models.CronJob) error {
	if err := Validate(job.Schedule); err != nil {
		return fmt.Errorf("cron: invalid schedule: %w", err)
	}
	job.UpdatedAt = s.now()
	if next, ok, err := Next(job.Schedule, s.now()); err == nil && ok {
		job.NextFireAt = &next
	} else {
		job.NextFireAt = nil
	}
	if err := s.store.UpsertJob(job); err != nil {
		return fmt.Errorf("cron: persist job: %w", err)
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.poke()
	return nil
}

// Jobs returns a snapshot of every active job.
func (s *Scheduler) Jobs() []*models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		copyJob := *j
		out = append(out, &copyJob)
	}
	return out
}

// Runs returns the retained run history for a job, newest first.
func (s *Scheduler) Runs(jobID string, limit int) ([]*models.CronRun, error) {
	return s.store.ListRuns(jobID, limit)
}

// RunNow fires a job immediately (cron.run), bypassing Enabled when force
// is true.
func (s *Scheduler) RunNow(ctx context.Context, id string, force bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	if !job.Enabled && !force {
		return fmt.Errorf("cron: job %q is disabled", id)
	}
	s.fire(ctx, job, s.now())
	return nil
}

// poke wakes the scheduler loop so a newly added/updated job with an
// earlier next-fire than the current timer is reconsidered immediately.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
