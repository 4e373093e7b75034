package cron

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/moltisdev/moltis/internal/models"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.CronJob
	runs map[string][]*models.CronRun
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]*models.CronJob), runs: make(map[string][]*models.CronRun)}
}

func (m *memJobStore) UpsertJob(job *models.CronJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobStore) DeleteJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memJobStore) GetJob(id string) (*models.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %q not found", id)
	}
	return job, nil
}

func (m *memJobStore) ListJobs() ([]*models.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.CronJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memJobStore) AppendRun(run *models.CronRun, capPerJob int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := append(m.runs[run.JobID], run)
	if len(runs) > capPerJob {
		runs = runs[len(runs)-capPerJob:]
	}
	m.runs[run.JobID] = runs
	return nil
}

func (m *memJobStore) ListRuns(jobID string, limit int) ([]*models.CronRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.runs[jobID]
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return runs, nil
}

type fakeSystemEvents struct {
	mu       sync.Mutex
	delivers []string
}

func (f *fakeSystemEvents) InjectSystemEvent(ctx context.Context, sessionKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivers = append(f.delivers, sessionKey+":"+text)
	return nil
}

type blockingSystemEvents struct {
	release chan struct{}
}

func (b *blockingSystemEvents) InjectSystemEvent(ctx context.Context, sessionKey, text string) error {
	<-b.release
	return nil
}

type fakeAgentTurns struct {
	result AgentTurnResult
	err    error
}

func (f *fakeAgentTurns) RunIsolatedTurn(ctx context.Context, sessionKey, model, message string) (AgentTurnResult, error) {
	return f.result, f.err
}

type fakeSessionEnsurer struct {
	mu      sync.Mutex
	ensured []string
}

func (f *fakeSessionEnsurer) EnsureSession(ctx context.Context, key, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, key)
	return nil
}

type fakeChannelDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (f *fakeChannelDeliverer) DeliverToChannel(ctx context.Context, channel models.ChannelType, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, string(channel)+":"+to+":"+text)
	return nil
}

func TestSchedulerFiresDueSystemEventJob(t *testing.T) {
	store := newMemJobStore()
	events := &fakeSystemEvents{}
	sched := New(store, events, nil, nil, nil, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched.WithOptions(WithClock(func() time.Time { return now }))

	due := now.Add(-time.Second)
	job := &models.CronJob{
		ID: "job-1", Name: "nudge", Enabled: true,
		Schedule:      models.CronSchedule{Kind: "at", AtMs: due.UnixMilli()},
		Payload:       models.CronPayload{Kind: models.CronPayloadSystemEvent, Text: "hello"},
		SessionTarget: models.SessionTargetMain,
		NextFireAt:    &due,
	}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() error = %v", err)
	}
	if err := sched.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	fired := sched.RunDue(context.Background())
	if fired != 1 {
		t.Fatalf("RunDue() = %d, want 1", fired)
	}
	if len(events.delivers) != 1 || events.delivers[0] != "main:hello" {
		t.Fatalf("delivers = %v", events.delivers)
	}

	runs, err := store.ListRuns("job-1", 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != models.CronOutcomeSuccess {
		t.Fatalf("runs = %+v", runs)
	}

	// At{} jobs are removed after their single fire.
	if _, err := store.GetJob("job-1"); err == nil {
		t.Fatal("expected job-1 to be deleted after its single At fire")
	}
}

func TestSchedulerAgentTurnDeliversToChannel(t *testing.T) {
	store := newMemJobStore()
	agentTurns := &fakeAgentTurns{result: AgentTurnResult{Output: "done", InputTokens: 10, OutputTokens: 5}}
	sessions := &fakeSessionEnsurer{}
	channels := &fakeChannelDeliverer{}
	sched := New(store, nil, agentTurns, channels, sessions, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched.WithOptions(WithClock(func() time.Time { return now }))

	due := now.Add(-time.Second)
	job := &models.CronJob{
		ID: "job-2", Name: "report", Enabled: true,
		Schedule: models.CronSchedule{Kind: "every", IntervalMs: int64(time.Hour / time.Millisecond), AnchorMs: due.UnixMilli()},
		Payload: models.CronPayload{
			Kind: models.CronPayloadAgentTurn, Message: "summarize", Model: "claude",
			Deliver: true, Channel: models.ChannelTelegram, To: "123",
		},
		SessionTarget: models.SessionTargetIsolated,
		NextFireAt:    &due,
	}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() error = %v", err)
	}
	if err := sched.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if fired := sched.RunDue(context.Background()); fired != 1 {
		t.Fatalf("RunDue() = %d, want 1", fired)
	}
	if len(sessions.ensured) != 1 {
		t.Fatalf("expected one ensured session, got %v", sessions.ensured)
	}
	if len(channels.delivered) != 1 || channels.delivered[0] != "telegram:123:done" {
		t.Fatalf("delivered = %v", channels.delivered)
	}

	jobs := sched.Jobs()
	if len(jobs) != 1 || jobs[0].NextFireAt == nil {
		t.Fatal("expected the recurring job to remain scheduled with a next fire time")
	}
}

func TestSchedulerSkipsOverrunningJob(t *testing.T) {
	store := newMemJobStore()
	blocker := &blockingSystemEvents{release: make(chan struct{})}
	sched := New(store, blocker, nil, nil, nil, nil)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched.WithOptions(WithClock(func() time.Time { return now }))

	due := now.Add(-time.Second)
	job := &models.CronJob{
		ID: "job-3", Name: "slow", Enabled: true,
		Schedule:      models.CronSchedule{Kind: "every", IntervalMs: int64(time.Minute / time.Millisecond), AnchorMs: due.UnixMilli()},
		Payload:       models.CronPayload{Kind: models.CronPayloadSystemEvent, Text: "tick"},
		SessionTarget: models.SessionTargetMain,
		NextFireAt:    &due,
	}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() error = %v", err)
	}
	if err := sched.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		sched.fire(context.Background(), job, now)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	// A second fire attempt while the first is still in flight must be
	// recorded as skipped, not run concurrently.
	sched.fire(context.Background(), job, now)
	close(blocker.release)
	<-done

	runs, err := store.ListRuns("job-3", 10)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	var sawSkipped bool
	for _, r := range runs {
		if r.Outcome == models.CronOutcomeSkipped {
			sawSkipped = true
		}
	}
	if !sawSkipped {
		t.Fatalf("expected a skipped run among %+v", runs)
	}
}

func TestSchedulerRunNowDisabledJobRequiresForce(t *testing.T) {
	store := newMemJobStore()
	events := &fakeSystemEvents{}
	sched := New(store, events, nil, nil, nil, nil)

	job := &models.CronJob{
		ID: "job-4", Name: "off", Enabled: false,
		Schedule:      models.CronSchedule{Kind: "at", AtMs: time.Now().UnixMilli()},
		Payload:       models.CronPayload{Kind: models.CronPayloadSystemEvent, Text: "hi"},
		SessionTarget: models.SessionTargetMain,
	}
	if err := store.UpsertJob(job); err != nil {
		t.Fatalf("UpsertJob() error = %v", err)
	}
	if err := sched.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if err := sched.RunNow(context.Background(), "job-4", false); err == nil {
		t.Fatal("expected an error running a disabled job without force")
	}
	if err := sched.RunNow(context.Background(), "job-4", true); err != nil {
		t.Fatalf("RunNow(force) error = %v", err)
	}
	if len(events.delivers) != 1 {
		t.Fatalf("expected forced run to deliver once, got %v", events.delivers)
	}
}
