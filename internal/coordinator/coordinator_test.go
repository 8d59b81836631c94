package coordinator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/store"
	"github.com/alfredjeanlab/indexsync/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store *memory.Store
	clock *fakeClock
	pub   *events.Recorder
	logs  *bytes.Buffer
}

func newHarness() *harness {
	return &harness{store: memory.New(), clock: newClock(), pub: &events.Recorder{}, logs: &bytes.Buffer{}}
}

func (h *harness) coordinator(t *testing.T, ref string, mutate ...func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Reference:       ref,
		Name:            ref,
		PollingInterval: 100 * time.Millisecond,
		PulseInterval:   time.Second,
		PulseExpiration: 3 * time.Second,
		Publisher:       h.pub,
		Logger:          slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		Clock:           h.clock.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(h.store, opts)
	if err != nil {
		t.Fatalf("New(%s): %v", ref, err)
	}
	return c
}

func pulse(t *testing.T, cs ...*Coordinator) {
	t.Helper()
	for _, c := range cs {
		if err := c.Pulse(context.Background()); err != nil {
			t.Fatalf("Pulse(%s): %v", c.Reference(), err)
		}
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	s := memory.New()
	if _, err := New(s, Options{}); err == nil {
		t.Fatal("expected error for zero intervals")
	}
	bad := model.ShardAssignment{TotalShardCount: 2, AssignedShards: []int{5}}
	if _, err := New(s, Options{PulseInterval: time.Second, PulseExpiration: 3 * time.Second, Static: &bad}); err == nil {
		t.Fatal("expected error for out-of-range static assignment")
	}
	c, err := New(s, Options{PulseInterval: time.Second, PulseExpiration: 3 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(c.Reference(), "agent-") {
		t.Fatalf("generated reference = %q", c.Reference())
	}
}

func TestPulse_SingleAgentOwnsEverything(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a")

	if !a.Assignment().IsEmpty() {
		t.Fatalf("assignment before first pulse = %v, want none", a.Assignment())
	}
	pulse(t, a)

	if !a.Assignment().Equal(model.OwnAll()) {
		t.Fatalf("assignment = %v, want %v", a.Assignment(), model.OwnAll())
	}
	row, err := h.store.GetAgent(context.Background(), "agent-a")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if row.State != model.AgentStatePulsing || !row.Assignment.Equal(model.OwnAll()) {
		t.Fatalf("row = %+v", row)
	}
	if !row.Expiration.Equal(h.clock.Now().Add(3 * time.Second)) {
		t.Fatalf("expiration = %v", row.Expiration)
	}
	if n := len(h.pub.Messages(events.TopicAgentJoined)); n != 1 {
		t.Fatalf("joined notifications = %d, want 1", n)
	}
}

func TestPulse_RefreshesExpiration(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a")
	pulse(t, a)
	h.clock.Advance(time.Second)
	pulse(t, a)

	row, _ := h.store.GetAgent(context.Background(), "agent-a")
	if want := h.clock.Now().Add(3 * time.Second); !row.Expiration.Equal(want) {
		t.Fatalf("expiration = %v, want %v", row.Expiration, want)
	}
}

func TestPulse_TwoAgentsPartitionTheShardSpace(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a")
	b := h.coordinator(t, "agent-b")

	pulse(t, a, b, a)

	if got := a.Assignment().String(); got != "0/2" {
		t.Fatalf("agent-a = %s, want 0/2", got)
	}
	if got := b.Assignment().String(); got != "1/2" {
		t.Fatalf("agent-b = %s, want 1/2", got)
	}
	if n := len(h.pub.Messages(events.TopicShardingChanged)); n != 3 {
		t.Fatalf("sharding changed notifications = %d, want 3", n)
	}
}

func TestPulse_EvictsExpiredAgents(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a")
	b := h.coordinator(t, "agent-b")
	pulse(t, a, b, a)

	// agent-a stops pulsing; once its row expires agent-b evicts it.
	h.clock.Advance(4 * time.Second)
	pulse(t, b)

	if _, err := h.store.GetAgent(context.Background(), "agent-a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("agent-a should be evicted, got %v", err)
	}
	if !b.Assignment().Equal(model.OwnAll()) {
		t.Fatalf("agent-b = %v, want own all", b.Assignment())
	}
	evicted := h.pub.Messages(events.TopicAgentEvicted)
	if len(evicted) != 1 || !strings.Contains(string(evicted[0].Data), `"reference":"agent-a"`) {
		t.Fatalf("evicted notifications = %v", evicted)
	}
	if !strings.Contains(h.logs.String(), "pulse: agent evicted") || !strings.Contains(h.logs.String(), "evicted=agent-a") {
		t.Fatalf("eviction not logged:\n%s", h.logs.String())
	}

	// agent-a comes back: its row is gone, so it registers again.
	pulse(t, a, b, a)
	if got := a.Assignment().String(); got != "0/2" {
		t.Fatalf("agent-a after re-registering = %s, want 0/2", got)
	}
	if !strings.Contains(h.logs.String(), "own registration was evicted") {
		t.Fatal("re-registration not logged")
	}
}

func TestPulse_RefreshWinsOverEviction(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a")
	pulse(t, a)

	stale, _ := h.store.ListAgents(context.Background())
	h.clock.Advance(4 * time.Second)
	pulse(t, a) // refresh lands before the other agent's delete

	deleted, err := h.store.DeleteExpiredAgent(context.Background(), stale[0].Reference, h.clock.Now())
	if err != nil || deleted {
		t.Fatalf("DeleteExpiredAgent = %v, %v; refresh should have won", deleted, err)
	}
}

func TestPulse_StaticConflictIsReportedNotFatal(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a", func(o *Options) {
		o.Static = &model.ShardAssignment{TotalShardCount: 4, AssignedShards: []int{0, 1}}
	})
	b := h.coordinator(t, "agent-b", func(o *Options) {
		o.Static = &model.ShardAssignment{TotalShardCount: 4, AssignedShards: []int{1, 2}}
	})

	pulse(t, a, b, a)

	if got := a.Assignment().String(); got != "0,1/4" {
		t.Fatalf("agent-a = %s, want 0,1/4", got)
	}
	if got := b.Assignment().String(); got != "1,2/4" {
		t.Fatalf("agent-b = %s, want 1,2/4", got)
	}
	st := a.Status()
	if !st.Static || len(st.Conflicts) != 1 || st.Conflicts[0].Other != "agent-b" {
		t.Fatalf("status = %+v", st)
	}

	logs := h.logs.String()
	if !strings.Contains(logs, "level=WARN") || !strings.Contains(logs, "agents agent-a and agent-b are both assigned shards [1] of 4") {
		t.Fatalf("conflict warning missing:\n%s", logs)
	}
	if n := len(h.pub.Messages(events.TopicShardingConflict)); n != 2 {
		t.Fatalf("conflict notifications = %d, want 2 (one per agent)", n)
	}

	// An unchanged conflict is not re-announced.
	pulse(t, a)
	if n := len(h.pub.Messages(events.TopicShardingConflict)); n != 2 {
		t.Fatalf("conflict notifications after repeat = %d, want 2", n)
	}
}

func TestSuspendAndResume(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.coordinator(t, "agent-a")
	b := h.coordinator(t, "agent-b")
	pulse(t, a, b, a)

	if err := a.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !a.Assignment().IsEmpty() {
		t.Fatalf("suspended agent owns %v", a.Assignment())
	}
	row, _ := h.store.GetAgent(ctx, "agent-a")
	if row.State != model.AgentStateSuspended {
		t.Fatalf("row state = %s, want suspended", row.State)
	}

	pulse(t, b)
	if !b.Assignment().Equal(model.OwnAll()) {
		t.Fatalf("agent-b = %v, want own all while agent-a is suspended", b.Assignment())
	}

	if err := a.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	pulse(t, b)
	if a.Assignment().String() != "0/2" || b.Assignment().String() != "1/2" {
		t.Fatalf("after resume: a=%s b=%s", a.Assignment(), b.Assignment())
	}
}

func TestSuspendedAtStartup(t *testing.T) {
	h := newHarness()
	a := h.coordinator(t, "agent-a", func(o *Options) { o.Suspended = true })
	pulse(t, a)

	row, _ := h.store.GetAgent(context.Background(), "agent-a")
	if row.State != model.AgentStateSuspended || !a.Assignment().IsEmpty() {
		t.Fatalf("row = %+v, assignment = %v", row, a.Assignment())
	}
}

func TestPulse_OrphanedMassIndexerEvicted(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	job := &model.Agent{
		Reference:  "job-1",
		Type:       model.AgentTypeMassIndexer,
		State:      model.AgentStateRunning,
		Expiration: h.clock.Now().Add(-time.Second),
	}
	if err := h.store.RegisterAgent(ctx, job); err != nil {
		t.Fatal(err)
	}

	a := h.coordinator(t, "agent-a")
	pulse(t, a)

	if _, err := h.store.GetAgent(ctx, "job-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("orphaned job row should be gone, got %v", err)
	}
	if !strings.Contains(h.logs.String(), "orphaned mass indexing job evicted") {
		t.Fatalf("orphan eviction not logged:\n%s", h.logs.String())
	}
}

func TestStop_DeregistersAgent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.coordinator(t, "agent-a")
	pulse(t, a)

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := h.store.GetAgent(ctx, "agent-a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("row should be deleted on stop, got %v", err)
	}
	if !a.Assignment().IsEmpty() {
		t.Fatalf("assignment after stop = %v", a.Assignment())
	}
	if n := len(h.pub.Messages(events.TopicAgentLeft)); n != 1 {
		t.Fatalf("left notifications = %d, want 1", n)
	}
}

func TestStartStop_Loop(t *testing.T) {
	s := memory.New()
	c, err := New(s, Options{
		Reference:       "agent-loop",
		PollingInterval: 10 * time.Millisecond,
		PulseInterval:   20 * time.Millisecond,
		PulseExpiration: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	c.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for c.Assignment().IsEmpty() {
		if time.Now().After(deadline) {
			t.Fatal("coordinator never produced an assignment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if agents, _ := s.ListAgents(context.Background()); len(agents) != 0 {
		t.Fatalf("agents after stop = %v", agents)
	}
}

func TestStop_SuspendAfterStopDoesNotRegister(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a := h.coordinator(t, "agent-a")
	pulse(t, a)
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if err := a.Suspend(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Suspend after Stop = %v, want ErrStopped", err)
	}
	if err := a.Resume(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Resume after Stop = %v, want ErrStopped", err)
	}
	if agents, _ := h.store.ListAgents(ctx); len(agents) != 0 {
		t.Fatalf("agents after Stop+Suspend = %d, want 0", len(agents))
	}
	if n := len(h.pub.Messages(events.TopicAgentJoined)); n != 1 {
		t.Fatalf("joined notifications = %d, want 1", n)
	}
}

// gatedStore blocks the first ListAgents until release is closed and fails
// writes on a done ctx, the way a database driver does.
type gatedStore struct {
	store.Store
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ListAgents(ctx)
}

func (s *gatedStore) UpdateAgent(ctx context.Context, a *model.Agent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateAgent(ctx, a)
}

func TestStop_InFlightPulseCompletes(t *testing.T) {
	h := newHarness()
	gs := &gatedStore{Store: h.store, started: make(chan struct{}), release: make(chan struct{})}
	c, err := New(gs, Options{
		Reference:       "agent-a",
		PollingInterval: 10 * time.Millisecond,
		PulseInterval:   20 * time.Millisecond,
		PulseExpiration: time.Second,
		Publisher:       h.pub,
		Logger:          slog.New(slog.NewTextHandler(h.logs, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	select {
	case <-gs.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pulse never started")
	}

	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight pulse finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(gs.release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if strings.Contains(h.logs.String(), "pulse failed") {
		t.Fatalf("in-flight pulse failed:\n%s", h.logs.String())
	}
	if n := len(h.pub.Messages(events.TopicShardingChanged)); n != 1 {
		t.Fatalf("sharding changed notifications = %d, want 1", n)
	}
	if agents, _ := h.store.ListAgents(context.Background()); len(agents) != 0 {
		t.Fatalf("agents after Stop = %d, want 0", len(agents))
	}
}
