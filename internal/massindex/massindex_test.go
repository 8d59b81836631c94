package massindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/events"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/processor"
	"github.com/alfredjeanlab/indexsync/internal/store"
	"github.com/alfredjeanlab/indexsync/internal/store/memory"
)

type rangeSource struct {
	n int64
}

func (s *rangeSource) Count(context.Context) (int64, error) { return s.n, nil }

func (s *rangeSource) Load(_ context.Context, offset, limit int64) ([]*model.Event, error) {
	var out []*model.Event
	for i := offset; i < offset+limit && i < s.n; i++ {
		out = append(out, &model.Event{EntityName: "Book", EntityID: fmt.Sprint(i)})
	}
	return out, nil
}

// blockingSource parks Load until the context ends.
type blockingSource struct {
	loading chan struct{}
	once    sync.Once
}

func (s *blockingSource) Count(context.Context) (int64, error) { return 10, nil }

func (s *blockingSource) Load(ctx context.Context, _, _ int64) ([]*model.Event, error) {
	s.once.Do(func() { close(s.loading) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingApplier struct {
	mu   sync.Mutex
	seen map[string]int
	fail string
}

func (r *recordingApplier) Apply(_ context.Context, ev *model.Event) error {
	if ev.EntityID == r.fail {
		return errors.New("index rejected document")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]int)
	}
	r.seen[ev.EntityID]++
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob(t *testing.T, s store.Store, src Source, applier processor.Applier, rec *events.Recorder, opts Options) *Job {
	t.Helper()
	opts.Tenant = "default"
	opts.Publisher = rec
	opts.Logger = quietLogger()
	if opts.PulseInterval == 0 {
		opts.PulseInterval = time.Hour
	}
	if opts.PulseExpiration == 0 {
		opts.PulseExpiration = 2 * time.Hour
	}
	j, err := NewJob(s, src, applier, opts)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return j
}

func publishedStates(t *testing.T, rec *events.Recorder) []model.AgentState {
	t.Helper()
	var out []model.AgentState
	for _, m := range rec.Messages(events.TopicMassIndexState) {
		var st events.MassIndexState
		if err := json.Unmarshal(m.Data, &st); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		out = append(out, st.State)
	}
	return out
}

func TestJob_IndexesEverythingAndDeregisters(t *testing.T) {
	s := memory.New()
	rec := &events.Recorder{}
	applier := &recordingApplier{}
	j := newJob(t, s, &rangeSource{n: 25}, applier, rec, Options{Partitions: 3, BatchSize: 4})

	if !strings.HasPrefix(j.Reference(), "job-") {
		t.Fatalf("reference = %q", j.Reference())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(applier.seen) != 25 {
		t.Fatalf("indexed %d distinct entities, want 25", len(applier.seen))
	}
	for id, n := range applier.seen {
		if n != 1 {
			t.Errorf("entity %s indexed %d times", id, n)
		}
	}
	if _, err := s.GetAgent(context.Background(), j.Reference()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("job row still present: %v", err)
	}

	p := j.Progress()
	if p.Total != 25 || p.Indexed != 25 || p.Failed != 0 {
		t.Fatalf("progress = %+v", p)
	}

	want := []model.AgentState{model.AgentStateStarting, model.AgentStateRunning, model.AgentStateStopping, model.AgentStateStopping}
	got := publishedStates(t, rec)
	if len(got) != len(want) {
		t.Fatalf("published states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("published states = %v, want %v", got, want)
		}
	}
}

func TestJob_FailedEntitiesAreCounted(t *testing.T) {
	s := memory.New()
	rec := &events.Recorder{}
	j := newJob(t, s, &rangeSource{n: 3}, &recordingApplier{fail: "1"}, rec, Options{})

	err := j.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 3 entities failed") {
		t.Fatalf("Run error = %v", err)
	}
	p := j.Progress()
	if p.Indexed != 2 || p.Failed != 1 {
		t.Fatalf("progress = %+v", p)
	}

	msgs := rec.Messages(events.TopicMassIndexState)
	var last events.MassIndexState
	_ = json.Unmarshal(msgs[len(msgs)-1].Data, &last)
	if last.Error == "" {
		t.Fatal("final state should carry the error")
	}
	if _, err := s.GetAgent(context.Background(), j.Reference()); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("failed job should still deregister")
	}
}

func TestJob_AbortsWhenEvicted(t *testing.T) {
	s := memory.New()
	src := &blockingSource{loading: make(chan struct{})}
	j := newJob(t, s, src, &recordingApplier{}, &events.Recorder{}, Options{PulseInterval: 10 * time.Millisecond})

	errc := make(chan error, 1)
	go func() { errc <- j.Run(context.Background()) }()

	<-src.loading
	if err := s.DeleteAgent(context.Background(), j.Reference()); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrEvicted) {
			t.Fatalf("Run error = %v, want ErrEvicted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not notice its eviction")
	}
}

func TestJob_HeartbeatExtendsExpiration(t *testing.T) {
	s := memory.New()
	src := &blockingSource{loading: make(chan struct{})}
	j := newJob(t, s, src, &recordingApplier{}, &events.Recorder{}, Options{PulseInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- j.Run(ctx) }()
	<-src.loading

	first, err := s.GetAgent(context.Background(), j.Reference())
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if first.State != model.AgentStateRunning || first.Type != model.AgentTypeMassIndexer {
		t.Fatalf("row = %+v", first)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		a, err := s.GetAgent(context.Background(), j.Reference())
		if err == nil && a.Version > first.Version {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("heartbeat never refreshed the row")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if _, err := s.GetAgent(context.Background(), j.Reference()); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("cancelled job should deregister")
	}
}

func TestPartition(t *testing.T) {
	tests := []struct {
		total int64
		n     int
		want  [][2]int64
	}{
		{0, 4, nil},
		{10, 0, nil},
		{2, 4, [][2]int64{{0, 1}, {1, 2}}},
		{10, 3, [][2]int64{{0, 3}, {3, 6}, {6, 10}}},
		{8, 2, [][2]int64{{0, 4}, {4, 8}}},
	}
	for _, tt := range tests {
		got := Partition(tt.total, tt.n)
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("Partition(%d, %d) = %v, want %v", tt.total, tt.n, got, tt.want)
		}
	}
}

func TestOrphans(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now()

	agents := []*model.Agent{
		{Reference: "a", Type: model.AgentTypeMassIndexer, State: model.AgentStateRunning, Expiration: now.Add(-time.Second)},
		{Reference: "b", Type: model.AgentTypeMassIndexer, State: model.AgentStateRunning, Expiration: now.Add(time.Minute)},
		{Reference: "c", Type: model.AgentTypeEventProcessor, State: model.AgentStatePulsing, Expiration: now.Add(-time.Second)},
	}
	for _, a := range agents {
		if err := s.RegisterAgent(ctx, a); err != nil {
			t.Fatalf("RegisterAgent: %v", err)
		}
	}

	orphans, err := Orphans(ctx, s, now)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Reference != "a" {
		t.Fatalf("orphans = %v", orphans)
	}
}

func TestNewJob_RequiresPulseSettings(t *testing.T) {
	if _, err := NewJob(memory.New(), &rangeSource{}, &recordingApplier{}, Options{}); err == nil {
		t.Fatal("expected error without pulse interval")
	}
}
