package server

import (
	"bufio"
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/events"
)

func TestSSEHub_TopicFiltering(t *testing.T) {
	hub := newSSEHub()

	client := hub.subscribe([]string{"indexsync.agent.*"})
	defer hub.unsubscribe(client)

	hub.broadcast(events.TopicShardingChanged, []byte(`{}`))
	hub.broadcast(events.TopicAgentEvicted, []byte(`{"reference":"agent-b"}`))

	select {
	case evt := <-client.ch:
		if evt.Topic != events.TopicAgentEvicted {
			t.Fatalf("expected topic=%q, got %q", events.TopicAgentEvicted, evt.Topic)
		}
		if evt.ID != 2 {
			t.Fatalf("expected id=2, got %d", evt.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-client.ch:
		t.Fatalf("unexpected event: topic=%q", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_Unsubscribe(t *testing.T) {
	hub := newSSEHub()
	client := hub.subscribe(nil)
	hub.unsubscribe(client)

	hub.broadcast(events.TopicAgentJoined, []byte(`{}`))

	select {
	case <-client.ch:
		t.Fatal("should not receive events after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSSEHub_Since(t *testing.T) {
	hub := newSSEHub()
	if evts := hub.since(0); len(evts) != 0 {
		t.Fatalf("empty hub returned %d events", len(evts))
	}

	for i := range 5 {
		hub.broadcast(events.TopicShardingChanged, []byte(fmt.Sprintf(`{"n":%d}`, i)))
	}
	evts := hub.since(2)
	if len(evts) != 3 || evts[0].ID != 3 || evts[2].ID != 5 {
		t.Fatalf("since(2) = %+v", evts)
	}
}

func TestSSEHub_ReplayWraps(t *testing.T) {
	hub := newSSEHub()
	for range sseReplaySize + 10 {
		hub.broadcast(events.TopicShardingChanged, []byte(`{}`))
	}
	evts := hub.since(0)
	if len(evts) != sseReplaySize {
		t.Fatalf("expected %d retained events, got %d", sseReplaySize, len(evts))
	}
	if evts[0].ID != 11 {
		t.Fatalf("expected oldest retained id=11, got %d", evts[0].ID)
	}
}

func TestMatchTopicPattern(t *testing.T) {
	for _, tc := range []struct {
		pattern, topic string
		want           bool
	}{
		{"indexsync.agent.joined", "indexsync.agent.joined", true},
		{"indexsync.agent.joined", "indexsync.agent.left", false},
		{"indexsync.agent.*", "indexsync.agent.evicted", true},
		{"indexsync.agent.*", "indexsync.sharding.changed", false},
		{"indexsync.>", "indexsync.sharding.conflict", true},
		{"indexsync.>", "indexsync", false},
		{"other.>", "indexsync.agent.left", false},
		{"*.*.*", "indexsync.agent.left", true},
		{"*.*.*", "indexsync.agent", false},
	} {
		t.Run(tc.pattern+"_"+tc.topic, func(t *testing.T) {
			if got := matchTopicPattern(tc.pattern, tc.topic); got != tc.want {
				t.Fatalf("matchTopicPattern(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
			}
		})
	}
}

func TestHandleEventStream(t *testing.T) {
	srv, _, h := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream?topics=indexsync.sharding.*", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	srv.hub.broadcast(events.TopicAgentJoined, []byte(`{"tenant":"default"}`))
	srv.hub.broadcast(events.TopicShardingChanged, []byte(`{"reference":"agent-a"}`))
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type=text/event-stream, got %q", ct)
	}

	var ids, topics, data []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id:"):
			ids = append(ids, strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			topics = append(topics, strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
	}
	if len(topics) != 1 || topics[0] != events.TopicShardingChanged {
		t.Fatalf("topics = %v, want only %s", topics, events.TopicShardingChanged)
	}
	if len(ids) != 1 || data[0] != `{"reference":"agent-a"}` {
		t.Fatalf("ids = %v, data = %v", ids, data)
	}
}

func TestHandleEventStream_LastEventID(t *testing.T) {
	srv, _, h := newTestServer(t)

	base := srv.hub.since(0)
	var last uint64
	if len(base) > 0 {
		last = base[len(base)-1].ID
	}
	srv.hub.broadcast(events.TopicShardingChanged, []byte(`{"n":1}`))
	srv.hub.broadcast(events.TopicShardingChanged, []byte(`{"n":2}`))
	srv.hub.broadcast(events.TopicShardingChanged, []byte(`{"n":3}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", fmt.Sprint(last+1))
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	if strings.Contains(body, `data:{"n":1}`) {
		t.Fatalf("expected event 1 to be skipped, got:\n%s", body)
	}
	if !strings.Contains(body, `data:{"n":2}`) || !strings.Contains(body, `data:{"n":3}`) {
		t.Fatalf("expected events 2 and 3, got:\n%s", body)
	}
}

func TestHandleEventStream_CoordinatorNotifications(t *testing.T) {
	srv, _, h := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", "/v1/events/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	// Suspending changes the assignment, which the coordinator publishes
	// through the server's publisher.
	if err := srv.tenants["default"].Coordinator.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if !strings.Contains(rec.Body.String(), "event:"+events.TopicShardingChanged) {
		t.Fatalf("expected a sharding change notification, got:\n%s", rec.Body.String())
	}
}
