package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/config"
	"github.com/alfredjeanlab/indexsync/internal/events"
)

func TestServe_MemoryTenantsJoinAndLeave(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.NATSURL = startTestNATS(t)
	disabled := false
	cfg.Tenants = []config.Tenant{{ID: "shop"}, {ID: "blog", Enabled: &disabled}}

	sub, err := events.NewNATSSubscriber(cfg.NATSURL)
	if err != nil {
		t.Fatalf("NewNATSSubscriber: %v", err)
	}
	defer sub.Close()
	joined, cancelJoined, err := sub.Subscribe(events.TopicAgentJoined)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelJoined()
	left, cancelLeft, err := sub.Subscribe(events.TopicAgentLeft)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancelLeft()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, true, quietLogger()) }()

	tenants := map[string]bool{}
	for len(tenants) < 2 {
		select {
		case msg := <-joined:
			var ev events.AgentJoined
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.Fatalf("decode: %v", err)
			}
			tenants[ev.Tenant] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only %v joined", tenants)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}

	for range 2 {
		select {
		case <-left:
		case <-time.After(5 * time.Second):
			t.Fatal("expected every agent to leave on shutdown")
		}
	}
}
