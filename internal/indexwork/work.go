// Package indexwork is the index mutation carried in an outbox event's
// payload, plus the backends that execute it.
//
// Payloads are protobuf-encoded google.protobuf.Struct values so producers in
// any language can write them.
package indexwork

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/retry"
	"github.com/alfredjeanlab/indexsync/internal/sharding"
)

// Op is the kind of index mutation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// IsValid reports whether op is a known operation.
func (op Op) IsValid() bool {
	switch op {
	case OpAdd, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Work is one index mutation.
type Work struct {
	Entity   string         `json:"entity"`
	ID       string         `json:"id"`
	Op       Op             `json:"op"`
	Document map[string]any `json:"document,omitempty"`
}

// Encode serializes w.
func Encode(w Work) ([]byte, error) {
	if !w.Op.IsValid() {
		return nil, fmt.Errorf("indexwork: unknown op %q", w.Op)
	}
	fields := map[string]any{
		"entity": w.Entity,
		"id":     w.ID,
		"op":     string(w.Op),
	}
	if w.Document != nil {
		fields["document"] = w.Document
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("indexwork: encode %s %s: %w", w.Entity, w.ID, err)
	}
	return proto.Marshal(s)
}

// Decode parses a payload. Every error it returns is permanent: retrying a
// corrupt payload cannot succeed.
func Decode(payload []byte) (Work, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return Work{}, retry.Permanent(fmt.Errorf("indexwork: decode payload: %w", err))
	}
	f := s.GetFields()
	w := Work{
		Entity: f["entity"].GetStringValue(),
		ID:     f["id"].GetStringValue(),
		Op:     Op(f["op"].GetStringValue()),
	}
	if doc := f["document"].GetStructValue(); doc != nil {
		w.Document = doc.AsMap()
	}
	if w.Entity == "" || w.ID == "" {
		return Work{}, retry.Permanent(fmt.Errorf("indexwork: payload lacks entity identity"))
	}
	if !w.Op.IsValid() {
		return Work{}, retry.Permanent(fmt.Errorf("indexwork: unknown op %q", w.Op))
	}
	return w, nil
}

// NewEvent builds the outbox event for w, with its shard position computed
// from the entity identity.
func NewEvent(w Work) (*model.Event, error) {
	payload, err := Encode(w)
	if err != nil {
		return nil, err
	}
	return &model.Event{
		EntityName: w.Entity,
		EntityID:   w.ID,
		Payload:    payload,
		Shard:      sharding.ShardOf(w.Entity, w.ID),
	}, nil
}

// Backend executes decoded work against an index.
type Backend interface {
	Apply(ctx context.Context, w Work) error
	Close() error
}

// Applier decodes event payloads and hands them to a Backend. It satisfies
// processor.Applier.
type Applier struct {
	Backend Backend
}

func (a *Applier) Apply(ctx context.Context, ev *model.Event) error {
	w, err := Decode(ev.Payload)
	if err != nil {
		return err
	}
	if w.Entity != ev.EntityName || w.ID != ev.EntityID {
		return retry.Permanent(fmt.Errorf("indexwork: payload is for %s/%s, event is for %s/%s",
			w.Entity, w.ID, ev.EntityName, ev.EntityID))
	}
	return a.Backend.Apply(ctx, w)
}
