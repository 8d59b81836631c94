package indexwork

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/retry"
	"github.com/alfredjeanlab/indexsync/internal/sharding"
)

type fakeBackend struct {
	applied []Work
	err     error
}

func (f *fakeBackend) Apply(_ context.Context, w Work) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, w)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func TestEncodeDecode(t *testing.T) {
	in := Work{
		Entity:   "Book",
		ID:       "42",
		Op:       OpUpdate,
		Document: map[string]any{"title": "Dune", "pages": 412.0, "tags": []any{"sf"}},
	}
	payload, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Entity != "Book" || out.ID != "42" || out.Op != OpUpdate {
		t.Fatalf("identity = %+v", out)
	}
	if out.Document["title"] != "Dune" || out.Document["pages"] != 412.0 {
		t.Fatalf("document = %v", out.Document)
	}
}

func TestEncode_RejectsUnknownOp(t *testing.T) {
	if _, err := Encode(Work{Entity: "Book", ID: "1", Op: "upsert"}); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestDecode_ErrorsArePermanent(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload)
			if err == nil {
				t.Fatal("expected error")
			}
			if !retry.IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
}

func TestNewEvent_ComputesShard(t *testing.T) {
	ev, err := NewEvent(Work{Entity: "Book", ID: "7", Op: OpAdd})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.Shard != sharding.ShardOf("Book", "7") {
		t.Fatalf("shard = %d, want %d", ev.Shard, sharding.ShardOf("Book", "7"))
	}
	if err := model.ValidateEvent(ev); err != nil {
		t.Fatalf("event does not validate: %v", err)
	}
}

func TestApplier(t *testing.T) {
	backend := &fakeBackend{}
	a := &Applier{Backend: backend}

	ev, _ := NewEvent(Work{Entity: "Book", ID: "1", Op: OpDelete})
	if err := a.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(backend.applied) != 1 || backend.applied[0].Op != OpDelete {
		t.Fatalf("applied = %+v", backend.applied)
	}

	// Payload for a different entity than the event row.
	ev.EntityID = "2"
	err := a.Apply(context.Background(), ev)
	if !retry.IsPermanent(err) {
		t.Fatalf("expected permanent mismatch error, got %v", err)
	}
}

func TestApplier_BackendErrorIsRetryable(t *testing.T) {
	boom := errors.New("index unavailable")
	a := &Applier{Backend: &fakeBackend{err: boom}}

	ev, _ := NewEvent(Work{Entity: "Book", ID: "1", Op: OpAdd})
	err := a.Apply(context.Background(), ev)
	if !errors.Is(err, boom) || retry.IsPermanent(err) {
		t.Fatalf("expected retryable backend error, got %v", err)
	}
}

func TestReadJSONL(t *testing.T) {
	input := `{"entity":"Book","id":"1","document":{"title":"Dune"}}

{"entity":"Book","id":"2","op":"delete"}
`
	works, err := ReadJSONL(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if len(works) != 2 {
		t.Fatalf("expected 2 works, got %d", len(works))
	}
	if works[0].Op != OpUpdate {
		t.Errorf("missing op should default to update, got %q", works[0].Op)
	}
	if works[1].Op != OpDelete {
		t.Errorf("op = %q", works[1].Op)
	}

	var buf strings.Builder
	if err := WriteJSONL(&buf, works); err != nil {
		t.Fatalf("WriteJSONL: %v", err)
	}
	again, err := ReadJSONL(strings.NewReader(buf.String()))
	if err != nil || len(again) != 2 {
		t.Fatalf("reread = %v, %v", again, err)
	}
}

func TestReadJSONL_Errors(t *testing.T) {
	tests := []struct {
		name, input, want string
	}{
		{"bad json", "{", "line 1"},
		{"no id", `{"entity":"Book"}`, "entity and id are required"},
		{"bad op", `{"entity":"Book","id":"1","op":"upsert"}`, "unknown op"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadJSONL(strings.NewReader(tt.input))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSliceSource(t *testing.T) {
	src := &SliceSource{Works: []Work{
		{Entity: "Book", ID: "1", Op: OpAdd},
		{Entity: "Book", ID: "2", Op: OpAdd},
		{Entity: "Book", ID: "3", Op: OpAdd},
	}}
	ctx := context.Background()

	if n, _ := src.Count(ctx); n != 3 {
		t.Fatalf("Count = %d", n)
	}
	evs, err := src.Load(ctx, 1, 5)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(evs) != 2 || evs[0].EntityID != "2" || evs[1].EntityID != "3" {
		t.Fatalf("Load(1, 5) = %v", evs)
	}
	if evs, _ := src.Load(ctx, 3, 1); len(evs) != 0 {
		t.Fatalf("Load past end = %v", evs)
	}
}
