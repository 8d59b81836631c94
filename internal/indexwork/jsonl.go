package indexwork

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// ReadJSONL parses one Work per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Work, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		out  []Work
		line int
	)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var w Work
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if w.Op == "" {
			w.Op = OpUpdate
		}
		if w.Entity == "" || w.ID == "" {
			return nil, fmt.Errorf("line %d: entity and id are required", line)
		}
		if !w.Op.IsValid() {
			return nil, fmt.Errorf("line %d: unknown op %q", line, w.Op)
		}
		out = append(out, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return out, nil
}

// WriteJSONL writes one Work per line.
func WriteJSONL(w io.Writer, works []Work) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, work := range works {
		if err := enc.Encode(work); err != nil {
			return fmt.Errorf("write jsonl: %w", err)
		}
	}
	return nil
}

// SliceSource serves a fixed list of work to a mass indexing job.
type SliceSource struct {
	Works []Work
}

func (s *SliceSource) Count(context.Context) (int64, error) {
	return int64(len(s.Works)), nil
}

func (s *SliceSource) Load(_ context.Context, offset, limit int64) ([]*model.Event, error) {
	n := int64(len(s.Works))
	if offset < 0 || offset >= n {
		return nil, nil
	}
	end := min(offset+limit, n)
	out := make([]*model.Event, 0, end-offset)
	for _, w := range s.Works[offset:end] {
		ev, err := NewEvent(w)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
