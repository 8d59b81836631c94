package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ShardSpace is the fixed number of positions an event can hash to. Events
// store their position once; the shard index that owns a position depends on
// the current total shard count, so the stored value never needs rewriting
// when the cluster is resized.
const ShardSpace = 1 << 20

// ShardRange is a half-open interval [Start, End) of the shard space.
type ShardRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether pos falls inside the range.
func (r ShardRange) Contains(pos int) bool {
	return pos >= r.Start && pos < r.End
}

// ShardAssignment describes which shard indices an agent owns out of
// TotalShardCount.
type ShardAssignment struct {
	TotalShardCount int   `json:"total_shard_count"`
	AssignedShards  []int `json:"assigned_shards"`
}

// OwnAll is the assignment of a lone agent.
func OwnAll() ShardAssignment {
	return ShardAssignment{TotalShardCount: 1, AssignedShards: []int{0}}
}

// IsEmpty reports whether no shard is assigned.
func (a ShardAssignment) IsEmpty() bool {
	return a.TotalShardCount <= 0 || len(a.AssignedShards) == 0
}

// IndexOf returns the shard index that owns position pos.
func (a ShardAssignment) IndexOf(pos int) int {
	if a.TotalShardCount <= 0 {
		return -1
	}
	return int(int64(pos) * int64(a.TotalShardCount) / ShardSpace)
}

// Owns reports whether position pos belongs to one of the assigned indices.
func (a ShardAssignment) Owns(pos int) bool {
	if a.IsEmpty() || pos < 0 || pos >= ShardSpace {
		return false
	}
	return slices.Contains(a.AssignedShards, a.IndexOf(pos))
}

// Ranges returns the assigned indices as merged, ordered ranges of the shard
// space.
func (a ShardAssignment) Ranges() []ShardRange {
	if a.IsEmpty() {
		return nil
	}
	n := int64(a.TotalShardCount)
	var out []ShardRange
	for _, idx := range a.Normalize().AssignedShards {
		if idx < 0 || int64(idx) >= n {
			continue
		}
		start := int(ceilDiv(int64(idx)*ShardSpace, n))
		end := int(ceilDiv(int64(idx+1)*ShardSpace, n))
		if start >= end {
			continue
		}
		if len(out) > 0 && out[len(out)-1].End == start {
			out[len(out)-1].End = end
			continue
		}
		out = append(out, ShardRange{Start: start, End: end})
	}
	return out
}

// Normalize returns a copy with sorted, de-duplicated indices.
func (a ShardAssignment) Normalize() ShardAssignment {
	idx := slices.Clone(a.AssignedShards)
	slices.Sort(idx)
	return ShardAssignment{TotalShardCount: a.TotalShardCount, AssignedShards: slices.Compact(idx)}
}

// Clone returns a deep copy.
func (a ShardAssignment) Clone() ShardAssignment {
	return ShardAssignment{TotalShardCount: a.TotalShardCount, AssignedShards: slices.Clone(a.AssignedShards)}
}

// Equal reports whether both assignments own the same indices out of the same total.
func (a ShardAssignment) Equal(b ShardAssignment) bool {
	return a.TotalShardCount == b.TotalShardCount &&
		slices.Equal(a.Normalize().AssignedShards, b.Normalize().AssignedShards)
}

// Intersect returns the indices assigned in both a and b.
func (a ShardAssignment) Intersect(b ShardAssignment) []int {
	var out []int
	for _, idx := range a.Normalize().AssignedShards {
		if slices.Contains(b.AssignedShards, idx) {
			out = append(out, idx)
		}
	}
	return out
}

// String formats the assignment as "1,3/4", or "none" when empty.
func (a ShardAssignment) String() string {
	if a.IsEmpty() {
		return "none"
	}
	norm := a.Normalize()
	parts := make([]string, len(norm.AssignedShards))
	for i, idx := range norm.AssignedShards {
		parts[i] = strconv.Itoa(idx)
	}
	return fmt.Sprintf("%s/%d", strings.Join(parts, ","), a.TotalShardCount)
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
