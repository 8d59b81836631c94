// Package sharding turns a membership snapshot into a shard assignment.
//
// Every agent runs Resolve on the same snapshot and, without talking to the
// others, arrives at the same non-overlapping partition of the shard space.
package sharding

import (
	"fmt"
	"sort"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// ConflictKind classifies a static sharding conflict.
type ConflictKind string

const (
	// ConflictShardCount: two static agents disagree on the total shard count.
	ConflictShardCount ConflictKind = "shard_count_mismatch"
	// ConflictOverlap: two static agents claim the same shard index.
	ConflictOverlap ConflictKind = "overlap"
)

// Conflict describes one disagreement between this agent's static
// configuration and another live static agent.
type Conflict struct {
	Kind            ConflictKind          `json:"kind"`
	Self            string                `json:"self"`
	Other           string                `json:"other"`
	SelfAssignment  model.ShardAssignment `json:"self_assignment"`
	OtherAssignment model.ShardAssignment `json:"other_assignment"`
	Shards          []int                 `json:"shards,omitempty"` // overlapping indices
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictShardCount:
		return fmt.Sprintf("agents %s and %s use different total shard counts (%d vs %d)",
			c.Self, c.Other, c.SelfAssignment.TotalShardCount, c.OtherAssignment.TotalShardCount)
	case ConflictOverlap:
		return fmt.Sprintf("agents %s and %s are both assigned shards %v of %d",
			c.Self, c.Other, c.Shards, c.SelfAssignment.TotalShardCount)
	}
	return fmt.Sprintf("agents %s and %s conflict (%s)", c.Self, c.Other, c.Kind)
}

// Resolution is the result of Resolve.
type Resolution struct {
	Assignment model.ShardAssignment
	Static     bool
	// Members lists the references the dynamic partition was computed over.
	Members   []string
	Conflicts []Conflict
}

// Resolve computes the assignment of the agent identified by self.
//
// With static set, the configured assignment is returned as is and every
// other live static event processor is cross-checked against it; conflicts
// are reported, never fatal.
//
// Without it, the live pulsing dynamic event processors (self always
// included) are sorted by reference and self owns the index equal to its
// position out of their count. An empty membership resolves to owning
// everything.
func Resolve(agents []*model.Agent, self string, static *model.ShardAssignment, now time.Time) Resolution {
	if static != nil {
		return resolveStatic(agents, self, static.Normalize(), now)
	}
	return resolveDynamic(agents, self, now)
}

func resolveStatic(agents []*model.Agent, self string, own model.ShardAssignment, now time.Time) Resolution {
	res := Resolution{Assignment: own, Static: true}
	for _, a := range agents {
		if a.Reference == self || !a.StaticSharding || a.Type != model.AgentTypeEventProcessor || a.IsExpired(now) {
			continue
		}
		other := a.Assignment.Normalize()
		if other.TotalShardCount != own.TotalShardCount {
			res.Conflicts = append(res.Conflicts, Conflict{
				Kind:            ConflictShardCount,
				Self:            self,
				Other:           a.Reference,
				SelfAssignment:  own.Clone(),
				OtherAssignment: other,
			})
			continue
		}
		if overlap := own.Intersect(other); len(overlap) > 0 {
			res.Conflicts = append(res.Conflicts, Conflict{
				Kind:            ConflictOverlap,
				Self:            self,
				Other:           a.Reference,
				SelfAssignment:  own.Clone(),
				OtherAssignment: other,
				Shards:          overlap,
			})
		}
	}
	return res
}

func resolveDynamic(agents []*model.Agent, self string, now time.Time) Resolution {
	members := []string{self}
	for _, a := range agents {
		if a.Reference == self || !Eligible(a, now) {
			continue
		}
		members = append(members, a.Reference)
	}
	sort.Strings(members)

	res := Resolution{Members: members}
	for i, ref := range members {
		if ref == self {
			res.Assignment = model.ShardAssignment{TotalShardCount: len(members), AssignedShards: []int{i}}
			break
		}
	}
	return res
}

// Eligible reports whether a takes part in dynamic partitioning.
func Eligible(a *model.Agent, now time.Time) bool {
	return a.Type == model.AgentTypeEventProcessor &&
		a.State == model.AgentStatePulsing &&
		!a.StaticSharding &&
		!a.IsExpired(now)
}
