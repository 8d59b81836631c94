package model

import (
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Add appends a field error.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidateEvent checks an Event before it is enqueued.
func ValidateEvent(ev *Event) error {
	var ve ValidationError

	if strings.TrimSpace(ev.EntityName) == "" {
		ve.Add("entity_name", "is required")
	}
	if ev.EntityID == "" {
		ve.Add("entity_id", "is required")
	}
	if ev.Shard < 0 || ev.Shard >= ShardSpace {
		ve.Add("shard", "must be in [0, %d), got %d", ShardSpace, ev.Shard)
	}
	if ev.Attempts < 0 {
		ve.Add("attempts", "must not be negative, got %d", ev.Attempts)
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateStaticAssignment checks a configured shard assignment: the total
// must be positive, at least one index must be assigned, and every index must
// fall in [0, total).
func ValidateStaticAssignment(a ShardAssignment) error {
	var ve ValidationError

	if a.TotalShardCount <= 0 {
		ve.Add("total_shard_count", "must be positive, got %d", a.TotalShardCount)
	}
	if len(a.AssignedShards) == 0 {
		ve.Add("shard_indices", "is required when total_shard_count is set")
	}
	seen := make(map[int]bool, len(a.AssignedShards))
	for _, idx := range a.AssignedShards {
		if a.TotalShardCount > 0 && (idx < 0 || idx >= a.TotalShardCount) {
			ve.Add("shard_indices", "index %d out of range [0, %d)", idx, a.TotalShardCount)
		}
		if seen[idx] {
			ve.Add("shard_indices", "index %d listed twice", idx)
		}
		seen[idx] = true
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

// ValidateAgent checks an Agent row before it is registered or updated.
func ValidateAgent(a *Agent) error {
	var ve ValidationError

	if strings.TrimSpace(a.Reference) == "" {
		ve.Add("reference", "is required")
	}
	if !a.Type.IsValid() {
		ve.Add("type", "unknown agent type %q", a.Type)
	} else if !a.State.IsValidFor(a.Type) {
		ve.Add("state", "%q is not a %s state", a.State, a.Type)
	}
	if a.StaticSharding {
		if err := ValidateStaticAssignment(a.Assignment); err != nil {
			ve.Add("assignment", "invalid static assignment: %v", err)
		}
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}
