// Package idgen generates agent references backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// Prefixes per agent type.
const (
	ProcessorPrefix = "agent-"
	JobPrefix       = "job-"
)

// Alphabet is lower case only so references sort the same everywhere.
const Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 12

// AgentReference returns a new reference for an agent of type t.
func AgentReference(t model.AgentType) (string, error) {
	if t == model.AgentTypeMassIndexer {
		return WithPrefix(JobPrefix)
	}
	return WithPrefix(ProcessorPrefix)
}

// WithPrefix returns a new unique id with the given prefix.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
