package sharding

import (
	"hash/fnv"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// ShardOf returns the shard position of an entity identity. It is computed
// once, when the event is enqueued, and never changes afterwards.
func ShardOf(entityName, entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityName))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	return int(h.Sum32() % model.ShardSpace)
}
