// Package keyclocks implements the key-clocks oracle spec.md §4.1/§9
// describes: a capability set {New, Add(dot, cmd, past?) VClock, Parallel()
// bool} with a sequential and a lock-sharded implementation, selected by
// the worker pool depending on how many workers are configured.
//
// Grounded on the teacher's src/consensus/scope.go, which protects one
// Scope's instance maps with a single sync.RWMutex; LockedKeyClocks
// generalizes that to one lock per shard bucket instead of one lock per
// key-scope, since here a "scope" is a key, not a coarser grouping.
package keyclocks

import (
	"hash/fnv"
	"sync"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// KeyClocks is the capability set every variant implements.
type KeyClocks interface {
	// Add registers dot/cmd against every key cmd touches and returns the
	// join of the clocks previously registered for those keys. The
	// returned clock never includes dot itself.
	Add(dot id.Dot, cmd *command.Command) vclock.VClock
	// Parallel reports whether this implementation may be used
	// concurrently from multiple workers without external synchronization.
	Parallel() bool
}

// SequentialKeyClocks is a single-threaded, lock-free key-clocks table. It
// must only ever be driven by one worker goroutine.
type SequentialKeyClocks struct {
	clocks map[string]vclock.VClock
}

func NewSequential() *SequentialKeyClocks {
	return &SequentialKeyClocks{clocks: make(map[string]vclock.VClock)}
}

func (k *SequentialKeyClocks) Parallel() bool { return false }

func (k *SequentialKeyClocks) Add(dot id.Dot, cmd *command.Command) vclock.VClock {
	result := vclock.New()
	if command.IsNoop(cmd) {
		return result
	}
	for _, key := range cmd.Keys {
		if prev, ok := k.clocks[key]; ok {
			result = result.Join(prev)
		}
	}
	for _, key := range cmd.Keys {
		updated := vclock.New()
		if prev, ok := k.clocks[key]; ok {
			updated = prev
		}
		updated.Add(dot)
		k.clocks[key] = updated
	}
	return result
}

// LockedKeyClocks shards the key space over a fixed number of
// independently-locked buckets, safe for concurrent use by many workers.
type LockedKeyClocks struct {
	shards []*lockedShard
}

type lockedShard struct {
	mu     sync.Mutex
	clocks map[string]vclock.VClock
}

const defaultShardCount = 32

func NewLocked() *LockedKeyClocks {
	return NewLockedWithShards(defaultShardCount)
}

func NewLockedWithShards(n int) *LockedKeyClocks {
	if n < 1 {
		n = 1
	}
	shards := make([]*lockedShard, n)
	for i := range shards {
		shards[i] = &lockedShard{clocks: make(map[string]vclock.VClock)}
	}
	return &LockedKeyClocks{shards: shards}
}

func (k *LockedKeyClocks) Parallel() bool { return true }

func (k *LockedKeyClocks) shardFor(key string) *lockedShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return k.shards[h.Sum32()%uint32(len(k.shards))]
}

func (k *LockedKeyClocks) Add(dot id.Dot, cmd *command.Command) vclock.VClock {
	result := vclock.New()
	if command.IsNoop(cmd) {
		return result
	}
	// Lock shards in a stable order (by shard index) to avoid deadlocks
	// when a command touches keys that hash to the same shard twice, or
	// when two commands with overlapping key sets race against each other.
	touched := uniqueShardIndices(k, cmd.Keys)
	for _, idx := range touched {
		k.shards[idx].mu.Lock()
	}
	defer func() {
		for _, idx := range touched {
			k.shards[idx].mu.Unlock()
		}
	}()

	for _, key := range cmd.Keys {
		shard := k.shardFor(key)
		if prev, ok := shard.clocks[key]; ok {
			result = result.Join(prev)
		}
	}
	for _, key := range cmd.Keys {
		shard := k.shardFor(key)
		updated := vclock.New()
		if prev, ok := shard.clocks[key]; ok {
			updated = prev
		}
		updated.Add(dot)
		shard.clocks[key] = updated
	}
	return result
}

func uniqueShardIndices(k *LockedKeyClocks, keys []string) []int {
	seen := make(map[int]bool, len(keys))
	out := make([]int, 0, len(keys))
	for _, key := range keys {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		idx := int(h.Sum32() % uint32(len(k.shards)))
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	// Sort for a stable lock order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
