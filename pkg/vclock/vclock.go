// Package vclock implements a vector clock keyed by process id, used as a
// dependency clock over the set of dots a command depends on.
package vclock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dotconsensus/epax/pkg/id"
)

// VClock is a per-process-id frontier: the highest seq seen for each
// process id. It is the dependency clock type spec.md §3 describes.
type VClock struct {
	frontier map[id.ProcessId]uint64
}

// New returns an empty vector clock.
func New() VClock {
	return VClock{frontier: make(map[id.ProcessId]uint64)}
}

// FromMap builds a VClock from a raw frontier map. The map is copied.
func FromMap(m map[id.ProcessId]uint64) VClock {
	out := New()
	for k, v := range m {
		out.frontier[k] = v
	}
	return out
}

// Max returns the highest seq recorded for pid, or 0 if none.
func (c VClock) Max(pid id.ProcessId) uint64 {
	return c.frontier[pid]
}

// Add records a dot in the clock, advancing the frontier for its process id
// if the dot's seq is higher than what's currently recorded.
func (c VClock) Add(d id.Dot) {
	if d.Seq > c.frontier[d.ProcessId] {
		c.frontier[d.ProcessId] = d.Seq
	}
}

// Join computes the component-wise max of two clocks and returns a new,
// independent clock -- it never mutates its receiver or argument.
func (c VClock) Join(o VClock) VClock {
	out := New()
	for k, v := range c.frontier {
		out.frontier[k] = v
	}
	for k, v := range o.frontier {
		if v > out.frontier[k] {
			out.frontier[k] = v
		}
	}
	return out
}

// LessEqual reports whether c is component-wise <= o: every process id's
// seq in c is no higher than the corresponding seq in o.
func (c VClock) LessEqual(o VClock) bool {
	for k, v := range c.frontier {
		if v > o.frontier[k] {
			return false
		}
	}
	return true
}

// Equal reports exact equality of the two frontiers. Used for the EPaxos
// fast-path all_equal test (spec.md §4.1), which requires strict equality,
// not mutual LessEqual -- the two are equivalent here but Equal is cheaper
// and is the natural statement of the invariant.
func (c VClock) Equal(o VClock) bool {
	if len(c.frontier) != len(o.frontier) {
		return false
	}
	for k, v := range c.frontier {
		if ov, ok := o.frontier[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the clock.
func (c VClock) Copy() VClock {
	out := New()
	for k, v := range c.frontier {
		out.frontier[k] = v
	}
	return out
}

// Frontier exposes the underlying map for serialization. Callers must not
// mutate the returned map.
func (c VClock) Frontier() map[id.ProcessId]uint64 {
	return c.frontier
}

// Range describes a contiguous span of committed seqs for one source
// process, [FromSeq, ToSeq] inclusive at both ends as produced by GC
// (spec.md §4.4's "(source, from_seq, to_seq)" ranges).
type Range struct {
	Source  id.ProcessId
	FromSeq uint64
	ToSeq   uint64
}

// Ranges reduces the clock to a sorted list of per-process ranges starting
// from seq 1, suitable for broadcasting as MStable payloads.
func (c VClock) Ranges() []Range {
	out := make([]Range, 0, len(c.frontier))
	for pid, seq := range c.frontier {
		if seq == 0 {
			continue
		}
		out = append(out, Range{Source: pid, FromSeq: 1, ToSeq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (c VClock) String() string {
	pids := make([]id.ProcessId, 0, len(c.frontier))
	for pid := range c.frontier {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	parts := make([]string, 0, len(pids))
	for _, pid := range pids {
		parts = append(parts, fmt.Sprintf("%d:%d", pid, c.frontier[pid]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
