package epax

import (
	"sort"

	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// thresholdClock tracks, for one source process, the highest seq known
// committed as a *contiguous* prefix starting at 1 -- spec.md §4.4's
// "thresholded clock". Commits can be learned out of order (a dot with
// seq 5 can commit before seq 3), so the frontier only advances once every
// lower seq has also been recorded.
type thresholdClock struct {
	frontier uint64
	pending  map[uint64]bool
}

func newThresholdClock() *thresholdClock {
	return &thresholdClock{pending: make(map[uint64]bool)}
}

func (t *thresholdClock) record(seq uint64) {
	if seq <= t.frontier {
		return
	}
	t.pending[seq] = true
	for t.pending[t.frontier+1] {
		t.frontier++
		delete(t.pending, t.frontier)
	}
}

// gcTracker holds everything spec.md §4.4 needs: this replica's own
// committed frontier, the frontiers reported by peers via
// MGarbageCollection, a cursor of what's already been GC'd per source (so
// repeated GC rounds announce only the newly-stable delta), and the
// running stable_count metric.
type gcTracker struct {
	self      id.ProcessId
	committed map[id.ProcessId]*thresholdClock
	peers     map[id.ProcessId]vclock.VClock
	cursor    map[id.ProcessId]uint64

	stableCount uint64
}

func newGCTracker(self id.ProcessId) *gcTracker {
	return &gcTracker{
		self:      self,
		committed: make(map[id.ProcessId]*thresholdClock),
		peers:     make(map[id.ProcessId]vclock.VClock),
		cursor:    make(map[id.ProcessId]uint64),
	}
}

func (g *gcTracker) recordCommitted(dot id.Dot) {
	tc, ok := g.committed[dot.ProcessId]
	if !ok {
		tc = newThresholdClock()
		g.committed[dot.ProcessId] = tc
	}
	tc.record(dot.Seq)
}

// committedFrontier is this replica's own (source -> highest contiguous
// committed seq) view, broadcast as MGarbageCollection.
func (g *gcTracker) committedFrontier() vclock.VClock {
	out := vclock.New()
	for pid, tc := range g.committed {
		if tc.frontier > 0 {
			out.Add(id.NewDot(pid, tc.frontier))
		}
	}
	return out
}

func (g *gcTracker) recordPeerReport(from id.ProcessId, committed vclock.VClock) {
	g.peers[from] = committed
}

// stableRanges computes the set of (source, from_seq, to_seq) ranges known
// committed at every replica (self included) that have not already been
// announced stable, per spec.md §4.4 step 2. A peer that has not yet sent
// an MGarbageCollection report contributes the zero clock (committed
// nothing), not "no bound at all" -- iterating the full replica set rather
// than just g.peers' current keys is what keeps a dot from being declared
// stable before every replica has actually confirmed it, the GC safety
// invariant spec.md §4.4/§8 require.
func (g *gcTracker) stableRanges(allReplicas []id.ProcessId) []vclock.Range {
	self := g.committedFrontier()

	var out []vclock.Range
	for _, source := range allReplicas {
		min := self.Max(source)
		for _, peer := range allReplicas {
			if peer == g.self {
				continue
			}
			if v := g.peers[peer].Max(source); v < min {
				min = v
			}
		}
		from := g.cursor[source] + 1
		if min < from {
			continue
		}
		out = append(out, vclock.Range{Source: source, FromSeq: from, ToSeq: min})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// applyStable advances the GC cursor past the given ranges and returns the
// dots whose CommandInfo (and embedded synod) can now be forgotten.
func (g *gcTracker) applyStable(ranges []vclock.Range) []id.Dot {
	var dots []id.Dot
	for _, rg := range ranges {
		for seq := rg.FromSeq; seq <= rg.ToSeq; seq++ {
			dots = append(dots, id.NewDot(rg.Source, seq))
		}
		g.cursor[rg.Source] = rg.ToSeq
		g.stableCount += rg.ToSeq - rg.FromSeq + 1
	}
	return dots
}
