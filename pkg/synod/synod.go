// Package synod implements the embedded multi-decree Flexible Paxos
// building block spec.md §4.2 describes: a Leader, an Acceptor, and
// per-slot Commanders colocated in one object. It backs both the
// CommandInfo-embedded per-dot consensus instance (a degenerate
// single-slot use, slot 0) and any future multi-slot use.
//
// Grounded on the teacher's src/consensus/manager_prepare.go
// (analyzePrepareResponses / applyPrepareResponses: pick the highest
// ballot, then the highest status among responses at that ballot) for the
// recovery reduction, generalized from the teacher's per-dot single-round
// prepare to per-slot Flexible Paxos promises.
package synod

import (
	"fmt"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// Slot indexes into the synod's replicated log. CommandInfo's embedded
// per-dot synod only ever uses Slot 0.
type Slot uint64

// Ballot is a Paxos ballot number: a monotonic counter in the high bits and
// the proposing process id in the low bits, so ballots are both totally
// ordered and unique per proposer without coordination.
type Ballot uint64

func NewBallot(counter uint64, pid id.ProcessId) Ballot {
	return Ballot(counter<<32 | uint64(pid))
}

// Counter extracts the counter component of the ballot.
func (b Ballot) Counter() uint64 { return uint64(b) >> 32 }

// ProcessId extracts the proposing process id encoded in the ballot.
func (b Ballot) ProcessId() id.ProcessId { return id.ProcessId(uint64(b) & 0xffffffff) }

// Value is the value being agreed upon for a given slot: an optional
// command and the dependency clock computed for it (spec.md §3
// ConsensusValue).
type Value struct {
	Cmd   *command.Command
	Clock vclock.VClock
}

// Accepted records the highest-ballot value an acceptor has accepted for a
// slot.
type Accepted struct {
	Ballot Ballot
	Value  Value
}

// Promise is the Acceptor's reply to a Prepare: the ballot it now honors,
// plus a snapshot of everything it has accepted so far.
type Promise struct {
	Ballot   Ballot
	Accepted map[Slot]Accepted
}

var (
	ErrDuplicateCommander = fmt.Errorf("synod: commander already exists for slot")
)

// commander tracks acceptances for one in-flight (ballot, slot, value)
// proposal. It is destroyed the instant it reaches quorum (spec.md §4.2:
// "On chosen, yields value v once; destroyed thereafter").
type commander struct {
	ballot    Ballot
	value     Value
	acceptors map[id.ProcessId]bool
	quorum    int
}

func (c *commander) recordAccepted(from id.ProcessId) bool {
	if c.acceptors[from] {
		return false
	}
	c.acceptors[from] = true
	return len(c.acceptors) >= c.quorum
}

// Synod colocates the Leader, Acceptor, and Commander roles for one
// consensus object (either a standalone multi-slot log, or -- in its most
// common use in this repository -- a single-slot instance embedded in a
// CommandInfo).
type Synod struct {
	self id.ProcessId

	// Leader role.
	isLeader bool
	nextSlot Slot

	// Acceptor role.
	ballot   Ballot
	accepted map[Slot]Accepted

	// Slots known chosen, either via a locally-resolved commander or via
	// an externally-delivered MChosen/MCommit. Tracked so a stale peer's
	// MConsensus for an already-decided slot gets MChosen back instead of
	// being silently accepted again (spec.md §4.1's handle MConsensus).
	chosen map[Slot]Value

	// Commander role, keyed by slot. At most one commander per slot at any
	// time; a second MSpawnCommander for the same slot before the first
	// resolves is an invariant violation (spec.md §4.2).
	commanders map[Slot]*commander
}

// New creates a synod bootstrapped with the given initial ballot (spec.md
// §4.2: "Initial ballot = initial leader's id (join on bootstrap)") and a
// bottom value for slot 0, matching CommandInfo's "synod initialized with
// a bottom value".
func New(self id.ProcessId, initialLeader id.ProcessId) *Synod {
	return &Synod{
		self:       self,
		isLeader:   self == initialLeader,
		nextSlot:   0,
		ballot:     NewBallot(0, initialLeader),
		accepted:   make(map[Slot]Accepted),
		chosen:     make(map[Slot]Value),
		commanders: make(map[Slot]*commander),
	}
}

// TrySubmit returns a fresh slot for a new proposal if this replica
// currently believes itself to be leader; otherwise ok is false and the
// caller must emit MForwardSubmit instead (spec.md §4.2 top-level submit).
func (s *Synod) TrySubmit() (ballot Ballot, slot Slot, ok bool) {
	if !s.isLeader {
		return 0, 0, false
	}
	slot = s.nextSlot
	s.nextSlot++
	return s.ballot, slot, true
}

// SkipPrepare returns the current ballot without advancing the slot
// counter or running phase 1, for a coordinator that is about to drive the
// slow path for a dot it already owns (spec.md §4.1: "ballot =
// synod.skip_prepare()"). It is only meaningful when IsLeader().
func (s *Synod) SkipPrepare() Ballot {
	return s.ballot
}

// IsLeader reports whether this synod currently believes itself to be
// leader.
func (s *Synod) IsLeader() bool { return s.isLeader }

// BeginRecovery adopts a ballot higher than any this synod has seen or
// honored, proposed by self, and makes self the synod's leader for that
// ballot -- the entry point for spec.md §9's recovery path, taken by any
// replica that judges a dot's synod stalled. It adopts the ballot locally
// (not just remotely) so SelfPromise can report this replica's own accepted
// state without a network round-trip to itself.
func (s *Synod) BeginRecovery() Ballot {
	b := NewBallot(s.ballot.Counter()+1, s.self)
	s.ballot = b
	s.isLeader = true
	return b
}

// SelfPromise returns this synod's own acceptor state as a Promise, for a
// recovering leader folding in its own accepted values the same way it
// would fold a remote MPromise, without sending itself an MPrepare.
func (s *Synod) SelfPromise() Promise {
	snapshot := make(map[Slot]Accepted, len(s.accepted))
	for slot, acc := range s.accepted {
		snapshot[slot] = acc
	}
	return Promise{Ballot: s.ballot, Accepted: snapshot}
}

// HandlePrepare is the Acceptor's phase-1 handler: if b is higher than the
// currently-honored ballot, adopt it and reply with a snapshot of
// everything accepted so far; otherwise ignore (return ok=false).
func (s *Synod) HandlePrepare(b Ballot) (Promise, bool) {
	if b <= s.ballot {
		return Promise{}, false
	}
	s.ballot = b
	snapshot := make(map[Slot]Accepted, len(s.accepted))
	for slot, acc := range s.accepted {
		snapshot[slot] = acc
	}
	return Promise{Ballot: b, Accepted: snapshot}, true
}

// HandleAccept is the Acceptor's phase-2 handler for a direct
// MConsensus/Accept at (ballot, slot, value). A value already chosen at
// this slot short-circuits with chosen=true so the caller can reply
// MCommit directly instead of MAccepted, per spec.md §4.1's handle
// MConsensus. Otherwise, if b is at least the currently-honored ballot,
// the value is accepted (accepted=true); if b is stale, both are false and
// the caller drops the message.
func (s *Synod) HandleAccept(b Ballot, slot Slot, v Value) (accepted bool, chosen bool, chosenValue Value) {
	if cv, ok := s.chosen[slot]; ok {
		return false, true, cv
	}
	if b < s.ballot {
		return false, false, Value{}
	}
	s.ballot = b
	s.accepted[slot] = Accepted{Ballot: b, Value: v}
	return true, false, Value{}
}

// HandleChosen records that slot's value is now chosen, e.g. because this
// synod's own commander reached quorum, or because an MCommit for the
// corresponding dot was delivered directly. It destroys any live commander
// for the slot and must not be called twice with different values for the
// same slot (agreement, spec.md §8).
func (s *Synod) HandleChosen(slot Slot, v Value) {
	s.chosen[slot] = v
	delete(s.commanders, slot)
}

// HandleSpawnCommander creates a commander for (ballot, slot, value) that
// is chosen once quorum distinct acceptors have replied; the caller emits
// the MAccept (MConsensus) itself. It panics if
// a commander already exists for the slot -- spec.md §4.2 names this an
// assertion, and per spec.md §7 invariant violations are fatal.
func (s *Synod) HandleSpawnCommander(b Ballot, slot Slot, v Value, quorum int) {
	if _, exists := s.commanders[slot]; exists {
		panic(ErrDuplicateCommander)
	}
	s.commanders[slot] = &commander{
		ballot:    b,
		value:     v,
		acceptors: make(map[id.ProcessId]bool),
		quorum:    quorum,
	}
}

// HandleAccepted feeds one MAccepted(ballot, slot) reply to the commander
// tracking that slot. If the commander reaches quorum, it is destroyed and
// chosen=true is returned along with the value. A reply for a slot with no
// live commander, or at a stale ballot, is dropped.
func (s *Synod) HandleAccepted(from id.ProcessId, b Ballot, slot Slot) (chosen bool, v Value) {
	c, exists := s.commanders[slot]
	if !exists || c.ballot != b {
		return false, Value{}
	}
	if c.recordAccepted(from) {
		delete(s.commanders, slot)
		return true, c.value
	}
	return false, Value{}
}

// RecoveryState folds phase-1 promises into a recovery attempt, per
// spec.md §9's stipulation: values present in any promise at the highest
// seen ballot are re-accepted at the new ballot; slots with no accepted
// value anywhere may be filled with a noop. It is a pure reduction -- the
// recovering leader calls Fold once per received Promise and then, once
// n-f promises are in, calls RecoveredValue to get the value to re-propose
// for each contested slot.
type RecoveryState struct {
	highestBallot Ballot
	bySlot        map[Slot]Accepted
}

func NewRecoveryState() *RecoveryState {
	return &RecoveryState{bySlot: make(map[Slot]Accepted)}
}

func (r *RecoveryState) Fold(p Promise) {
	if p.Ballot > r.highestBallot {
		r.highestBallot = p.Ballot
	}
	for slot, acc := range p.Accepted {
		if existing, ok := r.bySlot[slot]; !ok || acc.Ballot > existing.Ballot {
			r.bySlot[slot] = acc
		}
	}
}

// RecoveredValue returns the value to re-propose for slot, and whether any
// promise reported an accepted value for it. When ok is false the caller
// should fill the slot with a noop, per spec.md §9.
func (r *RecoveryState) RecoveredValue(slot Slot) (Value, bool) {
	acc, ok := r.bySlot[slot]
	if !ok {
		return Value{}, false
	}
	return acc.Value, true
}

// GC drops accepted-map entries for every slot known stable, per spec.md
// §4.2's gc(stable_slots).
func (s *Synod) GC(stableSlots []Slot) {
	for _, slot := range stableSlots {
		delete(s.accepted, slot)
	}
}

// HandlePrepareSnapshot exposes the current accepted set, primarily for
// tests asserting GC actually drops entries.
func (s *Synod) HandlePrepareSnapshot() map[Slot]Accepted {
	return s.accepted
}

