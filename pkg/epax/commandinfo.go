package epax

import (
	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/synod"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// Status is CommandInfo's state machine position. It only ever advances
// forward: START -> COLLECT -> COMMIT (spec.md §3's invariant). EXECUTED
// is implicit -- once a committed dot's ExecutionInfo has been drained by
// ToExecutor, CommandInfo itself is unaffected; execution is tracked
// separately by the executor.
type Status int

const (
	StatusStart Status = iota
	StatusCollect
	StatusCommit
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "START"
	case StatusCollect:
		return "COLLECT"
	case StatusCommit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// CommandInfo is the per-dot, per-worker bookkeeping record spec.md §3
// describes.
type CommandInfo struct {
	status Status
	cmd    *command.Command
	clock  vclock.VClock

	// quorum is the fast-quorum set the coordinator chose for this dot.
	quorum []id.ProcessId

	// quorumAcks accumulates the clocks reported by fast-quorum members,
	// keyed by sender so a duplicate/retried ack can never be double
	// counted. Only accumulated while status == COLLECT, and the
	// coordinator's own ack (from == self) is never inserted here --
	// spec.md §9: "QuorumClocks deliberately sized fq-1 to exclude self".
	quorumAcks map[id.ProcessId]vclock.VClock

	// synod is this dot's embedded single-slot consensus instance, used
	// only on the slow path.
	synod *synod.Synod

	// stallTicks counts consecutive RecoveryCheck events this dot has sat
	// uncommitted; reset whenever a recovery attempt is begun for it.
	stallTicks int

	// recovery accumulates Promises for this dot's in-flight recovery
	// attempt, nil when none is in progress.
	recovery       *synod.RecoveryState
	recoveryBallot synod.Ballot
	recoveryAcks   map[id.ProcessId]bool
}

func newBottomCommandInfo(self id.ProcessId, dot id.Dot) *CommandInfo {
	return &CommandInfo{
		status:     StatusStart,
		quorumAcks: make(map[id.ProcessId]vclock.VClock),
		synod:      synod.New(self, dot.ProcessId),
	}
}

// CommandsInfo is the per-worker Dot -> CommandInfo table, with lazy
// bottom-info creation on first reference, plus the GC/stability tracking
// structures of spec.md §4.4.
type CommandsInfo struct {
	self id.ProcessId
	byDot map[id.Dot]*CommandInfo
	gc    *gcTracker
}

func newCommandsInfo(self id.ProcessId) *CommandsInfo {
	return &CommandsInfo{
		self:  self,
		byDot: make(map[id.Dot]*CommandInfo),
		gc:    newGCTracker(self),
	}
}

// get returns the CommandInfo for dot, materializing a bottom one if this
// is the first reference -- spec.md §3/§4.1's "dots received out of order
// must transparently materialise a bottom CommandInfo".
func (ci *CommandsInfo) get(dot id.Dot) *CommandInfo {
	info, ok := ci.byDot[dot]
	if !ok {
		info = newBottomCommandInfo(ci.self, dot)
		ci.byDot[dot] = info
	}
	return info
}

// forget drops a dot's CommandInfo entirely. Only called once a dot is
// known stable everywhere (spec.md §4.4's GC safety invariant); dropping
// the CommandInfo also drops its embedded synod, which is the per-dot
// synod's only GC path since it is never shared across dots.
func (ci *CommandsInfo) forget(dot id.Dot) {
	delete(ci.byDot, dot)
}

// StableCount is the running total of dots GC'd, exposed as a metric.
func (ci *CommandsInfo) StableCount() uint64 {
	return ci.gc.stableCount
}
