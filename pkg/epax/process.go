// Package epax implements the replication state machine spec.md §4.1
// describes: a leaderless, dependency-graph SMR in the style of EPaxos,
// with an embedded multi-decree Flexible Paxos synod (pkg/synod) as its
// slow-path/recovery consensus primitive.
//
// Grounded on the teacher's src/consensus package (scope.go's
// PreAccept/Accept/Commit phase split, scope_accept.go's quorum-counting
// shape) but restructured from the teacher's synchronous,
// blocking-RPC-per-phase model into the pure, action-returning state
// machine spec.md §4.1/§4.3 requires: Process never blocks, sleeps, or
// does I/O itself -- it only inspects its current state and returns the
// Actions the owning worker (pkg/worker) must carry out.
package epax

import (
	"fmt"
	"sort"

	logging "github.com/op/go-logging"

	"github.com/dotconsensus/epax/internal/metrics"
	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/keyclocks"
	"github.com/dotconsensus/epax/pkg/synod"
	"github.com/dotconsensus/epax/pkg/vclock"
	"github.com/dotconsensus/epax/pkg/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("epax")
}

// Process is one worker's instance of the replication protocol for the
// dots it owns. It is not safe for concurrent use -- spec.md §5's
// per-worker linearization guarantee is what makes that safe in practice,
// since exactly one worker goroutine ever touches a given Process.
type Process struct {
	self id.ProcessId
	n    int
	f    int
	fq   int
	wq   int

	dots      *id.Generator
	keyClocks keyclocks.KeyClocks
	info      *CommandsInfo

	peers             []id.ProcessId // all replicas, including self, sorted
	defaultFastQuorum []id.ProcessId
	defaultWriteQuorum []id.ProcessId

	executor []command.ExecutionInfo
}

// New constructs a Process for replica self in an n-replica, f-fault
// cluster. Discover must be called once the connection fabric has
// resolved the full peer set before Submit/Handle are driven.
func New(self id.ProcessId, n, f int, kc keyclocks.KeyClocks) *Process {
	fq := f + (f+1)/2
	wq := f + 1
	return &Process{
		self:      self,
		n:         n,
		f:         f,
		fq:        fq,
		wq:        wq,
		dots:      id.NewGenerator(self),
		keyClocks: kc,
		info:      newCommandsInfo(self),
	}
}

// Leaderless reports true: this is the leaderless EPaxos-style protocol,
// so the worker loop biases its select toward peer messages over client
// submissions (spec.md §4.3).
func (p *Process) Leaderless() bool { return true }

// Discover installs the full replica set (spec.md §4.1's restored
// fantoch-style runtime peer discovery) and computes the default fast and
// write quorum candidate sets. It panics if fq > n-f, the quorum-sizing
// invariant of spec.md §4.1.
func (p *Process) Discover(peers []id.ProcessId) {
	sorted := append([]id.ProcessId(nil), peers...)
	hasSelf := false
	for _, pid := range sorted {
		if pid == p.self {
			hasSelf = true
		}
	}
	if !hasSelf {
		sorted = append(sorted, p.self)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p.peers = sorted

	if p.fq > p.n-p.f {
		panic(fmt.Errorf("epax: invalid quorum sizing: fq=%d exceeds n-f=%d", p.fq, p.n-p.f))
	}

	p.defaultFastQuorum = closestQuorum(p.self, sorted, p.fq)
	p.defaultWriteQuorum = closestQuorum(p.self, sorted, p.wq)
	logger.Debugf("process %d discovered %d peers, fq=%v wq=%v", p.self, len(sorted), p.defaultFastQuorum, p.defaultWriteQuorum)
}

// closestQuorum picks self plus the (size-1) replicas whose ids are
// closest to self, a deterministic tie-break mirroring the teacher's
// sorted-replica-set conventions (src/topology's Ring ordering).
func closestQuorum(self id.ProcessId, sorted []id.ProcessId, size int) []id.ProcessId {
	if size >= len(sorted) {
		out := append([]id.ProcessId(nil), sorted...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	}
	idx := 0
	for i, pid := range sorted {
		if pid == self {
			idx = i
			break
		}
	}
	out := []id.ProcessId{self}
	for step := 1; len(out) < size; step++ {
		if j := idx + step; j < len(sorted) {
			out = append(out, sorted[j])
		}
		if len(out) >= size {
			break
		}
		if j := idx - step; j >= 0 {
			out = append(out, sorted[j])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Process) otherReplicas() []id.ProcessId {
	out := make([]id.ProcessId, 0, len(p.peers)-1)
	for _, pid := range p.peers {
		if pid != p.self {
			out = append(out, pid)
		}
	}
	return out
}

// Submit allocates a dot (if none is supplied), computes its dependency
// clock, and emits MCollect to the fast quorum -- spec.md §4.1's
// client-initiated submit().
func (p *Process) Submit(dot *id.Dot, cmd *command.Command) []Action {
	var d id.Dot
	if dot != nil {
		d = *dot
	} else {
		d = p.dots.Next()
	}

	clock := p.keyClocks.Add(d, cmd)
	quorum := p.defaultFastQuorum

	return []Action{Send(quorum, &wire.MCollect{
		Dot:    d,
		Cmd:    cmd,
		Clock:  clock,
		Quorum: quorum,
	})}
}

// Handle dispatches one peer (or self-delivered) message to its handler.
func (p *Process) Handle(from id.ProcessId, msg wire.Message) []Action {
	switch m := msg.(type) {
	case *wire.MCollect:
		return p.handleCollect(from, m)
	case *wire.MCollectAck:
		return p.handleCollectAck(from, m)
	case *wire.MCommit:
		return p.handleCommit(from, m)
	case *wire.MConsensus:
		return p.handleConsensus(from, m)
	case *wire.MConsensusAck:
		return p.handleConsensusAck(from, m)
	case *wire.MCommitDot:
		return p.handleCommitDot(from, m)
	case *wire.MGarbageCollection:
		return p.handleGarbageCollection(from, m)
	case *wire.MStable:
		return p.handleStable(from, m)
	case *wire.MPrepare:
		return p.handlePrepare(from, m)
	case *wire.MPromise:
		return p.handlePromise(from, m)
	default:
		return none()
	}
}

func (p *Process) handleCollect(from id.ProcessId, m *wire.MCollect) []Action {
	info := p.info.get(m.Dot)
	if info.status != StatusStart {
		return none()
	}

	var clock vclock.VClock
	if from == p.self {
		// The coordinator already computed this clock at Submit time;
		// recomputing here would fold the command's own dot into its own
		// dependencies, which spec.md §4.1 forbids (it would break the
		// f>1 fast path).
		clock = m.Clock
	} else {
		local := p.keyClocks.Add(m.Dot, m.Cmd)
		clock = local.Join(m.Clock)
	}

	info.status = StatusCollect
	info.quorum = m.Quorum
	info.cmd = m.Cmd
	info.clock = clock

	return []Action{Send([]id.ProcessId{from}, &wire.MCollectAck{Dot: m.Dot, Clock: clock})}
}

func (p *Process) handleCollectAck(from id.ProcessId, m *wire.MCollectAck) []Action {
	if from == p.self {
		// Self-acks are never counted -- QuorumClocks is sized fq-1 for
		// exactly this reason (spec.md §9).
		return none()
	}
	info := p.info.get(m.Dot)
	if info.status != StatusCollect {
		return none()
	}
	member := false
	for _, pid := range info.quorum {
		if pid == from {
			member = true
			break
		}
	}
	if !member {
		return none()
	}
	if _, dup := info.quorumAcks[from]; dup {
		return none()
	}
	info.quorumAcks[from] = m.Clock

	expected := len(info.quorum) - 1
	if expected < 0 {
		expected = 0
	}
	if len(info.quorumAcks) != expected {
		return none()
	}

	finalClock := vclock.New()
	var first vclock.VClock
	haveFirst := false
	allEqual := true
	for _, clk := range info.quorumAcks {
		finalClock = finalClock.Join(clk)
		if !haveFirst {
			first = clk
			haveFirst = true
			continue
		}
		if !clk.Equal(first) {
			allEqual = false
		}
	}

	metrics.QuorumAckLatency.Observe(float64(len(info.quorumAcks)))

	if allEqual {
		metrics.FastPathCommits.Inc()
		return []Action{Send(p.peers, &wire.MCommit{
			Dot:   m.Dot,
			Value: synod.Value{Cmd: info.cmd, Clock: finalClock},
		})}
	}

	ballot := info.synod.SkipPrepare()
	value := synod.Value{Cmd: info.cmd, Clock: finalClock}
	info.synod.HandleSpawnCommander(ballot, synod.Slot(0), value, p.wq)
	return []Action{Send(p.defaultWriteQuorum, &wire.MConsensus{
		Dot:    m.Dot,
		Ballot: ballot,
		Value:  value,
	})}
}

func (p *Process) handleCommit(from id.ProcessId, m *wire.MCommit) []Action {
	info := p.info.get(m.Dot)
	if info.status == StatusCommit {
		return none()
	}
	logger.Debugf("%d committing %s", p.self, m.Dot)
	info.status = StatusCommit
	info.cmd = m.Value.Cmd
	info.clock = m.Value.Clock
	info.synod.HandleChosen(synod.Slot(0), m.Value)

	if !command.IsNoop(info.cmd) {
		p.executor = append(p.executor, command.ExecutionInfo{
			Dot:   m.Dot,
			Cmd:   info.cmd,
			Clock: info.clock,
		})
	}
	p.info.gc.recordCommitted(m.Dot)
	// Forwarded (never dialed out) so the worker layer can route it to the
	// dedicated GC worker responsible for this node's committed-frontier
	// bookkeeping, independent of which worker happened to own this dot
	// (spec.md §4.4's GC sharding, via MCommitDot).
	return []Action{Forward(&wire.MCommitDot{Dot: m.Dot})}
}

func (p *Process) handleConsensus(from id.ProcessId, m *wire.MConsensus) []Action {
	info := p.info.get(m.Dot)
	accepted, chosen, chosenValue := info.synod.HandleAccept(m.Ballot, synod.Slot(0), m.Value)
	if chosen {
		return []Action{Send([]id.ProcessId{from}, &wire.MCommit{Dot: m.Dot, Value: chosenValue})}
	}
	if accepted {
		if info.status == StatusStart {
			info.status = StatusCollect
		}
		return []Action{Send([]id.ProcessId{from}, &wire.MConsensusAck{Dot: m.Dot, Ballot: m.Ballot})}
	}
	return none()
}

func (p *Process) handleConsensusAck(from id.ProcessId, m *wire.MConsensusAck) []Action {
	info := p.info.get(m.Dot)
	chosen, value := info.synod.HandleAccepted(from, m.Ballot, synod.Slot(0))
	if !chosen {
		return none()
	}
	metrics.SlowPathCommits.Inc()
	return []Action{Send(p.peers, &wire.MCommit{Dot: m.Dot, Value: value})}
}

func (p *Process) handleCommitDot(from id.ProcessId, m *wire.MCommitDot) []Action {
	if from != p.self {
		return none()
	}
	p.info.gc.recordCommitted(m.Dot)
	return none()
}

// handlePrepare is the Acceptor side of spec.md §9's recovery path: adopt
// the proposed ballot if it is higher than anything already honored for
// this dot's synod, and report back what (if anything) was already
// accepted.
func (p *Process) handlePrepare(from id.ProcessId, m *wire.MPrepare) []Action {
	info := p.info.get(m.Dot)
	promise, ok := info.synod.HandlePrepare(m.Ballot)
	if !ok {
		return none()
	}
	return []Action{Send([]id.ProcessId{from}, &wire.MPromise{Dot: m.Dot, Promise: promise})}
}

// handlePromise folds one Promise into the recovery attempt this replica
// began for m.Dot. Once n-f promises (including this replica's own, folded
// in at BeginRecovery) are in, it resolves the value
// per the highest-ballot-accepted rule (or a noop filler if no acceptor had
// accepted anything) and drives the synod's Accept phase exactly like the
// direct slow path does.
func (p *Process) handlePromise(from id.ProcessId, m *wire.MPromise) []Action {
	info := p.info.get(m.Dot)
	if info.recovery == nil || m.Promise.Ballot != info.recoveryBallot {
		return none()
	}
	if info.recoveryAcks[from] {
		return none()
	}
	info.recoveryAcks[from] = true
	info.recovery.Fold(m.Promise)

	if len(info.recoveryAcks) < p.n-p.f {
		return none()
	}

	value, ok := info.recovery.RecoveredValue(synod.Slot(0))
	if !ok {
		value = synod.Value{Clock: info.clock}
	}
	ballot := info.recoveryBallot
	info.recovery = nil
	info.recoveryAcks = nil
	if info.status == StatusStart {
		info.status = StatusCollect
	}

	info.synod.HandleSpawnCommander(ballot, synod.Slot(0), value, p.wq)
	return []Action{Send(p.defaultWriteQuorum, &wire.MConsensus{
		Dot:    m.Dot,
		Ballot: ballot,
		Value:  value,
	})}
}

func (p *Process) handleGarbageCollection(from id.ProcessId, m *wire.MGarbageCollection) []Action {
	p.info.gc.recordPeerReport(from, m.Committed)
	return none()
}

func (p *Process) handleStable(from id.ProcessId, m *wire.MStable) []Action {
	if from != p.self {
		return none()
	}
	dots := p.info.gc.applyStable(m.Stable)
	for _, d := range dots {
		info, ok := p.info.byDot[d]
		if ok && info.status != StatusCommit {
			// Safety: stability must never be declared for a dot this
			// replica hasn't itself committed yet.
			continue
		}
		p.info.forget(d)
		metrics.StableDots.Inc()
	}
	return none()
}

// HandleEvent handles a periodic scheduler event, returning the Actions it
// produces (spec.md §4.4's GarbageCollection handler).
func (p *Process) HandleEvent(evt Event) []Action {
	switch evt.Kind {
	case GarbageCollection:
		committed := p.info.gc.committedFrontier()
		actions := []Action{Send(p.otherReplicas(), &wire.MGarbageCollection{Committed: committed})}

		stable := p.info.gc.stableRanges(p.peers)
		if len(stable) > 0 {
			actions = append(actions, Forward(&wire.MStable{Stable: stable}))
		}
		return actions
	case RecoveryCheck:
		return p.checkStalledDots()
	default:
		return none()
	}
}

// recoveryStallThreshold is how many consecutive RecoveryCheck ticks a dot
// may sit uncommitted before this replica takes over as its recovering
// leader, per spec.md §9's recovery path.
const recoveryStallThreshold = 3

// checkStalledDots advances every tracked dot's stall counter and, for any
// dot that has crossed recoveryStallThreshold without already having a
// recovery attempt in flight, begins one: a fresh ballot owned by this
// replica, its own accepted state folded in immediately, and an MPrepare
// sent to the rest of the replica set.
func (p *Process) checkStalledDots() []Action {
	var actions []Action
	for dot, info := range p.info.byDot {
		if info.status == StatusCommit || info.recovery != nil {
			continue
		}
		info.stallTicks++
		if info.stallTicks < recoveryStallThreshold {
			continue
		}
		info.stallTicks = 0

		ballot := info.synod.BeginRecovery()
		info.recoveryBallot = ballot
		info.recovery = synod.NewRecoveryState()
		info.recovery.Fold(info.synod.SelfPromise())
		info.recoveryAcks = map[id.ProcessId]bool{p.self: true}

		logger.Debugf("%d beginning recovery for stalled dot %s at ballot %d", p.self, dot, ballot)
		actions = append(actions, Send(p.otherReplicas(), &wire.MPrepare{Dot: dot, Ballot: ballot}))
	}
	return actions
}

// ToExecutor drains every ExecutionInfo accumulated since the last drain,
// in commit order (spec.md §6's executor boundary).
func (p *Process) ToExecutor() []command.ExecutionInfo {
	out := p.executor
	p.executor = nil
	return out
}

// StableCount exposes the running GC metric (spec.md §8 scenario 4).
func (p *Process) StableCount() uint64 {
	return p.info.StableCount()
}

// Self returns this process's own id, useful for worker-layer routing.
func (p *Process) Self() id.ProcessId { return p.self }

// FastQuorumSize and WriteQuorumSize expose the configured quorum sizes.
func (p *Process) FastQuorumSize() int  { return p.fq }
func (p *Process) WriteQuorumSize() int { return p.wq }
