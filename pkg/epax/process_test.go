package epax

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/keyclocks"
	"github.com/dotconsensus/epax/pkg/synod"
	"github.com/dotconsensus/epax/pkg/wire"
)

// cluster wires up n in-memory Process instances and drives message
// delivery synchronously, standing in for pkg/worker+pkg/fabric so these
// tests can exercise full end-to-end scenarios without any I/O.
type cluster struct {
	procs map[id.ProcessId]*Process
	order []id.ProcessId
}

func newCluster(n, f int) *cluster {
	c := &cluster{procs: make(map[id.ProcessId]*Process)}
	peers := make([]id.ProcessId, n)
	for i := 0; i < n; i++ {
		peers[i] = id.ProcessId(i + 1)
	}
	for _, pid := range peers {
		p := New(pid, n, f, keyclocks.NewSequential())
		p.Discover(peers)
		c.procs[pid] = p
		c.order = append(c.order, pid)
	}
	return c
}

// deliver feeds actions through the cluster until no further actions are
// produced, mirroring the worker's inline self-delivery/forward loop.
func (c *cluster) deliver(origin id.ProcessId, actions []Action) {
	queue := make([]struct {
		to   id.ProcessId
		from id.ProcessId
		msg  wire.Message
	}, 0)
	for _, a := range actions {
		switch a.Kind {
		case ToSend:
			for _, target := range a.Target {
				queue = append(queue, struct {
					to   id.ProcessId
					from id.ProcessId
					msg  wire.Message
				}{to: target, from: origin, msg: a.Msg})
			}
		case ToForward:
			queue = append(queue, struct {
				to   id.ProcessId
				from id.ProcessId
				msg  wire.Message
			}{to: origin, from: origin, msg: a.Msg})
		}
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		next := c.procs[item.to].Handle(item.from, item.msg)
		for _, a := range next {
			switch a.Kind {
			case ToSend:
				for _, target := range a.Target {
					queue = append(queue, struct {
						to   id.ProcessId
						from id.ProcessId
						msg  wire.Message
					}{to: target, from: item.to, msg: a.Msg})
				}
			case ToForward:
				queue = append(queue, struct {
					to   id.ProcessId
					from id.ProcessId
					msg  wire.Message
				}{to: item.to, from: item.to, msg: a.Msg})
			}
		}
	}
}

func (c *cluster) submit(coord id.ProcessId, cmd *command.Command) {
	actions := c.procs[coord].Submit(nil, cmd)
	c.deliver(coord, actions)
}

// deliverConcurrent interleaves two coordinators' initial MCollect batches
// before draining, so each fast-quorum member processes them in whichever
// order the queue happens to deliver -- reproducing the out-of-order
// arrival that produces divergent dependency clocks across quorum replies.
func (c *cluster) deliverConcurrent(originA id.ProcessId, actionsA []Action, originB id.ProcessId, actionsB []Action) {
	type queued struct {
		to   id.ProcessId
		from id.ProcessId
		msg  wire.Message
	}
	var queue []queued
	for _, batch := range []struct {
		origin  id.ProcessId
		actions []Action
	}{{originA, actionsA}, {originB, actionsB}} {
		for _, a := range batch.actions {
			if a.Kind != ToSend {
				continue
			}
			for _, target := range a.Target {
				queue = append(queue, queued{to: target, from: batch.origin, msg: a.Msg})
			}
		}
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]
		next := c.procs[item.to].Handle(item.from, item.msg)
		for _, a := range next {
			switch a.Kind {
			case ToSend:
				for _, target := range a.Target {
					queue = append(queue, queued{to: target, from: item.to, msg: a.Msg})
				}
			case ToForward:
				queue = append(queue, queued{to: item.to, from: item.to, msg: a.Msg})
			}
		}
	}
}

func allCommitted(t *testing.T, c *cluster, dot id.Dot) {
	t.Helper()
	for pid, p := range c.procs {
		info, ok := p.info.byDot[dot]
		require.True(t, ok, "replica %d has no record of %s", pid, dot)
		require.Equal(t, StatusCommit, info.status, "replica %d did not commit %s", pid, dot)
	}
}

// TestHappyPathFastCommit covers spec.md §8's n=3,f=1 scenario: a single
// key, no conflicting concurrent commands, every fast-quorum reply agrees
// -- the dot must commit on the fast path alone, with no MConsensus ever
// sent.
func TestHappyPathFastCommit(t *testing.T) {
	c := newCluster(3, 1)
	cmd := &command.Command{Keys: []string{"a"}, Payload: []byte("v1")}

	dot := id.NewDot(1, 1)
	actions := c.procs[1].Submit(&dot, cmd)
	c.deliver(1, actions)

	allCommitted(t, c, dot)

	info := c.procs[1].info.byDot[dot]
	require.True(t, info.clock.Equal(info.clock), "clock must be internally consistent")
}

// TestConflictingClocksSlowPath covers spec.md §8's n=5,f=2 scenario:
// concurrent commands over overlapping keys produce fast-quorum replies
// with differing dependency clocks, forcing the slow path (MConsensus)
// to run before the dot can commit.
func TestConflictingClocksSlowPath(t *testing.T) {
	c := newCluster(5, 2)

	dotA := id.NewDot(1, 1)
	dotB := id.NewDot(2, 1)
	actionsA := c.procs[1].Submit(&dotA, &command.Command{Keys: []string{"x"}, Payload: []byte("a")})
	actionsB := c.procs[2].Submit(&dotB, &command.Command{Keys: []string{"x"}, Payload: []byte("b")})

	c.deliverConcurrent(1, actionsA, 2, actionsB)

	allCommitted(t, c, dotA)
	allCommitted(t, c, dotB)
}

// TestSelfDeliveryClockNotRecomputed pins spec.md §4.1's invariant that the
// coordinator's own MCollect handling reuses the clock computed at Submit
// time rather than recomputing it (which would fold the dot into its own
// dependency set).
func TestSelfDeliveryClockNotRecomputed(t *testing.T) {
	c := newCluster(3, 1)
	cmd := &command.Command{Keys: []string{"k"}, Payload: []byte("v")}
	dot := id.NewDot(1, 1)

	submitActions := c.procs[1].Submit(&dot, cmd)
	var collect *wire.MCollect
	for _, a := range submitActions {
		if m, ok := a.Msg.(*wire.MCollect); ok {
			collect = m
		}
	}
	require.NotNil(t, collect)

	selfActions := c.procs[1].Handle(1, collect)
	var ack *wire.MCollectAck
	for _, a := range selfActions {
		if m, ok := a.Msg.(*wire.MCollectAck); ok {
			ack = m
		}
	}
	require.NotNil(t, ack)
	require.True(t, ack.Clock.Equal(collect.Clock))
}

// TestGarbageCollectionReachesStableCount exercises spec.md §8 scenario 4:
// after every replica commits the same set of dots and two rounds of
// GC/Stable events run (the first spreads every replica's committed
// frontier, the second lets replica 1 see all reports), stable_count must
// account for all of them.
func TestGarbageCollectionReachesStableCount(t *testing.T) {
	c := newCluster(3, 1)
	for i := 1; i <= 5; i++ {
		dot := id.NewDot(1, uint64(i))
		c.submit(1, &command.Command{Keys: []string{"k"}, Payload: []byte{byte(i)}})
		allCommitted(t, c, dot)
	}

	for _, pid := range c.order {
		gcActions := c.procs[pid].HandleEvent(Event{Kind: GarbageCollection})
		c.deliver(pid, gcActions)
	}
	for _, pid := range c.order {
		gcActions := c.procs[pid].HandleEvent(Event{Kind: GarbageCollection})
		c.deliver(pid, gcActions)
	}

	require.EqualValues(t, 5, c.procs[1].StableCount())
}

// TestDuplicateCommitIsNoop pins spec.md §8's MCommit idempotence
// invariant: redelivering an MCommit for an already-committed dot must not
// re-append to the executor queue or change status.
func TestDuplicateCommitIsNoop(t *testing.T) {
	c := newCluster(3, 1)
	cmd := &command.Command{Keys: []string{"k"}, Payload: []byte("v")}
	dot := id.NewDot(1, 1)
	c.submit(1, cmd)
	_ = dot

	p := c.procs[2]
	before := len(p.ToExecutor())
	require.Equal(t, 1, before)

	info := p.info.byDot[id.NewDot(1, 1)]
	commitMsg := &wire.MCommit{Dot: id.NewDot(1, 1), Value: synod.Value{Cmd: info.cmd, Clock: info.clock}}
	actions := p.Handle(1, commitMsg)
	require.Empty(t, actions)
	require.Empty(t, p.ToExecutor())
}

// TestRecoveryCommitsNoopForStalledUnknownDot exercises spec.md §9's
// recovery path end-to-end: replica 2 knows of a dot only as a bottom
// placeholder (no MCollect/MConsensus ever reached it, simulating a
// crashed coordinator), notices it stalled across RecoveryCheck ticks, and
// drives Prepare/Promise/Accept to commit it -- as a noop, since no
// acceptor anywhere had ever accepted a value for it.
func TestRecoveryCommitsNoopForStalledUnknownDot(t *testing.T) {
	c := newCluster(3, 1)
	dot := id.NewDot(1, 99)

	// Materialize the dot's bottom CommandInfo on replica 2, the way an
	// out-of-order dependency reference would, without ever delivering it
	// any actual command content.
	c.procs[2].info.get(dot)

	var actions []Action
	for i := 0; i < recoveryStallThreshold; i++ {
		actions = c.procs[2].HandleEvent(Event{Kind: RecoveryCheck})
	}
	require.NotEmpty(t, actions, "stall threshold must have been crossed")
	c.deliver(2, actions)

	for pid, p := range c.procs {
		info, ok := p.info.byDot[dot]
		require.True(t, ok, "replica %d has no record of %s", pid, dot)
		require.Equal(t, StatusCommit, info.status, "replica %d did not commit %s via recovery", pid, dot)
		require.True(t, command.IsNoop(info.cmd), "an unaccepted dot must recover as a noop")
	}
}

// TestRecoveryPreservesAcceptedSlowPathValue pins the other half of spec.md
// §9: when every replica recovery's MPrepare can reach had already accepted
// a value for a dot before the coordinator stalled short of broadcasting
// MCommit, recovery must re-propose that value, never a noop.
func TestRecoveryPreservesAcceptedSlowPathValue(t *testing.T) {
	c := newCluster(3, 1)
	dot := id.NewDot(1, 1)
	cmd := &command.Command{Keys: []string{"k"}, Payload: []byte("v1")}

	ballot := c.procs[1].info.get(dot).synod.SkipPrepare()
	value := synod.Value{Cmd: cmd}
	consensus := &wire.MConsensus{Dot: dot, Ballot: ballot, Value: value}

	// Both replicas recovery can query (1, the coordinator itself, and 2)
	// record the proposal as accepted; the coordinator never follows up
	// with MCommit, simulating a crash after Accept but before Commit.
	require.NotEmpty(t, c.procs[1].Handle(1, consensus))
	require.NotEmpty(t, c.procs[2].Handle(1, consensus))

	// Replica 3 knows of the dot only as a bottom placeholder, the way an
	// out-of-order dependency reference would materialize it.
	c.procs[3].info.get(dot)

	var actions []Action
	for i := 0; i < recoveryStallThreshold; i++ {
		actions = c.procs[3].HandleEvent(Event{Kind: RecoveryCheck})
	}
	require.NotEmpty(t, actions)
	c.deliver(3, actions)

	for pid, p := range c.procs {
		info, ok := p.info.byDot[dot]
		require.True(t, ok, "replica %d has no record of %s", pid, dot)
		require.Equal(t, StatusCommit, info.status, "replica %d did not commit %s via recovery", pid, dot)
		require.False(t, command.IsNoop(info.cmd), "replica %d lost the already-accepted value", pid)
		require.Equal(t, cmd.Payload, info.cmd.Payload)
	}
}

// TestSynodSkipPrepareAtCoordinatorKeepsInitialBallot pins spec.md §4.2's
// SkipPrepare path: a replica that already owns a dot (is its coordinator)
// can drive the slow path directly via SkipPrepare rather than running a
// full phase-1 Prepare round, since it is the dot's only possible proposer.
func TestSynodSkipPrepareAtCoordinatorKeepsInitialBallot(t *testing.T) {
	c := newCluster(5, 2)
	dotA := id.NewDot(1, 1)
	dotB := id.NewDot(2, 1)
	c.deliver(1, c.procs[1].Submit(&dotA, &command.Command{Keys: []string{"x"}, Payload: []byte("a")}))
	c.deliver(2, c.procs[2].Submit(&dotB, &command.Command{Keys: []string{"x"}, Payload: []byte("b")}))

	info := c.procs[1].info.byDot[dotA]
	require.NotNil(t, info.synod)
	ballot := info.synod.SkipPrepare()
	require.Equal(t, uint64(0), ballot.Counter())
}
