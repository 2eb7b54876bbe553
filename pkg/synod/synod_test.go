package synod

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
)

func TestNonLeaderCannotSubmit(t *testing.T) {
	s := New(id.ProcessId(2), id.ProcessId(1))
	_, _, ok := s.TrySubmit()
	require.False(t, ok)
	require.False(t, s.IsLeader())
}

func TestLeaderSubmitYieldsFreshSlots(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	require.True(t, s.IsLeader())
	_, slot1, ok := s.TrySubmit()
	require.True(t, ok)
	_, slot2, _ := s.TrySubmit()
	require.Equal(t, Slot(0), slot1)
	require.Equal(t, Slot(1), slot2)
}

func TestSpawnCommanderDuplicatePanics(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	b, slot, _ := s.TrySubmit()
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	s.HandleSpawnCommander(b, slot, v, 2)
	require.Panics(t, func() {
		s.HandleSpawnCommander(b, slot, v, 2)
	})
}

func TestCommanderChosenAtQuorum(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	b, slot, _ := s.TrySubmit()
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	s.HandleSpawnCommander(b, slot, v, 2)

	chosen, _ := s.HandleAccepted(id.ProcessId(2), b, slot)
	require.False(t, chosen, "one acceptor is not yet a quorum of 2")

	chosen, gotValue := s.HandleAccepted(id.ProcessId(3), b, slot)
	require.True(t, chosen)
	require.Equal(t, v, gotValue)

	// Subsequent MAccepted for the same slot are dropped -- the commander
	// was destroyed on being chosen.
	chosen, _ = s.HandleAccepted(id.ProcessId(4), b, slot)
	require.False(t, chosen)
}

func TestHandleAcceptRejectsStaleBallot(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	accepted, chosen, _ := s.HandleAccept(NewBallot(5, 1), Slot(0), v)
	require.True(t, accepted)
	require.False(t, chosen)

	accepted, chosen, _ = s.HandleAccept(NewBallot(1, 1), Slot(0), v)
	require.False(t, accepted)
	require.False(t, chosen)
}

func TestHandleAcceptReturnsChosenForDecidedSlot(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	s.HandleChosen(Slot(0), v)

	accepted, chosen, got := s.HandleAccept(NewBallot(99, 2), Slot(0), Value{})
	require.False(t, accepted)
	require.True(t, chosen)
	require.Equal(t, v, got)
}

func TestHandlePrepareAdoptsHigherBallotOnly(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	_, ok := s.HandlePrepare(NewBallot(0, 1))
	require.False(t, ok, "equal ballot is not strictly higher")

	p, ok := s.HandlePrepare(NewBallot(1, 2))
	require.True(t, ok)
	require.Equal(t, NewBallot(1, 2), p.Ballot)
}

func TestRecoveryStatePicksHighestBallotValue(t *testing.T) {
	r := NewRecoveryState()
	low := Value{Cmd: &command.Command{Keys: []string{"a"}}}
	high := Value{Cmd: &command.Command{Keys: []string{"b"}}}

	r.Fold(Promise{Ballot: NewBallot(1, 1), Accepted: map[Slot]Accepted{
		0: {Ballot: NewBallot(1, 1), Value: low},
	}})
	r.Fold(Promise{Ballot: NewBallot(2, 2), Accepted: map[Slot]Accepted{
		0: {Ballot: NewBallot(2, 2), Value: high},
	}})

	v, ok := r.RecoveredValue(0)
	require.True(t, ok)
	require.Equal(t, high, v)

	_, ok = r.RecoveredValue(1)
	require.False(t, ok, "slot with no accepted value anywhere should be fillable with a noop")
}

func TestBeginRecoveryAdoptsHigherBallotAndBecomesLeader(t *testing.T) {
	s := New(id.ProcessId(2), id.ProcessId(1))
	require.False(t, s.IsLeader(), "replica 2 does not start as leader of a dot owned by 1")

	b := s.BeginRecovery()
	require.Equal(t, id.ProcessId(2), b.ProcessId())
	require.True(t, s.IsLeader())

	_, ok := s.HandlePrepare(NewBallot(b.Counter(), 1))
	require.False(t, ok, "a ballot with the same counter but a lower process id than the recovered one must still be rejected")
}

func TestSelfPromiseReportsOwnAcceptedState(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	s.HandleAccept(NewBallot(0, 1), Slot(0), v)

	p := s.SelfPromise()
	require.Equal(t, v, p.Accepted[Slot(0)].Value)
}

// TestRecoveryEndToEndViaSelfAndRemotePromise exercises the full fold a
// recovering leader performs: its own accepted state plus one remote
// Promise resolve to the higher-ballot value, and the recovered value can
// then drive a fresh commander the same way the direct slow path does.
func TestRecoveryEndToEndViaSelfAndRemotePromise(t *testing.T) {
	recovering := New(id.ProcessId(3), id.ProcessId(1))
	ballot := recovering.BeginRecovery()

	r := NewRecoveryState()
	r.Fold(recovering.SelfPromise())

	remote := New(id.ProcessId(2), id.ProcessId(1))
	accepted := Value{Cmd: &command.Command{Keys: []string{"y"}}}
	remote.HandleAccept(NewBallot(0, 1), Slot(0), accepted)
	promise, ok := remote.HandlePrepare(ballot)
	require.True(t, ok)
	r.Fold(promise)

	v, ok := r.RecoveredValue(Slot(0))
	require.True(t, ok)
	require.Equal(t, accepted, v)

	recovering.HandleSpawnCommander(ballot, Slot(0), v, 2)
	chosen, _ := recovering.HandleAccepted(id.ProcessId(3), ballot, Slot(0))
	require.False(t, chosen, "one acceptor is not yet a quorum of 2")
	chosen, got := recovering.HandleAccepted(id.ProcessId(2), ballot, Slot(0))
	require.True(t, chosen)
	require.Equal(t, v, got)
}

func TestGCDropsStableSlots(t *testing.T) {
	s := New(id.ProcessId(1), id.ProcessId(1))
	v := Value{Cmd: &command.Command{Keys: []string{"x"}}}
	s.HandleAccept(NewBallot(0, 1), Slot(0), v)
	require.NotPanics(t, func() { s.GC([]Slot{0, 1}) })
	require.Empty(t, s.HandlePrepareSnapshot())
}
