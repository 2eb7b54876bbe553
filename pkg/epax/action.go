package epax

import (
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/wire"
)

// ActionKind discriminates the three I/O effects a handler can request,
// per spec.md §4.3.
type ActionKind int

const (
	// Nothing requests no I/O.
	Nothing ActionKind = iota
	// ToSend broadcasts/unicasts Msg to every peer in Target. A peer equal
	// to the owning worker's process id is short-circuited by the worker
	// rather than sent over the wire (spec.md §4.3's self-delivery).
	ToSend
	// ToForward enqueues Msg to the local intra-process router for
	// self-delivery without ever touching the wire (used for MStable and
	// MCommitDot).
	ToForward
)

// Action is one I/O effect a handler asks the worker to perform. Handlers
// return a slice of Actions rather than a single value, since spec.md
// §4.1/§4.2 both describe handlers that legitimately emit more than one
// action (e.g. the GarbageCollection event's MGarbageCollection broadcast
// followed by an MStable forward).
type Action struct {
	Kind   ActionKind
	Target []id.ProcessId
	Msg    wire.Message
}

// Send builds a ToSend action.
func Send(target []id.ProcessId, msg wire.Message) Action {
	return Action{Kind: ToSend, Target: target, Msg: msg}
}

// Forward builds a ToForward action.
func Forward(msg wire.Message) Action {
	return Action{Kind: ToForward, Msg: msg}
}

// none is the idiomatic zero-actions result for handlers that drop a
// message or have nothing further to do.
func none() []Action { return nil }
