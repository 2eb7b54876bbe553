// Package command defines the opaque client command type carried through
// the replication core, plus the ExecutionInfo handed to the executor
// boundary.
package command

import (
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// RIFL is the client request identifier carried by every command, used by
// the (out of scope) executor to deduplicate re-submitted commands.
// Restored from fantoch's command.rs, which the distilled spec.md dropped
// to a bare "client request identifier" phrase.
type RIFL struct {
	ClientID uint64
	Sequence uint64
}

// Command is the opaque payload a client submits. Noop is represented by a
// nil *Command, never by a Command with an empty Payload.
type Command struct {
	RIFL    RIFL
	Keys    []string
	Payload []byte
}

// IsNoop reports whether cmd represents the absence of a command.
func IsNoop(cmd *Command) bool {
	return cmd == nil
}

// ExecutionInfo is the value the protocol core yields to the executor for
// every committed dot that carries a command, in commit order; committed
// noops yield none.
type ExecutionInfo struct {
	Dot   id.Dot
	Cmd   *Command
	Clock vclock.VClock
}
