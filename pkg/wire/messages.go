package wire

import (
	"bufio"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/synod"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// ProcessHi is the first frame sent on every connection, in both
// directions, labeling the sending end by process id (spec.md §4.5).
type ProcessHi struct {
	Id id.ProcessId
}

func (m *ProcessHi) Tag() byte { return TagProcessHi }
func (m *ProcessHi) Encode(w *bufio.Writer) error {
	return writeUint32(w, uint32(m.Id))
}
func (m *ProcessHi) Decode(r *bufio.Reader) error {
	v, err := readUint32(r)
	if err != nil {
		return err
	}
	m.Id = id.ProcessId(v)
	return nil
}

// MCollect carries a coordinator's proposed command and dependency clock
// to a fast-quorum member (spec.md §4.1/§6).
type MCollect struct {
	Dot    id.Dot
	Cmd    *command.Command
	Clock  vclock.VClock
	Quorum []id.ProcessId
}

func (m *MCollect) Tag() byte { return TagMCollect }
func (m *MCollect) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	if err := writeCommand(w, m.Cmd); err != nil {
		return err
	}
	if err := writeVClock(w, m.Clock); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.Quorum))); err != nil {
		return err
	}
	for _, pid := range m.Quorum {
		if err := writeUint32(w, uint32(pid)); err != nil {
			return err
		}
	}
	return nil
}
func (m *MCollect) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	cmd, err := readCommand(r)
	if err != nil {
		return err
	}
	clk, err := readVClock(r)
	if err != nil {
		return err
	}
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	quorum := make([]id.ProcessId, n)
	for i := range quorum {
		pid, err := readUint32(r)
		if err != nil {
			return err
		}
		quorum[i] = id.ProcessId(pid)
	}
	m.Dot = d
	m.Cmd = cmd
	m.Clock = clk
	m.Quorum = quorum
	return nil
}

// MCollectAck is a fast-quorum member's reply to MCollect, reporting the
// clock it computed locally.
type MCollectAck struct {
	Dot   id.Dot
	Clock vclock.VClock
}

func (m *MCollectAck) Tag() byte { return TagMCollectAck }
func (m *MCollectAck) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	return writeVClock(w, m.Clock)
}
func (m *MCollectAck) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	c, err := readVClock(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Clock = c
	return nil
}

// MCommit announces a chosen ConsensusValue for a dot, either via the fast
// path or following a slow-path synod resolution.
type MCommit struct {
	Dot   id.Dot
	Value synod.Value
}

func (m *MCommit) Tag() byte { return TagMCommit }
func (m *MCommit) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	return writeValue(w, m.Value)
}
func (m *MCommit) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	v, err := readValue(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Value = v
	return nil
}

// MConsensus drives the synod's Acceptor role for the slow path: the
// coordinator proposes value at ballot for dot to the write quorum.
type MConsensus struct {
	Dot    id.Dot
	Ballot synod.Ballot
	Value  synod.Value
}

func (m *MConsensus) Tag() byte { return TagMConsensus }
func (m *MConsensus) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(m.Ballot)); err != nil {
		return err
	}
	return writeValue(w, m.Value)
}
func (m *MConsensus) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	b, err := readUint64(r)
	if err != nil {
		return err
	}
	v, err := readValue(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Ballot = synod.Ballot(b)
	m.Value = v
	return nil
}

// MConsensusAck acknowledges an MConsensus: the acceptor accepted ballot
// for this dot.
type MConsensusAck struct {
	Dot    id.Dot
	Ballot synod.Ballot
}

func (m *MConsensusAck) Tag() byte { return TagMConsensusAck }
func (m *MConsensusAck) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	return writeUint64(w, uint64(m.Ballot))
}
func (m *MConsensusAck) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	b, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Ballot = synod.Ballot(b)
	return nil
}

// MCommitDot is the alternative, per-dot commit-record path used by some
// protocol variants to coordinate GC sharding (spec.md §4.4). It is
// self-only, but carried on the wire type for transport uniformity.
type MCommitDot struct {
	Dot id.Dot
}

func (m *MCommitDot) Tag() byte { return TagMCommitDot }
func (m *MCommitDot) Encode(w *bufio.Writer) error { return writeDot(w, m.Dot) }
func (m *MCommitDot) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	m.Dot = d
	return nil
}

// MGarbageCollection broadcasts this replica's committed frontier to its
// peers.
type MGarbageCollection struct {
	Committed vclock.VClock
}

func (m *MGarbageCollection) Tag() byte { return TagMGarbageCollection }
func (m *MGarbageCollection) Encode(w *bufio.Writer) error { return writeVClock(w, m.Committed) }
func (m *MGarbageCollection) Decode(r *bufio.Reader) error {
	c, err := readVClock(r)
	if err != nil {
		return err
	}
	m.Committed = c
	return nil
}

// MPrepare is a recovering leader's phase-1 request to an acceptor for
// dot's embedded synod: adopt ballot and report anything already accepted,
// per spec.md §9's recovery path.
type MPrepare struct {
	Dot    id.Dot
	Ballot synod.Ballot
}

func (m *MPrepare) Tag() byte { return TagMPrepare }
func (m *MPrepare) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	return writeUint64(w, uint64(m.Ballot))
}
func (m *MPrepare) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	b, err := readUint64(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Ballot = synod.Ballot(b)
	return nil
}

// MPromise is an acceptor's reply to MPrepare: the ballot it now honors,
// plus a snapshot of everything it had already accepted for this dot's
// synod.
type MPromise struct {
	Dot     id.Dot
	Promise synod.Promise
}

func (m *MPromise) Tag() byte { return TagMPromise }
func (m *MPromise) Encode(w *bufio.Writer) error {
	if err := writeDot(w, m.Dot); err != nil {
		return err
	}
	return writePromise(w, m.Promise)
}
func (m *MPromise) Decode(r *bufio.Reader) error {
	d, err := readDot(r)
	if err != nil {
		return err
	}
	p, err := readPromise(r)
	if err != nil {
		return err
	}
	m.Dot = d
	m.Promise = p
	return nil
}

// MStable is self-forwarded only (never sent over the wire, spec.md
// §4.3), carrying the ranges known committed at every replica.
type MStable struct {
	Stable []vclock.Range
}

func (m *MStable) Tag() byte { return TagMStable }
func (m *MStable) Encode(w *bufio.Writer) error {
	if err := writeUint32(w, uint32(len(m.Stable))); err != nil {
		return err
	}
	for _, rg := range m.Stable {
		if err := writeUint32(w, uint32(rg.Source)); err != nil {
			return err
		}
		if err := writeUint64(w, rg.FromSeq); err != nil {
			return err
		}
		if err := writeUint64(w, rg.ToSeq); err != nil {
			return err
		}
	}
	return nil
}
func (m *MStable) Decode(r *bufio.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	stable := make([]vclock.Range, n)
	for i := range stable {
		pid, err := readUint32(r)
		if err != nil {
			return err
		}
		from, err := readUint64(r)
		if err != nil {
			return err
		}
		to, err := readUint64(r)
		if err != nil {
			return err
		}
		stable[i] = vclock.Range{Source: id.ProcessId(pid), FromSeq: from, ToSeq: to}
	}
	m.Stable = stable
	return nil
}
