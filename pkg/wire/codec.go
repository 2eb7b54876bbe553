// Package wire implements the length-prefixed, tagged wire format for the
// fabric's connections (spec.md §6): ProcessHi plus the protocol's Message
// kinds, including the MPrepare/MPromise pair that drives §9's recovery
// path. Deterministic and round-trippable, per spec.md's wire law
// ("decode(encode(m)) == m").
//
// Grounded on the teacher's src/serializer/serializer.go
// (WriteFieldBytes/ReadFieldBytes: a uint32 length prefix followed by raw
// bytes, little-endian) extended here with a one-byte type tag per frame
// so a single connection can multiplex every message kind, generalizing
// the teacher's src/cluster message dispatch (message.WriteMessage /
// message.ReadMessage switch over a discriminator).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/synod"
	"github.com/dotconsensus/epax/pkg/vclock"
)

// Message is anything that can appear on the wire between two replicas.
type Message interface {
	Tag() byte
	Encode(w *bufio.Writer) error
	Decode(r *bufio.Reader) error
}

// Tags, one byte each, stable across versions of this package.
const (
	TagProcessHi byte = iota + 1
	TagMCollect
	TagMCollectAck
	TagMCommit
	TagMConsensus
	TagMConsensusAck
	TagMCommitDot
	TagMGarbageCollection
	TagMStable
	TagMPrepare
	TagMPromise
)

// --- little-endian primitive field helpers, mirroring the teacher's
// WriteFieldBytes/ReadFieldBytes but specialized per width to avoid an
// allocation per scalar field. ---

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// writeFieldBytes writes a uint32 length prefix followed by b, matching
// the teacher's serializer.WriteFieldBytes.
func writeFieldBytes(w *bufio.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("wire: short write, expected %d bytes, wrote %d", len(b), n)
	}
	return nil
}

func readFieldBytes(r *bufio.Reader) ([]byte, error) {
	size, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w *bufio.Writer, s string) error {
	return writeFieldBytes(w, []byte(s))
}

func readString(r *bufio.Reader) (string, error) {
	b, err := readFieldBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBool(w *bufio.Writer, v bool) error {
	var b byte
	if v {
		b = 1
	}
	return w.WriteByte(b)
}

func readBool(r *bufio.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func writeDot(w *bufio.Writer, d id.Dot) error {
	if err := writeUint32(w, uint32(d.ProcessId)); err != nil {
		return err
	}
	return writeUint64(w, d.Seq)
}

func readDot(r *bufio.Reader) (id.Dot, error) {
	pid, err := readUint32(r)
	if err != nil {
		return id.Dot{}, err
	}
	seq, err := readUint64(r)
	if err != nil {
		return id.Dot{}, err
	}
	return id.Dot{ProcessId: id.ProcessId(pid), Seq: seq}, nil
}

func writeVClock(w *bufio.Writer, c vclock.VClock) error {
	frontier := c.Frontier()
	if err := writeUint32(w, uint32(len(frontier))); err != nil {
		return err
	}
	for pid, seq := range frontier {
		if err := writeUint32(w, uint32(pid)); err != nil {
			return err
		}
		if err := writeUint64(w, seq); err != nil {
			return err
		}
	}
	return nil
}

func readVClock(r *bufio.Reader) (vclock.VClock, error) {
	n, err := readUint32(r)
	if err != nil {
		return vclock.VClock{}, err
	}
	m := make(map[id.ProcessId]uint64, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readUint32(r)
		if err != nil {
			return vclock.VClock{}, err
		}
		seq, err := readUint64(r)
		if err != nil {
			return vclock.VClock{}, err
		}
		m[id.ProcessId(pid)] = seq
	}
	return vclock.FromMap(m), nil
}

func writeCommand(w *bufio.Writer, cmd *command.Command) error {
	if err := writeBool(w, cmd != nil); err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}
	if err := writeUint64(w, cmd.RIFL.ClientID); err != nil {
		return err
	}
	if err := writeUint64(w, cmd.RIFL.Sequence); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(cmd.Keys))); err != nil {
		return err
	}
	for _, k := range cmd.Keys {
		if err := writeString(w, k); err != nil {
			return err
		}
	}
	return writeFieldBytes(w, cmd.Payload)
}

func readCommand(r *bufio.Reader) (*command.Command, error) {
	present, err := readBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	clientID, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	seq, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	keys := make([]string, n)
	for i := range keys {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	payload, err := readFieldBytes(r)
	if err != nil {
		return nil, err
	}
	return &command.Command{
		RIFL:    command.RIFL{ClientID: clientID, Sequence: seq},
		Keys:    keys,
		Payload: payload,
	}, nil
}

func writeValue(w *bufio.Writer, v synod.Value) error {
	if err := writeCommand(w, v.Cmd); err != nil {
		return err
	}
	return writeVClock(w, v.Clock)
}

func readValue(r *bufio.Reader) (synod.Value, error) {
	cmd, err := readCommand(r)
	if err != nil {
		return synod.Value{}, err
	}
	clk, err := readVClock(r)
	if err != nil {
		return synod.Value{}, err
	}
	return synod.Value{Cmd: cmd, Clock: clk}, nil
}

func writePromise(w *bufio.Writer, p synod.Promise) error {
	if err := writeUint64(w, uint64(p.Ballot)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(p.Accepted))); err != nil {
		return err
	}
	for slot, acc := range p.Accepted {
		if err := writeUint64(w, uint64(slot)); err != nil {
			return err
		}
		if err := writeUint64(w, uint64(acc.Ballot)); err != nil {
			return err
		}
		if err := writeValue(w, acc.Value); err != nil {
			return err
		}
	}
	return nil
}

func readPromise(r *bufio.Reader) (synod.Promise, error) {
	ballot, err := readUint64(r)
	if err != nil {
		return synod.Promise{}, err
	}
	n, err := readUint32(r)
	if err != nil {
		return synod.Promise{}, err
	}
	accepted := make(map[synod.Slot]synod.Accepted, n)
	for i := uint32(0); i < n; i++ {
		slot, err := readUint64(r)
		if err != nil {
			return synod.Promise{}, err
		}
		accBallot, err := readUint64(r)
		if err != nil {
			return synod.Promise{}, err
		}
		v, err := readValue(r)
		if err != nil {
			return synod.Promise{}, err
		}
		accepted[synod.Slot(slot)] = synod.Accepted{Ballot: synod.Ballot(accBallot), Value: v}
	}
	return synod.Promise{Ballot: synod.Ballot(ballot), Accepted: accepted}, nil
}
