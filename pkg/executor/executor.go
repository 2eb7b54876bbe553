// Package executor adapts the committed-command stream the replication
// core produces into whatever a real state machine needs: drain
// Process.ToExecutor()/worker.Pool.ToExecutor() on a tick, hand each
// ExecutionInfo to an Executor, and optionally tee it to an append-only log
// first.
//
// Grounded on the teacher's consensus.Scope.Persist(), the one place the
// original increments a counter in lieu of doing real I/O
// (`s.persistCount++`); this package is the spec's one deliberate
// departure from that stub, since the executor boundary is explicitly the
// place a complete system would actually touch disk or a state machine.
package executor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/dotconsensus/epax/pkg/command"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("executor")
}

// Executor applies one committed command to whatever state machine a
// deployment wires in. Out of scope for this module to implement (spec.md
// §1's "apply to a state machine" is a collaborator's job); only the
// interface and the draining adapter around it are ours to fix.
type Executor interface {
	Execute(info command.ExecutionInfo) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(info command.ExecutionInfo) error

func (f ExecutorFunc) Execute(info command.ExecutionInfo) error { return f(info) }

// Source is anything the adapter can drain committed commands from --
// satisfied by both *epax.Process and *worker.Pool.
type Source interface {
	ToExecutor() []command.ExecutionInfo
}

// Adapter polls a Source on an interval, forwards every drained
// ExecutionInfo to an Executor, and optionally tees each one to an
// append-only execution log first.
type Adapter struct {
	source   Source
	executor Executor
	interval time.Duration

	logMu  sync.Mutex
	logW   *bufio.Writer
	logF   *os.File

	stop chan struct{}
	done chan struct{}
}

// New builds an Adapter. If logPath is non-empty, every ExecutionInfo is
// appended to it (length-prefixed RIFL + key count + payload, mirroring
// the teacher's serializer framing) before being handed to executor.
func New(source Source, executor Executor, interval time.Duration, logPath string) (*Adapter, error) {
	a := &Adapter{
		source:   source,
		executor: executor,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("executor: open execution log %s: %w", logPath, err)
		}
		a.logF = f
		a.logW = bufio.NewWriter(f)
	}
	return a, nil
}

// Start runs the drain loop until Stop is called.
func (a *Adapter) Start() {
	go a.run()
}

// Stop halts the drain loop, flushes and closes the execution log (if
// any), and waits for the loop to exit.
func (a *Adapter) Stop() {
	close(a.stop)
	<-a.done
	if a.logF != nil {
		a.logMu.Lock()
		_ = a.logW.Flush()
		_ = a.logF.Close()
		a.logMu.Unlock()
	}
}

func (a *Adapter) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			a.drainOnce()
			return
		case <-ticker.C:
			a.drainOnce()
		}
	}
}

func (a *Adapter) drainOnce() {
	for _, info := range a.source.ToExecutor() {
		if a.logW != nil {
			if err := a.appendLog(info); err != nil {
				logger.Errorf("executor: tee to log failed for dot %s: %v", info.Dot, err)
			}
		}
		if err := a.executor.Execute(info); err != nil {
			logger.Errorf("executor: Execute failed for dot %s: %v", info.Dot, err)
		}
	}
}

// appendLog writes one ExecutionInfo as: client id, sequence, key count,
// each key length-prefixed, payload length-prefixed.
func (a *Adapter) appendLog(info command.ExecutionInfo) error {
	a.logMu.Lock()
	defer a.logMu.Unlock()

	if command.IsNoop(info.Cmd) {
		return writeUint64(a.logW, 0)
	}
	if err := writeUint64(a.logW, info.Cmd.RIFL.ClientID); err != nil {
		return err
	}
	if err := writeUint64(a.logW, info.Cmd.RIFL.Sequence); err != nil {
		return err
	}
	if err := writeUint32(a.logW, uint32(len(info.Cmd.Keys))); err != nil {
		return err
	}
	for _, key := range info.Cmd.Keys {
		if err := writeBytes(a.logW, []byte(key)); err != nil {
			return err
		}
	}
	if err := writeBytes(a.logW, info.Cmd.Payload); err != nil {
		return err
	}
	return a.logW.Flush()
}

func writeUint32(w *bufio.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w *bufio.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeBytes(w *bufio.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}
