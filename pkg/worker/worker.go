// Package worker implements the per-process worker shard pool spec.md
// §4.3 describes: W workers, each owning one epax.Process, dot-keyed
// routing with reservation-pinning, a dedicated GC worker, a per-worker
// RecoveryCheck ticker driving spec.md §9's stalled-dot recovery, and the
// self-delivery short-circuit that keeps a coordinator's own fast-quorum
// replies from ever touching the wire.
//
// Grounded on chaitanyaphalak-go-mcast's core.Peer.poll() loop (select
// across an "updated" channel, a transport-delivered channel, and
// ctx.Done()), generalized from one peer-goroutine to W worker-goroutines
// plus an intra-process router, and on its Invoker abstraction (reused
// here as pkg/invoke) for spawning the per-message processing work.
package worker

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/epax"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/invoke"
	"github.com/dotconsensus/epax/pkg/keyclocks"
	"github.com/dotconsensus/epax/pkg/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("worker")
}

// Outbound is how the pool hands a message the wire-facing fabric must
// actually dial out and send. The fabric registers an Outbound with the
// pool; the pool never dials a socket itself.
type Outbound func(target []id.ProcessId, msg wire.Message)

// inbound is one message delivered to a worker, either from a remote peer
// (via the fabric) or from another worker in this same process (via the
// intra-process router).
type inbound struct {
	from id.ProcessId
	msg  wire.Message
}

// submission is a client's request to replicate a command, pinned to the
// dot Pool.Submit reserved for it.
type submission struct {
	dot *id.Dot
	cmd *command.Command
}

// worker owns exactly one epax.Process and the dots routed to it.
type worker struct {
	index int
	proc  *epax.Process
	inbox chan inbound
	subs  chan submission
}

// Pool is the per-node worker shard pool. Workers[0..W) own dot-keyed
// replication state; the dedicated GC worker (index W) owns only GC
// bookkeeping, never Submit/collect/commit traffic.
type Pool struct {
	self             id.ProcessId
	n, f             int
	workers          []*worker
	gcWorker         *worker
	outbound         Outbound
	invoker          invoke.Invoker
	ctx              context.Context
	cancel           context.CancelFunc
	gcInterval       time.Duration
	recoveryInterval time.Duration

	// dotsMu guards dots: exactly one generator must exist per node, since
	// a Dot's (self, seq) pair must be unique regardless of which worker
	// ends up owning it.
	dotsMu sync.Mutex
	dots   *id.Generator
}

// New builds a Pool of shardCount dot-owning workers plus one dedicated GC
// worker, all wired to the given shared key-clocks oracle (SequentialKeyClocks
// for shardCount==1, LockedKeyClocks otherwise, per spec.md §4.1/§9).
// recoveryInterval paces each dot-owning worker's RecoveryCheck event,
// spec.md §9's stalled-dot recovery trigger.
func New(self id.ProcessId, n, f, shardCount int, kc keyclocks.KeyClocks, gcInterval, recoveryInterval time.Duration, out Outbound) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		self:             self,
		n:                n,
		f:                f,
		outbound:         out,
		invoker:          invoke.New(),
		ctx:              ctx,
		cancel:           cancel,
		gcInterval:       gcInterval,
		recoveryInterval: recoveryInterval,
		dots:             id.NewGenerator(self),
	}
	for i := 0; i < shardCount; i++ {
		p.workers = append(p.workers, &worker{
			index: i,
			proc:  epax.New(self, n, f, kc),
			inbox: make(chan inbound, 128),
			subs:  make(chan submission, 128),
		})
	}
	p.gcWorker = &worker{
		index: shardCount,
		proc:  epax.New(self, n, f, keyclocks.NewSequential()),
		inbox: make(chan inbound, 128),
	}
	return p
}

// Discover installs the full peer set on every worker's Process, including
// the dedicated GC worker (spec.md §4.1's restored discover() hook).
func (p *Pool) Discover(peers []id.ProcessId) {
	for _, w := range p.workers {
		w.proc.Discover(peers)
	}
	p.gcWorker.proc.Discover(peers)
}

// Start spawns one goroutine per worker (plus the GC worker and its
// periodic ticker), all driven by the shared Invoker.
func (p *Pool) Start() {
	for _, w := range p.workers {
		w := w
		p.invoker.Spawn(func() { p.runWorker(w) })
	}
	p.invoker.Spawn(func() { p.runGCWorker() })
}

// Stop cancels every worker's context and waits for them to exit.
func (p *Pool) Stop() {
	p.cancel()
	p.invoker.Stop()
}

// Submit reserves a fresh dot for cmd and routes it to the worker
// DotWorkerIndexReserve pins it to, so a node's own proposals fan out
// across every worker exactly like peer-originated traffic does.
func (p *Pool) Submit(cmd *command.Command) {
	p.dotsMu.Lock()
	dot := p.dots.Next()
	p.dotsMu.Unlock()

	w := p.workerFor(dot)
	w.subs <- submission{dot: &dot, cmd: cmd}
}

// Deliver is the fabric's entry point for a message that arrived over the
// wire from a peer, or the pool's own entry point for a self-targeted
// action. It routes by DotWorkerIndexReserve for dot-keyed messages, and
// to the dedicated GC worker for MCommitDot/MGarbageCollection/MStable.
func (p *Pool) Deliver(from id.ProcessId, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MCommitDot, *wire.MGarbageCollection, *wire.MStable:
		p.gcWorker.inbox <- inbound{from: from, msg: msg}
	case *wire.MCollect:
		p.route(m.Dot, from, msg)
	case *wire.MCollectAck:
		p.route(m.Dot, from, msg)
	case *wire.MCommit:
		p.route(m.Dot, from, msg)
	case *wire.MConsensus:
		p.route(m.Dot, from, msg)
	case *wire.MConsensusAck:
		p.route(m.Dot, from, msg)
	case *wire.MPrepare:
		p.route(m.Dot, from, msg)
	case *wire.MPromise:
		p.route(m.Dot, from, msg)
	default:
		logger.Warningf("pool: dropping undeliverable message type %T", msg)
	}
}

func (p *Pool) route(dot id.Dot, from id.ProcessId, msg wire.Message) {
	w := p.workerFor(dot)
	w.inbox <- inbound{from: from, msg: msg}
}

// workerFor implements DotWorkerIndexReserve(dot): a stable hash of the
// full dot, so every message about a given dot -- no matter which replica
// or worker produced it -- is pinned to the same local worker for the
// life of that dot, while a node's own successive proposals still fan out
// across all of its workers (GC bookkeeping does not need this locality
// since it is centralized in the dedicated GC worker, fed by MCommitDot).
func (p *Pool) workerFor(dot id.Dot) *worker {
	h := fnv.New64a()
	var buf [12]byte
	for i := 0; i < 4; i++ {
		buf[i] = byte(dot.ProcessId >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(dot.Seq >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return p.workers[int(h.Sum64()%uint64(len(p.workers)))]
}

func (p *Pool) runWorker(w *worker) {
	defer logger.Debugf("worker %d for process %d exiting", w.index, p.self)
	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()
	for {
		if w.proc.Leaderless() {
			// Leaderless protocols make progress fastest when peer
			// traffic (acks driving a dot to commit) is drained ahead of
			// brand-new submissions, so give the inbox a non-blocking
			// head start before falling into the fair select below.
			select {
			case in := <-w.inbox:
				p.invoker.Spawn(func() {
					p.dispatch(w, w.proc.Handle(in.from, in.msg))
				})
				continue
			default:
			}
		}
		select {
		case <-p.ctx.Done():
			return
		case sub := <-w.subs:
			p.invoker.Spawn(func() {
				p.dispatch(w, w.proc.Submit(sub.dot, sub.cmd))
			})
		case in := <-w.inbox:
			p.invoker.Spawn(func() {
				p.dispatch(w, w.proc.Handle(in.from, in.msg))
			})
		case <-ticker.C:
			p.invoker.Spawn(func() {
				p.dispatch(w, w.proc.HandleEvent(epax.Event{Kind: epax.RecoveryCheck}))
			})
		}
	}
}

func (p *Pool) runGCWorker() {
	ticker := time.NewTicker(p.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case in := <-p.gcWorker.inbox:
			p.invoker.Spawn(func() {
				p.dispatch(p.gcWorker, p.gcWorker.proc.Handle(in.from, in.msg))
			})
		case <-ticker.C:
			p.invoker.Spawn(func() {
				p.dispatch(p.gcWorker, p.gcWorker.proc.HandleEvent(epax.Event{Kind: epax.GarbageCollection}))
			})
		}
	}
}

// dispatch realizes the Actions a Process handler returned: ToSend
// messages targeting a remote peer go out over the fabric's Outbound;
// ToSend messages targeting this node's own process id are delivered
// in-process (inline if the owning worker is the one already running,
// forwarded through Deliver otherwise); ToForward messages are routed to
// whichever worker is responsible for that message kind.
func (p *Pool) dispatch(w *worker, actions []epax.Action) {
	for _, a := range actions {
		switch a.Kind {
		case epax.ToSend:
			var remote []id.ProcessId
			selfTargeted := false
			for _, target := range a.Target {
				if target == p.self {
					selfTargeted = true
					continue
				}
				remote = append(remote, target)
			}
			if len(remote) > 0 && p.outbound != nil {
				p.outbound(remote, a.Msg)
			}
			if selfTargeted {
				p.Deliver(p.self, a.Msg)
			}
		case epax.ToForward:
			switch a.Msg.(type) {
			case *wire.MCommitDot, *wire.MGarbageCollection, *wire.MStable:
				p.gcWorker.inbox <- inbound{from: p.self, msg: a.Msg}
			default:
				w.inbox <- inbound{from: p.self, msg: a.Msg}
			}
		}
	}
}

// ToExecutor drains every worker's committed-command queue, in worker
// order. Ordering across workers is not globally meaningful (each dot's
// commit order only matters within its own dependency graph, per spec.md
// §4.1); callers that need a single merged stream should sort by Dot.
func (p *Pool) ToExecutor() []command.ExecutionInfo {
	var out []command.ExecutionInfo
	for _, w := range p.workers {
		out = append(out, w.proc.ToExecutor()...)
	}
	return out
}

// StableCount sums the dedicated GC worker's running stability metric.
func (p *Pool) StableCount() uint64 {
	return p.gcWorker.proc.StableCount()
}
