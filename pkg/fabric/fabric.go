// Package fabric is the TCP transport wiring every epax process to its
// peers: one listener task accepting inbound dials, one dial loop per
// configured peer (with Multiplexing connections each), a ProcessHi
// handshake run in both directions on every connection, and a writer/reader
// task split per connection so a slow peer can never block a fast one.
//
// Grounded on the original EPaxos genericsmr.Replica's connection
// management (retained in this pack as the glycerine/qlease fork's
// genericsmr.go): ConnectToPeers' dial-with-retry loop,
// waitForPeerConnections' Accept loop pairing an inbound connection's
// 4-byte id handshake to the right peer slot, and the reader/writer
// goroutine-per-connection split. Generalized here from genericsmr's
// bare uint32 handshake to the wire.ProcessHi framed message, and from one
// connection per peer to Multiplexing connections round-robined per send.
package fabric

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/dotconsensus/epax/internal/config"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/wire"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("fabric")
}

// Deliver is how the fabric hands a decoded message to the worker pool.
type Deliver func(from id.ProcessId, msg wire.Message)

// peerConn is one established, handshake-complete connection to a peer.
type peerConn struct {
	peer   id.ProcessId
	conn   net.Conn
	writer *bufio.Writer
	send   chan wire.Message
}

// Fabric owns every connection this node holds open, in both directions.
// Every listener/dial/reader/writer task runs under a shared errgroup.Group
// so Stop can wait for a clean shutdown of the whole task tree.
type Fabric struct {
	self    id.ProcessId
	cfg     *config.Config
	deliver Deliver

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[id.ProcessId][]*peerConn
	rrIndex map[id.ProcessId]int

	listener net.Listener
}

// New builds a Fabric. Call Start to bind the listener and begin dialing
// peers, and Stop to tear everything down.
func New(cfg *config.Config, deliver Deliver) *Fabric {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	return &Fabric{
		self:    cfg.Self,
		cfg:     cfg,
		deliver: deliver,
		group:   group,
		ctx:     gctx,
		cancel:  cancel,
		conns:   make(map[id.ProcessId][]*peerConn),
		rrIndex: make(map[id.ProcessId]int),
	}
}

// Start binds the listener and kicks off cfg.Multiplexing dial loops per
// peer, each opening one connection.
func (f *Fabric) Start() error {
	l, err := net.Listen("tcp", f.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("fabric: listen on %s: %w", f.cfg.ListenAddr, err)
	}
	f.listener = l
	f.group.Go(func() error { f.acceptLoop(); return nil })

	multiplex := f.cfg.Multiplexing
	if multiplex < 1 {
		multiplex = 1
	}
	for peer, addr := range f.cfg.Peers {
		peer, addr := peer, addr
		for i := 0; i < multiplex; i++ {
			f.group.Go(func() error { f.dialLoop(peer, addr); return nil })
		}
	}
	return nil
}

// Stop closes the listener and every connection, and waits for every
// reader/writer/dial task in the group to exit.
func (f *Fabric) Stop() {
	f.cancel()
	if f.listener != nil {
		_ = f.listener.Close()
	}
	f.mu.Lock()
	for _, conns := range f.conns {
		for _, pc := range conns {
			_ = pc.conn.Close()
		}
	}
	f.mu.Unlock()
	_ = f.group.Wait()
}

// Send round-robins msg across each target's multiplexed connections. A
// target with no live connection is skipped and msg is dropped for it; a
// connection that has been dropped is not redialed.
func (f *Fabric) Send(targets []id.ProcessId, msg wire.Message) {
	for _, target := range targets {
		pc := f.pick(target)
		if pc == nil {
			logger.Debugf("fabric: no live connection to %d, dropping %T", target, msg)
			continue
		}
		select {
		case pc.send <- msg:
		default:
			logger.Warningf("fabric: send queue to %d full, dropping %T", target, msg)
		}
	}
}

func (f *Fabric) pick(target id.ProcessId) *peerConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[target]
	if len(conns) == 0 {
		return nil
	}
	i := f.rrIndex[target] % len(conns)
	f.rrIndex[target] = i + 1
	return conns[i]
}

func (f *Fabric) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.ctx.Done():
				return
			default:
				logger.Errorf("fabric: accept error: %v", err)
				continue
			}
		}
		conn := conn
		f.group.Go(func() error { f.handleInbound(conn); return nil })
	}
}

func (f *Fabric) handleInbound(conn net.Conn) {
	f.configureConn(conn)
	r := bufio.NewReaderSize(conn, f.bufferSize())
	w := bufio.NewWriterSize(conn, f.bufferSize())

	if err := wire.WriteFrame(w, &wire.ProcessHi{Id: f.self}); err != nil || w.Flush() != nil {
		logger.Errorf("fabric: inbound handshake write to %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	peer, err := f.readHi(r)
	if err != nil {
		logger.Errorf("fabric: inbound handshake read from %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	f.adopt(peer, conn, r, w)
}

func (f *Fabric) dialLoop(peer id.ProcessId, addr string) {
	backoff := 200 * time.Millisecond
	attempts := 0
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}
		if f.cfg.ConnectRetries > 0 && attempts >= f.cfg.ConnectRetries {
			logger.Warningf("fabric: giving up dialing %d at %s after %d attempts", peer, addr, attempts)
			return
		}
		attempts++
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(backoff)
			continue
		}
		f.configureConn(conn)
		r := bufio.NewReaderSize(conn, f.bufferSize())
		w := bufio.NewWriterSize(conn, f.bufferSize())
		if err := wire.WriteFrame(w, &wire.ProcessHi{Id: f.self}); err != nil || w.Flush() != nil {
			_ = conn.Close()
			time.Sleep(backoff)
			continue
		}
		got, err := f.readHi(r)
		if err != nil || got != peer {
			_ = conn.Close()
			time.Sleep(backoff)
			continue
		}
		f.adopt(peer, conn, r, w)
		return
	}
}

func (f *Fabric) readHi(r *bufio.Reader) (id.ProcessId, error) {
	msg, err := wire.ReadFrame(r)
	if err != nil {
		return 0, err
	}
	hi, ok := msg.(*wire.ProcessHi)
	if !ok {
		return 0, fmt.Errorf("fabric: expected ProcessHi, got %T", msg)
	}
	return hi.Id, nil
}

func (f *Fabric) configureConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(f.cfg.TCPNoDelay)
	}
}

func (f *Fabric) bufferSize() int {
	if f.cfg.TCPBufferSize > 0 {
		return f.cfg.TCPBufferSize
	}
	return 64 * 1024
}

// adopt registers conn under peer and starts its reader and writer tasks.
// This is called for both dialed and accepted connections, so f.conns[peer]
// ends up holding 2*Multiplexing full-duplex connections rather than
// Multiplexing dedicated writers plus Multiplexing dedicated readers -- Send's
// round robin spans the larger set. DESIGN.md records this as a deliberate
// simplification: Go's net.Conn has no half-duplex limitation forcing the
// split, so running both directions on every connection is correct, just not
// the dedicated-writer/dedicated-reader split the wire topology describes.
func (f *Fabric) adopt(peer id.ProcessId, conn net.Conn, r *bufio.Reader, w *bufio.Writer) {
	pc := &peerConn{
		peer:   peer,
		conn:   conn,
		writer: w,
		send:   make(chan wire.Message, f.channelBufferSize()),
	}
	f.mu.Lock()
	f.conns[peer] = append(f.conns[peer], pc)
	f.mu.Unlock()

	f.group.Go(func() error { f.runWriter(pc); return nil })
	f.group.Go(func() error { f.runReader(peer, conn, r); return nil })
}

func (f *Fabric) channelBufferSize() int {
	if f.cfg.ChannelBufferSize > 0 {
		return f.cfg.ChannelBufferSize
	}
	return 128
}

func (f *Fabric) runReader(peer id.ProcessId, conn net.Conn, r *bufio.Reader) {
	defer f.drop(peer, conn)
	for {
		msg, err := wire.ReadFrame(r)
		if err != nil {
			if f.ctx.Err() == nil {
				logger.Debugf("fabric: connection to %d closed: %v", peer, err)
			}
			return
		}
		f.deliver(peer, msg)
	}
}

func (f *Fabric) runWriter(pc *peerConn) {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	if f.cfg.TCPFlushInterval != nil && *f.cfg.TCPFlushInterval > 0 {
		ticker = time.NewTicker(*f.cfg.TCPFlushInterval)
		tickC = ticker.C
		defer ticker.Stop()
	}
	for {
		select {
		case <-f.ctx.Done():
			return
		case msg, ok := <-pc.send:
			if !ok {
				return
			}
			if err := wire.WriteFrame(pc.writer, msg); err != nil {
				logger.Debugf("fabric: write to %d failed: %v", pc.peer, err)
				_ = pc.conn.Close()
				return
			}
			if tickC == nil {
				if err := pc.writer.Flush(); err != nil {
					_ = pc.conn.Close()
					return
				}
			}
		case <-tickC:
			if err := pc.writer.Flush(); err != nil {
				_ = pc.conn.Close()
				return
			}
		}
	}
}

func (f *Fabric) drop(peer id.ProcessId, conn net.Conn) {
	_ = conn.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.conns[peer][:0]
	for _, pc := range f.conns[peer] {
		if pc.conn != conn {
			remaining = append(remaining, pc)
		}
	}
	f.conns[peer] = remaining
}
