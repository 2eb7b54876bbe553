// Package config defines the runtime configuration surface for an epax
// node and how it is loaded: flags bound with github.com/spf13/pflag,
// merged with a config file and environment via github.com/spf13/viper,
// the way unicitynetwork-unicity-core's cli/ubft commands wire their node
// configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dotconsensus/epax/pkg/id"
)

// Config enumerates exactly the fields the replication core, worker pool,
// and fabric need, per spec.md §6.
type Config struct {
	// Self is this node's process id.
	Self id.ProcessId

	// N is the cluster size; F is the number of tolerated faults.
	N int
	F int

	// Workers is the worker shard pool size. A value of 1 selects
	// SequentialKeyClocks; anything greater selects LockedKeyClocks.
	Workers int

	// ListenAddr is the address the fabric's listener task binds.
	ListenAddr string

	// Peers maps every other process id to its dial address.
	Peers map[id.ProcessId]string

	// GarbageCollectionInterval is how often the GC worker fires its
	// periodic GarbageCollection event.
	GarbageCollectionInterval time.Duration

	// RecoveryCheckInterval is how often each dot-owning worker fires its
	// periodic RecoveryCheck event, spec.md §9's stalled-dot recovery
	// trigger.
	RecoveryCheckInterval time.Duration

	// TCPNoDelay disables Nagle's algorithm on fabric connections.
	TCPNoDelay bool
	// TCPBufferSize sizes the bufio reader/writer wrapping each connection.
	TCPBufferSize int
	// TCPFlushInterval, if set, batches writer-task flushes instead of
	// flushing after every frame.
	TCPFlushInterval *time.Duration

	// Multiplexing is the number of outbound dialed connections per peer.
	Multiplexing int
	// ChannelBufferSize sizes each fabric connection's outbound send queue.
	ChannelBufferSize int
	// ConnectRetries bounds dial attempts before a peer is considered
	// unreachable for this bootstrap attempt.
	ConnectRetries int

	// ExecutionLog, if set, is the path the executor adapter tees every
	// ExecutionInfo to, append-only.
	ExecutionLog *string
}

// Validate checks the invariants spec.md §4.1 requires before a Config can
// be used to construct a Process: fast-quorum sizing must fit within n-f.
func (c *Config) Validate() error {
	if c.N <= 0 {
		return fmt.Errorf("config: N must be positive, got %d", c.N)
	}
	if c.F < 0 || 2*c.F+1 > c.N {
		return fmt.Errorf("config: F=%d is not tolerable for N=%d", c.F, c.N)
	}
	fq := c.F + (c.F+1)/2
	if fq > c.N-c.F {
		return fmt.Errorf("config: fast quorum %d exceeds n-f=%d", fq, c.N-c.F)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: Workers must be positive, got %d", c.Workers)
	}
	if len(c.Peers) != c.N-1 {
		return fmt.Errorf("config: expected %d peers, got %d", c.N-1, len(c.Peers))
	}
	return nil
}

// BindFlags registers every Config field onto fs, to be used by a cobra
// command's PersistentFlags/Flags before fs is parsed.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int("n", 3, "cluster size")
	fs.Int("f", 1, "tolerated faults")
	fs.Int("workers", 1, "worker shard pool size")
	fs.String("listen-addr", "127.0.0.1:9411", "fabric listener address")
	fs.Duration("gc-interval", 200*time.Millisecond, "garbage collection event interval")
	fs.Duration("recovery-check-interval", 200*time.Millisecond, "per-worker stalled-dot recovery check interval")
	fs.Bool("tcp-nodelay", true, "disable Nagle's algorithm on fabric connections")
	fs.Int("tcp-buffer-size", 64*1024, "bufio buffer size per connection")
	fs.Duration("tcp-flush-interval", 0, "writer task flush coalescing interval (0 disables)")
	fs.Int("multiplexing", 1, "outbound dialed connections per peer")
	fs.Int("channel-buffer-size", 128, "per-connection send queue size")
	fs.Int("connect-retries", 5, "dial attempts per peer before giving up")
	fs.String("execution-log", "", "path to tee committed commands to (empty disables)")
}

// FromViper builds a Config from v, which must already have had BindFlags'
// keys bound (viper.BindPFlags) and any config file/env merged in.
func FromViper(v *viper.Viper, self id.ProcessId, peers map[id.ProcessId]string) *Config {
	cfg := &Config{
		Self:                      self,
		N:                         v.GetInt("n"),
		F:                         v.GetInt("f"),
		Workers:                   v.GetInt("workers"),
		ListenAddr:                v.GetString("listen-addr"),
		Peers:                     peers,
		GarbageCollectionInterval: v.GetDuration("gc-interval"),
		RecoveryCheckInterval:     v.GetDuration("recovery-check-interval"),
		TCPNoDelay:                v.GetBool("tcp-nodelay"),
		TCPBufferSize:             v.GetInt("tcp-buffer-size"),
		Multiplexing:              v.GetInt("multiplexing"),
		ChannelBufferSize:         v.GetInt("channel-buffer-size"),
		ConnectRetries:            v.GetInt("connect-retries"),
	}
	if flush := v.GetDuration("tcp-flush-interval"); flush > 0 {
		cfg.TCPFlushInterval = &flush
	}
	if log := v.GetString("execution-log"); log != "" {
		cfg.ExecutionLog = &log
	}
	return cfg
}
