package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dotconsensus/epax/internal/config"
	"github.com/dotconsensus/epax/pkg/command"
	"github.com/dotconsensus/epax/pkg/executor"
	"github.com/dotconsensus/epax/pkg/fabric"
	"github.com/dotconsensus/epax/pkg/id"
	"github.com/dotconsensus/epax/pkg/keyclocks"
	"github.com/dotconsensus/epax/pkg/wire"
	"github.com/dotconsensus/epax/pkg/worker"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "epaxosd",
		Short: "A leaderless, dependency-graph state machine replica",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var self int
	var peerFlags []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts a replica and blocks until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := parsePeers(peerFlags)
			if err != nil {
				return err
			}

			v := viper.New()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			v.AutomaticEnv()
			v.SetEnvPrefix("EPAXOSD")

			cfg := config.FromViper(v, id.ProcessId(self), peers)
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runReplica(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVar(&self, "self", 0, "this replica's process id")
	cmd.Flags().StringArrayVar(&peerFlags, "peer", nil, "peer in id=addr form, repeatable")
	config.BindFlags(cmd.Flags())

	return cmd
}

// parsePeers turns a repeated --peer id=addr flag into the map FromViper
// needs; n-1 of these must be present for Config.Validate to pass.
func parsePeers(raw []string) (map[id.ProcessId]string, error) {
	peers := make(map[id.ProcessId]string, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("epaxosd: malformed --peer %q, want id=addr", entry)
		}
		pid, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("epaxosd: malformed peer id in %q: %w", entry, err)
		}
		peers[id.ProcessId(pid)] = parts[1]
	}
	return peers, nil
}

func runReplica(ctx context.Context, cfg *config.Config) error {
	// bootID correlates this process instance's log lines across a
	// restart, the way a request id correlates a single call; it never
	// touches the replication protocol itself.
	bootID := command.NewClientID()

	var kc keyclocks.KeyClocks
	if cfg.Workers <= 1 {
		kc = keyclocks.NewSequential()
	} else {
		kc = keyclocks.NewLocked()
	}

	// fab is assigned below; the pool's outbound closure captures it by
	// reference so the pool can be constructed before the fabric that
	// needs the pool's Deliver method.
	var fab *fabric.Fabric
	pool := worker.New(cfg.Self, cfg.N, cfg.F, cfg.Workers, kc, cfg.GarbageCollectionInterval, cfg.RecoveryCheckInterval,
		func(targets []id.ProcessId, msg wire.Message) { fab.Send(targets, msg) })
	fab = fabric.New(cfg, pool.Deliver)

	var peers []id.ProcessId
	for pid := range cfg.Peers {
		peers = append(peers, pid)
	}
	pool.Discover(peers)

	logPath := ""
	if cfg.ExecutionLog != nil {
		logPath = *cfg.ExecutionLog
	}
	adapter, err := executor.New(pool, loggingExecutor(), cfg.GarbageCollectionInterval, logPath)
	if err != nil {
		return err
	}

	pool.Start()
	if err := fab.Start(); err != nil {
		pool.Stop()
		return err
	}
	adapter.Start()

	logger.Infof("epaxosd: boot=%x replica %d listening on %s", bootID, cfg.Self, cfg.ListenAddr)
	<-ctx.Done()

	logger.Infof("epaxosd: boot=%x shutting down", bootID)
	adapter.Stop()
	fab.Stop()
	pool.Stop()
	return nil
}

// loggingExecutor is the default Executor when no real state machine is
// wired in: it logs every committed command to stdout.
func loggingExecutor() executor.Executor {
	w := bufio.NewWriter(os.Stdout)
	return executor.ExecutorFunc(func(info command.ExecutionInfo) error {
		defer w.Flush()
		if command.IsNoop(info.Cmd) {
			_, err := fmt.Fprintf(w, "%s noop\n", info.Dot)
			return err
		}
		_, err := fmt.Fprintf(w, "%s keys=%v payload=%dB\n", info.Dot, info.Cmd.Keys, len(info.Cmd.Payload))
		return err
	})
}
