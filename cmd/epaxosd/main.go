// Command epaxosd runs a single leaderless-SMR replica: the worker shard
// pool, the TCP connection fabric, and the execution log adapter, wired
// together from flags/config file/environment via cobra+viper.
//
// Out of scope for spec.md §1 (the protocol's own packages don't need a
// binary to be correct), but every complete system the corpus shows
// carries a runnable entry point in the teacher's own shape -- grounded on
// unicitynetwork-unicity-core's cli/ubft/main.go: a signal-cancelled
// context handed to the root command's Execute.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/op/go-logging"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("epaxosd")
}

func main() {
	ctx := quitSignalContext()
	if err := newRootCmd().ExecuteContext(ctx); err != nil && !cancelledByQuitSignal(ctx) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var errQuitSignal = errors.New("received quit signal")

// quitSignalContext returns a context cancelled (with errQuitSignal as its
// cause) the first time SIGINT or SIGTERM arrives.
func quitSignalContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		sig := <-sigCh
		cancel(fmt.Errorf("%s: %w", sig, errQuitSignal))
	}()
	return ctx
}

func cancelledByQuitSignal(ctx context.Context) bool {
	err := context.Cause(ctx)
	return err != nil && errors.Is(err, errQuitSignal)
}
