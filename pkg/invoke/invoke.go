// Package invoke provides a small pluggable goroutine-spawner, reused
// verbatim in shape from the teacher's goroutine-spawning style but named
// for and grounded on chaitanyaphalak-go-mcast's core.Invoker: production
// code spawns real goroutines tracked by a WaitGroup, while tests can swap
// in a deterministic or instrumented Invoker.
package invoke

import "sync"

// Invoker spawns f, tracking its lifetime so Stop can wait for every
// spawned goroutine to finish.
type Invoker interface {
	Spawn(f func())
	Stop()
}

type waitGroupInvoker struct {
	group sync.WaitGroup
}

// New returns the production Invoker: every Spawn starts a real goroutine,
// and Stop blocks until all of them have returned.
func New() Invoker {
	return &waitGroupInvoker{}
}

func (w *waitGroupInvoker) Spawn(f func()) {
	w.group.Add(1)
	go func() {
		defer w.group.Done()
		f()
	}()
}

func (w *waitGroupInvoker) Stop() {
	w.group.Wait()
}
