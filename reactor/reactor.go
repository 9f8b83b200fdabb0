// Package reactor implements the Reactor component of spec.md §4.1: the
// owner of every ReactorClient's lifecycle, a FIFO task queue for
// operations that must run off the caller's own goroutine, and the
// coordinated shutdown path.
//
// spec.md models the Reactor around a single OS-level selector thread
// (epoll/kqueue) that is the only mutator of per-client state, woken by
// a self-pipe whenever work is queued. That ownership model is kept,
// but the mechanism changes: Go's netpoller already multiplexes socket
// readiness per-goroutine, so each rclient.Client owns its own
// read/write/heartbeat goroutines instead of being driven by a central
// selector loop (see SPEC_FULL.md's REDESIGN FLAGS). What the Reactor
// keeps from spec.md is a single goroutine that runs QueueFuture tasks
// in FIFO order, and a mutex-guarded registry of live clients that
// CreateClient adds to and Shutdown disconnects; registration and
// shutdown run on the caller's goroutine, not through the task queue.
package reactor

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"vmrpc/internal/logging"
	"vmrpc/policy"
	"vmrpc/rclient"
)

// Reactor owns a set of ReactorClients and a FIFO task queue.
type Reactor struct {
	logger *zap.Logger

	tasks chan func()

	mu      sync.Mutex
	clients map[*rclient.Client]struct{}

	shutdownOnce sync.Once
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New creates a Reactor and starts its task-processing goroutine.
func New(logger *zap.Logger) *Reactor {
	r := &Reactor{
		logger:  logging.OrNop(logger),
		tasks:   make(chan func(), 64),
		clients: make(map[*rclient.Client]struct{}),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Reactor) loop() {
	defer close(r.doneCh)
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.stopCh:
			r.drainTasks()
			return
		}
	}
}

func (r *Reactor) drainTasks() {
	for {
		select {
		case task := <-r.tasks:
			task()
		default:
			return
		}
	}
}

// QueueFuture marshals task onto the reactor's goroutine and blocks the
// caller until it has run, mirroring spec.md §4.1's queueFuture:
// blocking operations submitted from any goroutine are serialized
// through the task queue. If the reactor shuts down first, QueueFuture
// returns without waiting for the task, which may then not run at all.
func (r *Reactor) QueueFuture(task func()) {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		task()
	}
	select {
	case r.tasks <- wrapped:
	case <-r.stopCh:
		return
	}
	select {
	case <-done:
	case <-r.stopCh:
	}
}

// CreateClient constructs a ReactorClient for host:port of the given
// variant and registers it with the reactor so Shutdown will disconnect
// it. The client's own connect is still deferred until Connect is
// called (spec.md §4.1 "createClient: creates a client object, defers
// actual connect").
func (r *Reactor) CreateClient(kind rclient.Kind, host string, port int, tlsCfg *tls.Config, pol policy.Policy, opts ...rclient.Option) (*rclient.Client, error) {
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("reactor: invalid policy: %w", err)
	}
	opts = append(opts, rclient.WithLogger(r.logger))
	c := rclient.New(kind, host, port, tlsCfg, pol, opts...)
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	return c, nil
}

// Forget removes a client from the reactor's registry once the caller
// has closed it directly, so Shutdown does not attempt to close it a
// second time.
func (r *Reactor) Forget(c *rclient.Client) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// Shutdown drains any pending tasks and disconnects every registered
// client, returning once the reactor's goroutine has exited or ctx is
// done.
func (r *Reactor) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		close(r.stopCh)
	})

	r.mu.Lock()
	clients := make([]*rclient.Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*rclient.Client]struct{})
	r.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}

	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
