package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// childResult reports how a supervised child task ended.
type childResult struct {
	name    string
	err     error
	isPanic bool
}

// Supervisor is the engine's top-level task (spec §4.7): it owns the single
// cancellation token wired into every child (Router, Discovery Mux, Sync
// Scheduler, transport endpoint), and runs a strict-priority event loop —
// shutdown always wins over a pending child-task completion, which always
// wins over the loop simply idling.
//
// Inbound-connection acceptance and discovery-event fan-in are, in this
// implementation, each confined to their own task (ConnectionRouter.Serve,
// DiscoveryMux's per-provider pumps) rather than funnelled through this
// loop's select directly — idiomatic for Go's multi-goroutine model, where
// spec §4.7's single-runtime select!-of-five-branches becomes "each branch
// is its own task, supervised for completion/panic here". The strict
// priority the spec requires is preserved at the one place it's
// observable: shutdown always pre-empts reacting to a child's outcome.
type Supervisor struct {
	endpoint  Endpoint
	router    *ConnectionRouter
	mux       *DiscoveryMux
	scheduler *SyncScheduler
	logger    *slog.Logger

	cancel     context.CancelFunc
	shutdownCh chan struct{}
	stopped    chan struct{}
	shutdownMu sync.Mutex
	results    chan childResult
	wg         sync.WaitGroup

	mu       sync.Mutex
	fatalErr error
}

// NewSupervisor constructs a Supervisor over already-built components.
func NewSupervisor(endpoint Endpoint, router *ConnectionRouter, mux *DiscoveryMux, scheduler *SyncScheduler, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		endpoint:   endpoint,
		router:     router,
		mux:        mux,
		scheduler:  scheduler,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		stopped:    make(chan struct{}),
		results:    make(chan childResult, 8),
	}
}

// Run starts every child task and blocks, running the priority loop, until
// Shutdown is called or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mux.Start(ctx)
	s.scheduler.Start(ctx)

	s.wg.Add(1)
	go s.runChild(ctx, "connection-router", func(ctx context.Context) error {
		s.router.Serve(ctx, s.endpoint)
		return nil
	})

	s.wg.Add(1)
	go s.runChild(ctx, "direct-address-watcher", s.watchDirectAddresses)

	s.loop(ctx)
}

// watchDirectAddresses re-announces the local node's address to every
// discovery provider whenever the transport reports a change in the local
// set of direct addresses (spec §4.3, §6), so e.g. mDNS and DHT providers
// don't wait for their own poll cadence to notice a NAT rebinding.
func (s *Supervisor) watchDirectAddresses(ctx context.Context) error {
	addrs := s.endpoint.DirectAddresses(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case got, ok := <-addrs:
			if !ok {
				return nil
			}
			addr := s.endpoint.NodeAddr()
			addr.DirectAddresses = got
			s.mux.UpdateLocalAddress(ctx, addr)
		}
	}
}

// runChild runs fn, reporting its outcome (including a recovered panic) to
// the supervisor loop. A panic in any child task is a fatal engine error;
// an ordinary error is logged and the engine keeps running.
func (s *Supervisor) runChild(ctx context.Context, name string, fn func(context.Context) error) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.reportResult(childResult{name: name, err: fmt.Errorf("panic: %v", r), isPanic: true})
		}
	}()

	err := fn(ctx)
	s.reportResult(childResult{name: name, err: err})
}

func (s *Supervisor) reportResult(res childResult) {
	select {
	case s.results <- res:
	default:
		s.logger.Warn("supervisor result channel full, dropping child-task completion", "task", res.name)
	}
}

// loop is the strict-priority multiplexer: shutdown is checked first on
// every iteration, ahead of the blocking select that also watches for
// child-task completions and external context cancellation.
func (s *Supervisor) loop(ctx context.Context) {
	for {
		select {
		case <-s.shutdownCh:
			s.teardown(ctx)
			return
		default:
		}

		select {
		case <-s.shutdownCh:
			s.teardown(ctx)
			return
		case <-ctx.Done():
			s.teardown(ctx)
			return
		case res := <-s.results:
			s.handleChildResult(res)
		}
	}
}

func (s *Supervisor) handleChildResult(res childResult) {
	if res.isPanic {
		s.logger.Error("child task panicked, engine is failing", "task", res.name, "error", res.err)
		s.mu.Lock()
		if s.fatalErr == nil {
			s.fatalErr = res.err
		}
		s.mu.Unlock()
		s.initiateShutdown()
		return
	}
	if res.err != nil {
		s.logger.Warn("child task exited with an error", "task", res.name, "error", res.err)
	}
}

// teardown cancels every child, fast-closes the transport, and waits for
// the router task to exit before signalling Run has fully stopped.
func (s *Supervisor) teardown(ctx context.Context) {
	s.cancel()
	s.mux.Stop()
	s.scheduler.Stop()
	if err := s.endpoint.Close(0, "engine shutdown"); err != nil {
		s.logger.Warn("endpoint close failed during shutdown", "error", err)
	}
	s.wg.Wait()
	close(s.stopped)
}

func (s *Supervisor) initiateShutdown() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	select {
	case <-s.shutdownCh:
	default:
		close(s.shutdownCh)
	}
}

// Shutdown triggers the cancellation token and blocks until the
// Supervisor's task has fully exited (spec §5 "the public shutdown waits
// for the Supervisor task to exit").
func (s *Supervisor) Shutdown() error {
	s.initiateShutdown()
	<-s.stopped
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}
