package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T, endpoint Endpoint) (*Supervisor, *AddressBook, *TopicRegistry) {
	t.Helper()
	book, registry, buffer := newTestSchedulerDeps()
	handler := &recordingHandler{}
	protocol := &scriptedProtocol{}
	scheduler := NewSyncScheduler(peerID(1), book, registry, handler, protocol, buffer, 4, time.Second, nil, nil, nil)
	router := NewConnectionRouter(nil)
	router.Register("/sync/1.0.0", handler)
	mux := NewDiscoveryMux(nil, book, NetworkID{}, nil, nil)
	sup := NewSupervisor(endpoint, router, mux, scheduler, nil)
	return sup, book, registry
}

func TestSupervisorShutdownStopsCleanly(t *testing.T) {
	endpoint := &fakeEndpoint{conns: make(chan Connecting, 1)}
	sup, _, _ := newTestSupervisor(t, endpoint)

	runDone := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(runDone)
	}()

	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- sup.Shutdown() }()

	select {
	case err := <-shutdownDone:
		if err != nil {
			t.Errorf("Shutdown() = %v, want nil for a clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestSupervisorDispatchesInboundConnections(t *testing.T) {
	endpoint := &fakeEndpoint{conns: make(chan Connecting, 1)}
	sup, _, _ := newTestSupervisor(t, endpoint)

	go sup.Run(context.Background())
	defer sup.Shutdown()

	endpoint.conns <- &fakeConnecting{alpn: []byte("/sync/1.0.0"), stream: &fakeStream{}}

	deadline := time.Now().Add(time.Second)
	handler := sup.router.handlers["/sync/1.0.0"].(*recordingHandler)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := handler.accepted
		handler.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected inbound connection to reach the registered handler")
}

func TestSupervisorFatalChildPanicInitiatesShutdown(t *testing.T) {
	endpoint := &fakeEndpoint{conns: make(chan Connecting, 1)}
	sup, _, _ := newTestSupervisor(t, endpoint)

	runDone := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(runDone)
	}()
	time.Sleep(20 * time.Millisecond)

	sup.reportResult(childResult{name: "test-panic", err: errors.New("boom"), isPanic: true})

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a panicking child task to trigger shutdown")
	}

	if err := sup.Shutdown(); err == nil {
		t.Error("Shutdown() = nil, want the recorded fatal error")
	}
}
