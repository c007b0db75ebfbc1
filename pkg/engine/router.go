package engine

import (
	"context"
	"log/slog"
	"sync"
)

// ConnectionRouter owns the ALPN -> ProtocolHandler dispatch table
// (spec §4.6). It holds no per-connection state of its own: every inbound
// connection is dispatched and forgotten, the handler owns whatever state
// the stream needs from there.
type ConnectionRouter struct {
	mu       sync.RWMutex
	handlers map[string]ProtocolHandler
	logger   *slog.Logger
}

// NewConnectionRouter returns an empty ConnectionRouter.
func NewConnectionRouter(logger *slog.Logger) *ConnectionRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRouter{
		handlers: make(map[string]ProtocolHandler),
		logger:   logger,
	}
}

// Register associates alpn with handler. Registering the same alpn twice
// replaces the previous handler.
func (r *ConnectionRouter) Register(alpn string, handler ProtocolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[alpn] = handler
}

// Handle awaits the incoming connection's ALPN negotiation, looks up a
// registered handler, and dispatches the stream to it. An unknown ALPN or
// a failed negotiation is logged and the connection dropped — it never
// propagates as an error to the caller, per spec §4.6.
func (r *ConnectionRouter) Handle(ctx context.Context, conn Connecting) {
	alpn, err := conn.ALPN(ctx)
	if err != nil {
		r.logger.Warn("inbound connection failed ALPN negotiation", "error", err)
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[string(alpn)]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("inbound connection negotiated unregistered ALPN", "alpn", string(alpn), "error", ErrUnknownALPN)
		return
	}

	stream, err := conn.Open(ctx)
	if err != nil {
		r.logger.Warn("inbound connection failed to open stream", "alpn", string(alpn), "error", err)
		return
	}

	if err := handler.Accept(ctx, stream); err != nil {
		r.logger.Warn("protocol handler failed to accept stream", "alpn", string(alpn), "error", err)
	}
}

// Serve loops Endpoint.Accept, dispatching every inbound connection to
// Handle in its own goroutine, until ctx is cancelled or Accept fails.
func (r *ConnectionRouter) Serve(ctx context.Context, endpoint Endpoint) {
	for {
		conn, err := endpoint.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("endpoint accept failed", "error", err)
			continue
		}
		go r.Handle(ctx, conn)
	}
}
