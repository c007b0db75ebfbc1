package engine

import "errors"

// Error kinds named in spec §7. They are sentinels, not types: wrap them
// with fmt.Errorf("...: %w", ...) for context and compare with errors.Is.
var (
	// ErrTransportError covers dial/accept/close failures reported by the
	// Endpoint. Retryable per §4.4's resync policy.
	ErrTransportError = errors.New("transport error")

	// ErrOverlayJoin means the Overlay adapter failed to establish the
	// broadcast overlay for a topic id. Surfaced to the subscriber via the
	// subscribe call itself, not through the FromNetwork channel.
	ErrOverlayJoin = errors.New("failed to join overlay")

	// ErrTopicMismatch means the handshake succeeded at the topic-id level
	// but the two peers disagreed on topic identity. Terminal,
	// non-retryable.
	ErrTopicMismatch = errors.New("topic mismatch")

	// ErrProtocolError is raised by the sync protocol implementation
	// itself. Terminal; retryable only if ResyncConfiguration is set.
	ErrProtocolError = errors.New("sync protocol error")

	// ErrChannelClosed means the application dropped its subscription.
	// Not a failure — it initiates graceful teardown of any session for
	// that topic.
	ErrChannelClosed = errors.New("subscription channel closed")

	// ErrSessionTimeout means a SyncSession did not finish within
	// session_timeout of its start. The deadline covers the whole session,
	// so a session that is still making progress is also cut off when it
	// expires. Retryable for sessions, fatal for startup (ErrStartupTimeout
	// below covers the latter).
	ErrSessionTimeout = errors.New("sync session timed out")

	// ErrStartupTimeout means no local direct address appeared within
	// startup_direct_address_wait. Fatal to Build.
	ErrStartupTimeout = errors.New("no direct local address within startup timeout")

	// ErrAlreadySubscribed is returned by Subscribe when the application
	// subscribes twice to the same topic identity (spec §4.2 rejects this;
	// see DESIGN.md for the Open Question decision).
	ErrAlreadySubscribed = errors.New("already subscribed to this topic")

	// ErrUnknownALPN is logged (not propagated) when an inbound connection
	// negotiates an ALPN with no registered ProtocolHandler.
	ErrUnknownALPN = errors.New("unknown ALPN protocol")

	// ErrEngineShutdown reports that the engine is shutting down. No Engine
	// method returns it: AddPeer and a repeated Shutdown called after
	// Shutdown both return nil.
	ErrEngineShutdown = errors.New("engine is shutting down")

	// ErrNilConfig is returned by Build when the Endpoint or Overlay
	// factory was not supplied.
	ErrNilConfig = errors.New("config cannot be nil")
)
