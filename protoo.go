// Package protoo implements a bidirectional message-oriented RPC peer
// riding on a framed, text-based duplex transport.
//
// A Peer multiplexes three message kinds over a single Transport: requests,
// which expect exactly one correlated response; responses, which settle a
// previously issued request; and notifications, which expect no reply. The
// Peer owns one live Transport at a time, correlates responses to
// outstanding requests, enforces per-request timeouts, and watches
// connection liveness using application-level ping/pong frames plus an
// optional idle timeout.
//
// The Transport may be replaced at runtime with SetNewTransport. Replacing
// the transport aborts in-flight requests but preserves the peer identity,
// its application data and its event subscribers.
//
// The reference Transport implementation is WebSocketTransport, which
// carries messages as UTF-8 JSON text frames over a WebSocket connection.
package protoo

import "time"

const (
	// CloseNormal is the close code used for a deliberate local close.
	CloseNormal = 4000
	// CloseReconnect is the close code used by Drop to signal a soft
	// disconnect; the remote end is expected to install a new transport
	// rather than treat the session as over.
	CloseReconnect = 4001
	// CloseAbnormal is the close code used for timeouts and for
	// transports that were dead on arrival.
	CloseAbnormal = 1006

	// DefaultCloseReason is the reason sent by Peer.Close.
	DefaultCloseReason = "Normal close by server"
	// DropReason is the reason carried by a soft disconnect.
	DropReason = "reconnecting"
	// RemoteDropReason is the legacy reason some peers send on a soft
	// disconnect instead of CloseReconnect.
	RemoteDropReason = "Connection dropped by remote peer."
)

// The literal text frames reserved for transport liveness. They are
// consumed by the transport and never reach the message codec.
const (
	pingFrame = "ping"
	pongFrame = "pong"
)

var (
	// RequestTimeoutBase scales all request timeouts. A request issued
	// while n other requests are outstanding times out after
	// RequestTimeoutBase * (15 + 0.1*n), giving 30s for an idle peer at
	// the default of 2 seconds.
	RequestTimeoutBase = 2 * time.Second
	// DefaultPingInterval is how often WebSocketTransport emits a ping
	// frame when no interval is configured.
	DefaultPingInterval = 20 * time.Second
	// DefaultPingTimeout is how long WebSocketTransport waits for a pong
	// before dropping the connection.
	DefaultPingTimeout = 15 * time.Second
)

// requestTimeout returns the timeout for a request registered while
// pendingCount other requests are outstanding.
func requestTimeout(pendingCount int) time.Duration {
	return RequestTimeoutBase * time.Duration(150+pendingCount) / 10
}
