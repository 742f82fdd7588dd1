package protoo

// TransportHandlers receives inbound traffic and lifecycle signals from a
// Transport. Handlers are invoked serially, in arrival order, from the
// transport's reader. A nil handler is skipped.
type TransportHandlers struct {
	// Message is called for every inbound message frame that passed the
	// codec.
	Message func(msg *Message)
	// Pong is called when a liveness reply is observed.
	Pong func()
	// Close is called exactly once when the transport closes, with the
	// close code and reason.
	Close func(code int, reason string)
	// Error is called for transport-level trouble that did not close the
	// connection, such as a dropped binary frame.
	Error func(err error)
}

// Transport is the duplex frame channel a Peer rides on. Implementations
// must deliver inbound frames in arrival order and serialize concurrent
// Send calls at the frame level.
type Transport interface {
	// Send transmits one message as a text frame. It fails if the
	// transport is closed.
	Send(msg *Message) error

	// Close performs an idempotent hard close with the given code and
	// reason. The Close handler fires exactly once.
	Close(code int, reason string)

	// Drop performs a soft close used during transport swap: the
	// underlying connection is closed with CloseReconnect so the remote
	// peer expects a new transport rather than session teardown.
	Drop()

	// IsClosed reports whether the transport has closed.
	IsClosed() bool

	// Attach installs the handler set and starts delivery. Attach is
	// called once, by the Peer that owns the transport.
	Attach(handlers TransportHandlers)
}
