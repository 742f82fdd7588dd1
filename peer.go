package protoo

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultConfig is the default peer configuration.
var DefaultConfig Config

// Config describes peer configuration.
type Config struct {
	// Logger defines the target for all of the peer's logs.
	Logger Logger

	// IdleTimeout, when nonzero, arms a watchdog that is reset by every
	// inbound message or pong. If it fires, the peer drops its transport
	// and closes with CloseAbnormal.
	IdleTimeout time.Duration
}

func init() {
	DefaultConfig = Config{
		Logger: NewLogger(false),
	}
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = DefaultConfig.Logger
	}
	return c
}

// AcceptFunc sends a success response for an inbound request. Only the
// first of accept/reject takes effect.
type AcceptFunc func(data interface{})

// RejectFunc sends an error response for an inbound request, carrying the
// numeric code and textual reason. To reject with an error value, pass
// code 500 and err.Error() as the reason. Only the first of accept/reject
// takes effect.
type RejectFunc func(code int, reason string)

// RequestHandler handles an inbound request. A panic inside the handler is
// recovered and converted into an error response with code 500.
type RequestHandler func(req *Message, accept AcceptFunc, reject RejectFunc)

// Peer is the local endpoint of an RPC session. It owns one Transport at a
// time and all of its pending requests.
type Peer struct {
	id     string
	data   map[string]interface{}
	config Config

	pendings *pendingTable

	mu           sync.Mutex // guards the below
	transport    Transport
	closed       bool
	reconnecting bool
	lastMsgTime  time.Time
	idleTimer    *time.Timer

	hmu                  sync.Mutex // guards the observer sets
	requestHandlers      []RequestHandler
	notificationHandlers []func(notification *Message)
	pongHandlers         []func()
	closeHandlers        []func(code int, reason string)
	closeEmitted         bool
	closeCode            int
	closeReason          string
}

// NewPeer creates a Peer with the given identity and attaches it to
// transport. The identity and the data container are fixed for the
// lifetime of the peer, across any number of transport swaps.
//
// If transport is already closed the peer starts out closed and emits
// close(CloseAbnormal, "transport already closed") asynchronously, giving
// the caller a chance to subscribe first.
func NewPeer(id string, transport Transport, config Config) *Peer {
	p := &Peer{
		id:       id,
		data:     make(map[string]interface{}),
		config:   config.withDefaults(),
		pendings: newPendingTable(),
	}
	p.mu.Lock()
	p.transport = transport
	p.mu.Unlock()
	p.attachTransport(transport)
	return p
}

// ID returns the peer identity chosen at construction.
func (p *Peer) ID() string {
	return p.id
}

// Data returns the application-owned attribute bag. The peer never
// inspects it; the container itself is never replaced.
func (p *Peer) Data() map[string]interface{} {
	return p.data
}

// Closed reports whether the peer has closed. Once true it stays true.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// LastMsgTime returns the wall-clock time of the last inbound frame or
// pong, or the zero time if nothing has arrived yet.
func (p *Peer) LastMsgTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMsgTime
}

// OnRequest subscribes to inbound requests.
func (p *Peer) OnRequest(h RequestHandler) {
	p.hmu.Lock()
	p.requestHandlers = append(p.requestHandlers, h)
	p.hmu.Unlock()
}

// OnNotification subscribes to inbound notifications.
func (p *Peer) OnNotification(h func(notification *Message)) {
	p.hmu.Lock()
	p.notificationHandlers = append(p.notificationHandlers, h)
	p.hmu.Unlock()
}

// OnPong subscribes to liveness replies observed on the transport.
func (p *Peer) OnPong(h func()) {
	p.hmu.Lock()
	p.pongHandlers = append(p.pongHandlers, h)
	p.hmu.Unlock()
}

// OnClose subscribes to the peer's close event. Every subscriber is
// invoked exactly once; subscribing after the event already fired delivers
// it immediately.
func (p *Peer) OnClose(h func(code int, reason string)) {
	p.hmu.Lock()
	if p.closeEmitted {
		code, reason := p.closeCode, p.closeReason
		p.hmu.Unlock()
		h(code, reason)
		return
	}
	p.closeHandlers = append(p.closeHandlers, h)
	p.hmu.Unlock()
}

// Request sends a request and blocks until a response arrives, the request
// times out, or the peer closes. It returns the raw data payload of a
// success response, a RemoteError for an error response, a
// RequestTimeoutError on timeout, or a PeerClosedError if the peer or its
// transport went away while the request was outstanding.
//
// While the peer is reconnecting (its transport announced a soft
// disconnect and no replacement has been installed yet), Request returns a
// nil payload and nil error without sending anything.
func (p *Peer) Request(method string, data interface{}) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.WithStack(PeerClosedError{})
	}
	if p.reconnecting {
		p.mu.Unlock()
		return nil, nil
	}
	t := p.transport
	p.mu.Unlock()

	msg, err := CreateRequest(method, data)
	if err != nil {
		return nil, err
	}

	// the entry is registered before the frame goes out: the transport
	// delivers inbound frames on its own goroutine, so a reply could
	// otherwise race past an entry installed after Send returns
	e := newPending(msg.ID, method)
	p.pendings.insert(e, requestTimeout, func() {
		if timed, ok := p.pendings.remove(msg.ID); ok {
			timed.settle(nil, errors.WithStack(RequestTimeoutError{}))
		}
	})

	// a send failure is surfaced to the caller and leaves no pending entry
	if err := t.Send(msg); err != nil {
		p.pendings.remove(msg.ID)
		return nil, err
	}

	// the peer may have closed or swapped transports after t was read and
	// before the entry was registered; such an entry would never be drained
	p.mu.Lock()
	stale := p.closed || p.transport != t
	p.mu.Unlock()
	if stale {
		if gone, ok := p.pendings.remove(msg.ID); ok {
			gone.settle(nil, errors.WithStack(PeerClosedError{}))
		}
	}

	res := <-e.ch
	return res.data, res.err
}

// Notify sends a notification. There is no registration and no reply; a
// send failure is surfaced to the caller. While reconnecting, Notify
// returns nil without sending.
func (p *Peer) Notify(method string, data interface{}) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.WithStack(PeerClosedError{})
	}
	if p.reconnecting {
		p.mu.Unlock()
		return nil
	}
	t := p.transport
	p.mu.Unlock()

	msg, err := CreateNotification(method, data)
	if err != nil {
		return err
	}
	return t.Send(msg)
}

// Close closes the peer with CloseNormal and the default reason.
func (p *Peer) Close() {
	p.CloseWithReason(CloseNormal, DefaultCloseReason)
}

// CloseWithReason closes the peer: the transport receives a hard close,
// every pending request is rejected with PeerClosedError, and the close
// event fires once. Calling it again is a no-op.
func (p *Peer) CloseWithReason(code int, reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	t := p.transport
	p.stopIdleTimerLocked()
	p.mu.Unlock()

	if p.config.Logger.IsDebug() {
		p.config.Logger.Log("protoo: peer %q closing [code:%d, reason:%q]", p.id, code, reason)
	}

	if t != nil {
		t.Close(code, reason)
	}
	p.rejectPendings()
	p.emitClose(code, reason)
}

// SetNewTransport replaces the current transport: the old one receives a
// soft disconnect, pending requests are rejected with PeerClosedError, and
// the new transport is installed with the peer identity, data and event
// subscribers intact. The close event does not fire.
func (p *Peer) SetNewTransport(t Transport) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.transport
	p.mu.Unlock()

	if old != nil {
		old.Drop()
	}
	p.rejectPendings()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.transport = t
	p.reconnecting = false
	p.mu.Unlock()

	p.attachTransport(t)
}

// attachTransport wires the peer's handlers onto t. Handlers ignore
// signals from a transport that is no longer current, so a dropped
// transport draining its last events cannot disturb its replacement.
func (p *Peer) attachTransport(t Transport) {
	if t.IsClosed() {
		p.mu.Lock()
		already := p.closed
		p.closed = true
		p.stopIdleTimerLocked()
		p.mu.Unlock()
		if !already {
			// deferred so the constructor can return and observers subscribe
			time.AfterFunc(0, func() {
				p.rejectPendings()
				p.emitClose(CloseAbnormal, "transport already closed")
			})
		}
		return
	}

	t.Attach(TransportHandlers{
		Message: func(msg *Message) { p.handleMessage(t, msg) },
		Pong:    func() { p.handlePong(t) },
		Close:   func(code int, reason string) { p.handleTransportClose(t, code, reason) },
		Error: func(err error) {
			p.config.Logger.Log("protoo: transport error: %v", err)
		},
	})

	p.mu.Lock()
	if p.transport == t {
		p.resetIdleTimerLocked()
	}
	p.mu.Unlock()
}

func (p *Peer) handleTransportClose(t Transport, code int, reason string) {
	p.mu.Lock()
	if p.closed || p.transport != t {
		p.mu.Unlock()
		return
	}
	if code == CloseReconnect || reason == RemoteDropReason {
		// soft disconnect: a SetNewTransport is expected
		p.reconnecting = true
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopIdleTimerLocked()
	p.mu.Unlock()

	p.rejectPendings()
	p.emitClose(code, reason)
}

func (p *Peer) handleMessage(t Transport, msg *Message) {
	p.mu.Lock()
	if p.closed || p.transport != t {
		p.mu.Unlock()
		return
	}
	p.lastMsgTime = time.Now()
	p.resetIdleTimerLocked()
	p.mu.Unlock()

	switch {
	case msg.Request:
		p.handleRequest(msg)
	case msg.Response:
		p.handleResponse(msg)
	case msg.Notification:
		p.handleNotification(msg)
	}
}

func (p *Peer) handlePong(t Transport) {
	p.mu.Lock()
	if p.closed || p.transport != t {
		p.mu.Unlock()
		return
	}
	p.lastMsgTime = time.Now()
	p.resetIdleTimerLocked()
	p.mu.Unlock()

	p.hmu.Lock()
	handlers := append([]func(){}, p.pongHandlers...)
	p.hmu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (p *Peer) handleRequest(msg *Message) {
	p.hmu.Lock()
	handlers := append([]RequestHandler{}, p.requestHandlers...)
	p.hmu.Unlock()

	if len(handlers) == 0 {
		p.config.Logger.Log("protoo: no listeners for request %q, dropped", msg.Method)
		return
	}

	var done int32
	accept := func(data interface{}) {
		if !atomic.CompareAndSwapInt32(&done, 0, 1) {
			return
		}
		resp, err := CreateSuccessResponse(msg, data)
		if err != nil {
			p.config.Logger.Log("protoo: accept for request %q failed: %v", msg.Method, err)
			return
		}
		if err := p.send(resp); err != nil {
			p.config.Logger.Log("protoo: accept for request %q failed: %v", msg.Method, err)
		}
	}
	reject := func(code int, reason string) {
		if !atomic.CompareAndSwapInt32(&done, 0, 1) {
			return
		}
		if err := p.send(CreateErrorResponse(msg, code, reason)); err != nil {
			p.config.Logger.Log("protoo: reject for request %q failed: %v", msg.Method, err)
		}
	}

	for _, h := range handlers {
		p.invokeRequestHandler(h, msg, accept, reject)
	}
}

func (p *Peer) invokeRequestHandler(h RequestHandler, msg *Message, accept AcceptFunc, reject RejectFunc) {
	defer func() {
		if v := recover(); v != nil {
			reject(500, fmt.Sprint(v))
		}
	}()
	h(msg, accept, reject)
}

func (p *Peer) handleResponse(msg *Message) {
	e, ok := p.pendings.remove(msg.ID)
	if !ok {
		p.config.Logger.Log("protoo: response for unknown request [id:%d] dropped", msg.ID)
		return
	}
	if msg.OK {
		e.settle(msg.Data, nil)
	} else {
		e.settle(nil, errors.WithStack(RemoteError{Code: msg.ErrorCode, Reason: msg.ErrorReason}))
	}
}

func (p *Peer) handleNotification(msg *Message) {
	p.hmu.Lock()
	handlers := append([]func(*Message){}, p.notificationHandlers...)
	p.hmu.Unlock()

	if len(handlers) == 0 {
		p.config.Logger.Log("protoo: no listeners for notification %q, dropped", msg.Method)
		return
	}
	for _, h := range handlers {
		p.invokeNotificationHandler(h, msg)
	}
}

func (p *Peer) invokeNotificationHandler(h func(*Message), msg *Message) {
	defer func() {
		if v := recover(); v != nil {
			p.config.Logger.Log("protoo: notification handler for %q panicked: %v", msg.Method, v)
		}
	}()
	h(msg)
}

func (p *Peer) send(msg *Message) error {
	p.mu.Lock()
	t := p.transport
	closed := p.closed
	p.mu.Unlock()
	if closed || t == nil {
		return errors.WithStack(PeerClosedError{})
	}
	return t.Send(msg)
}

func (p *Peer) rejectPendings() {
	for _, e := range p.pendings.drain() {
		e.settle(nil, errors.WithStack(PeerClosedError{}))
	}
}

func (p *Peer) emitClose(code int, reason string) {
	p.hmu.Lock()
	handlers := append([]func(int, string){}, p.closeHandlers...)
	p.closeHandlers = nil
	p.closeEmitted = true
	p.closeCode, p.closeReason = code, reason
	p.hmu.Unlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (p *Peer) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

func (p *Peer) resetIdleTimerLocked() {
	if p.config.IdleTimeout <= 0 {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	p.idleTimer = time.AfterFunc(p.config.IdleTimeout, p.idleExpired)
}

func (p *Peer) idleExpired() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	t := p.transport
	p.mu.Unlock()

	if t != nil {
		t.Drop()
	}
	p.CloseWithReason(CloseAbnormal, "Timed out")
}
