package protoo

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// StatsCollector is the interface required to collect statistics.
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

var (
	pingBytes = []byte(pingFrame)
	pongBytes = []byte(pongFrame)
)

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// WebSocketTransport is the reference Transport implementation. Messages
// travel as UTF-8 JSON text frames; the literal text frames "ping" and
// "pong" are reserved for liveness. Binary frames are dropped with a
// warning.
//
// PingInterval, PingTimeout, Logger and StatsCollector may be set before
// Attach; after Attach they must not be modified.
type WebSocketTransport struct {
	PingInterval   time.Duration // interval between liveness pings, 0 disables them
	PingTimeout    time.Duration // how long to wait for a pong before dropping
	Logger         Logger
	StatsCollector StatsCollector // optional

	conn *websocket.Conn

	mu       sync.Mutex // guards handlers and closed
	handlers TransportHandlers
	closed   bool
	doneChan chan struct{}

	attachOnce sync.Once

	wmu sync.Mutex // serializes frame writes

	// atomics, for liveness bookkeeping and statistics
	lastPingSent int64 // Unix nanoseconds
	lastPongRcvd int64 // Unix nanoseconds
	bytesRead    int64
	bytesWritten int64
}

// NewWebSocketTransport wraps an established WebSocket connection. The
// transport does not read from the connection until Attach is called.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		PingInterval: DefaultPingInterval,
		PingTimeout:  DefaultPingTimeout,
		Logger:       DefaultConfig.Logger,
		conn:         conn,
		doneChan:     make(chan struct{}),
	}
}

func (t *WebSocketTransport) String() string {
	return "[WebSocketTransport " + t.conn.RemoteAddr().String() + "]"
}

// Attach installs the handler set and starts the read and ping loops.
func (t *WebSocketTransport) Attach(handlers TransportHandlers) {
	t.mu.Lock()
	t.handlers = handlers
	t.mu.Unlock()

	t.attachOnce.Do(func() {
		go t.readLoop()
		if t.PingInterval > 0 {
			go t.pingLoop()
		}
	})
}

// IsClosed reports whether the transport has closed.
func (t *WebSocketTransport) IsClosed() bool {
	return isClosedChan(t.doneChan)
}

// Send encodes msg as a single text frame and writes it out. Concurrent
// Send calls are serialized at the frame level.
func (t *WebSocketTransport) Send(msg *Message) error {
	if t.IsClosed() {
		return errors.WithStack(TransportClosedError{})
	}
	buf := encodeBufAlloc()
	defer encodeBufFree(buf)
	if err := msg.encode(buf); err != nil {
		return err
	}
	return t.writeText(buf.Bytes())
}

func (t *WebSocketTransport) writeText(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if t.IsClosed() {
		return errors.WithStack(TransportClosedError{})
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.WithStack(err)
	}
	atomic.AddInt64(&t.bytesWritten, int64(len(b)))
	if t.StatsCollector != nil {
		t.StatsCollector.AddBytesWritten(int64(len(b)))
	}
	return nil
}

// Close performs an idempotent hard close: a close frame with the given
// code and reason is sent on a best-effort basis, the connection is torn
// down, and the Close handler fires exactly once.
func (t *WebSocketTransport) Close(code int, reason string) {
	t.closeWith(code, reason, true)
}

// Drop performs the soft close used during transport swap: the connection
// closes with CloseReconnect so the remote peer expects a replacement
// rather than session teardown.
func (t *WebSocketTransport) Drop() {
	t.closeWith(CloseReconnect, DropReason, true)
}

func (t *WebSocketTransport) closeWith(code int, reason string, sendCloseFrame bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	handlers := t.handlers
	close(t.doneChan)
	t.mu.Unlock()

	if sendCloseFrame && code != CloseAbnormal {
		// 1006 is reserved and must never appear in a close frame
		deadline := time.Now().Add(time.Second)
		t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	}
	t.conn.Close()

	if handlers.Close != nil {
		handlers.Close(code, reason)
	}
}

func (t *WebSocketTransport) readLoop() {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			code, reason := CloseAbnormal, err.Error()
			if ce, ok := errors.Cause(err).(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			}
			t.closeWith(code, reason, false)
			return
		}

		atomic.AddInt64(&t.bytesRead, int64(len(data)))
		if t.StatsCollector != nil {
			t.StatsCollector.AddBytesRead(int64(len(data)))
		}

		if mt == websocket.BinaryMessage {
			t.emitError(errors.Errorf("binary frame dropped (%d bytes)", len(data)))
			continue
		}

		if bytes.Equal(data, pingBytes) {
			// liveness probe from the remote; answer in kind
			if err := t.writeText(pongBytes); err != nil && !IsClosedError(err) {
				t.emitError(err)
			}
			continue
		}
		if bytes.Equal(data, pongBytes) {
			atomic.StoreInt64(&t.lastPongRcvd, time.Now().UnixNano())
			t.emitPong()
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			t.Logger.Log("protoo: malformed frame dropped: %v", err)
			continue
		}
		if t.Logger.IsDebug() {
			t.Logger.Log("protoo: %v recv %s", t, data)
		}
		t.emitMessage(msg)
	}
}

// pingLoop emits a liveness ping every PingInterval. Each ping arms a
// single-shot watchdog that drops the connection with CloseAbnormal if no
// pong was observed within PingTimeout.
func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(t.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.doneChan:
			return
		case <-ticker.C:
		}

		sent := time.Now().UnixNano()
		atomic.StoreInt64(&t.lastPingSent, sent)
		if err := t.writeText(pingBytes); err != nil {
			return
		}

		pingTimeout := t.PingTimeout
		if pingTimeout <= 0 {
			pingTimeout = DefaultPingTimeout
		}
		time.AfterFunc(pingTimeout, func() {
			if atomic.LoadInt64(&t.lastPongRcvd) < sent && !t.IsClosed() {
				t.closeWith(CloseAbnormal, "ping timeout", false)
			}
		})
	}
}

// Latency returns the result of the last successful ping/pong measurement,
// or the zero value if there is no current valid measurement.
func (t *WebSocketTransport) Latency() (d time.Duration) {
	ping := atomic.LoadInt64(&t.lastPingSent)
	if ping > 0 {
		pong := atomic.LoadInt64(&t.lastPongRcvd)
		if ping <= pong {
			d = time.Nanosecond * time.Duration(pong-ping)
		}
	}
	return
}

// BytesRead returns the number of frame payload bytes received.
func (t *WebSocketTransport) BytesRead() int64 {
	return atomic.LoadInt64(&t.bytesRead)
}

// BytesWritten returns the number of frame payload bytes sent.
func (t *WebSocketTransport) BytesWritten() int64 {
	return atomic.LoadInt64(&t.bytesWritten)
}

func (t *WebSocketTransport) emitMessage(msg *Message) {
	t.mu.Lock()
	h := t.handlers.Message
	t.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (t *WebSocketTransport) emitPong() {
	t.mu.Lock()
	h := t.handlers.Pong
	t.mu.Unlock()
	if h != nil {
		h()
	}
}

func (t *WebSocketTransport) emitError(err error) {
	t.mu.Lock()
	h := t.handlers.Error
	t.mu.Unlock()
	if h != nil {
		h(err)
	} else {
		t.Logger.Log("protoo: %v", err)
	}
}
