// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package protoo

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ConnectionHandler receives each accepted transport together with the
// upgrade request it arrived on, so the host can derive a peer identity
// from the URL or headers before constructing a Peer.
type ConnectionHandler func(t *WebSocketTransport, r *http.Request)

// Server accepts incoming WebSocket connections and turns each one into a
// WebSocketTransport. It implements http.Handler, serving the upgrade
// itself, and StatsCollector, aggregating byte counters over every
// transport it accepted.
type Server struct {
	Addr          string            // TCP address to listen on, ":4443" if empty
	Handler       ConnectionHandler // invoked for every accepted transport
	MaxTransports int               // maximum concurrent transports, 0 means no limit
	PingInterval  time.Duration     // applied to accepted transports
	PingTimeout   time.Duration     // applied to accepted transports
	Logger        Logger
	// CheckOrigin overrides the upgrade origin policy. The default
	// accepts any origin.
	CheckOrigin func(r *http.Request) bool

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	transports   map[*WebSocketTransport]struct{}
	doneChan     chan struct{}
	bytesWritten int64
	bytesRead    int64
}

// DefaultListenAddr returns the default address:port to listen on.
func (srv *Server) DefaultListenAddr() string {
	return ":4443"
}

func (srv *Server) getListenAddr(addr string) string {
	if addr == "" {
		return srv.DefaultListenAddr()
	}
	return addr
}

func (srv *Server) logger() Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return DefaultConfig.Logger
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.Addr = ln.Addr().String()
	}
	return ln, err
}

// ListenAndServe listens on the TCP network address srv.Addr and then
// calls Serve to handle upgrade requests on incoming connections.
// If srv.Addr is blank, ":4443" is used.
func (srv *Server) ListenAndServe() (err error) {
	listener, err := srv.Listen(srv.getListenAddr(srv.Addr))
	if err == nil {
		err = srv.Serve(listener)
	}
	return
}

// Serve accepts incoming connections on the listener l, upgrading each
// HTTP request to a WebSocket and handing the resulting transport to
// srv.Handler.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()

	if err := func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		select {
		case <-srv.getDoneChanLocked():
			return errors.WithStack(serverClosedError{})
		default:
		}
		srv.trackListenerLocked(l, true)
		return nil
	}(); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	hs := &http.Server{
		Addr:    l.Addr().String(),
		Handler: srv,
	}
	err := hs.Serve(l)
	select {
	case <-srv.getDoneChan():
		return errors.WithStack(serverClosedError{})
	default:
	}
	return err
}

// ServeHTTP upgrades the request to a WebSocket and hands the transport to
// srv.Handler. Requests arriving after Close, or beyond MaxTransports, are
// refused with 503.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	select {
	case <-srv.getDoneChanLocked():
		srv.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}
	if srv.MaxTransports > 0 && len(srv.transports) >= srv.MaxTransports {
		srv.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	srv.mu.Unlock()

	checkOrigin := srv.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{"protoo"},
		CheckOrigin:     checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger().Log("protoo: upgrade failed: %v", err)
		return
	}

	t := NewWebSocketTransport(conn)
	t.Logger = srv.logger()
	t.StatsCollector = srv
	if srv.PingInterval != 0 {
		t.PingInterval = srv.PingInterval
	}
	if srv.PingTimeout != 0 {
		t.PingTimeout = srv.PingTimeout
	}

	srv.trackTransport(t)
	go func() {
		<-t.doneChan
		srv.untrackTransport(t)
	}()

	if srv.Handler != nil {
		srv.Handler(t, r)
	} else {
		srv.logger().Log("protoo: no connection handler, dropping transport from %s", r.RemoteAddr)
		t.Close(CloseNormal, "no connection handler")
	}
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.trackListenerLocked(ln, add)
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

func (srv *Server) trackTransport(t *WebSocketTransport) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.transports == nil {
		srv.transports = make(map[*WebSocketTransport]struct{})
	}
	srv.transports[t] = struct{}{}
}

func (srv *Server) untrackTransport(t *WebSocketTransport) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.transports, t)
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// Close immediately closes all listeners and active transports.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	transports := make([]*WebSocketTransport, 0, len(srv.transports))
	for t := range srv.transports {
		transports = append(transports, t)
		delete(srv.transports, t)
	}
	srv.mu.Unlock()

	for _, t := range transports {
		t.Close(CloseNormal, "server closed")
	}
	return err
}

// ActiveTransports returns the number of transports currently accepted and
// not yet closed.
func (srv *Server) ActiveTransports() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.transports)
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
