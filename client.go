package protoo

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Client dials a protoo WebSocket endpoint, producing transports for a
// Peer. Dial may be called again after a soft disconnect to obtain a fresh
// transport for Peer.SetNewTransport.
type Client struct {
	URL           string        // the ws:// or wss:// URL to dial
	DialTimeout   time.Duration // handshake timeout
	RequestHeader http.Header   // extra headers for the handshake, may be nil
	PingInterval  time.Duration // applied to dialed transports
	PingTimeout   time.Duration // applied to dialed transports
	Logger        Logger

	mu           sync.Mutex // protects those below
	lastError    error
	lastAttempt  time.Time
	firstAttempt time.Time
	transport    *WebSocketTransport
}

// NewClient returns a Client for the given URL. No network connection is
// made until Dial is called.
func NewClient(url string) *Client {
	return &Client{
		URL:         url,
		DialTimeout: time.Second * 60,
	}
}

// Dial establishes a WebSocket connection and returns its transport. Each
// call produces a fresh transport; the most recent one is retained and
// closed by Close.
func (c *Client) Dial() (*WebSocketTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked()
}

func (c *Client) dialLocked() (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.DialTimeout,
		Subprotocols:     []string{"protoo"},
	}
	conn, _, err := dialer.Dial(c.URL, c.RequestHeader)
	if err != nil {
		c.lastError = err
		c.lastAttempt = time.Now()
		if c.firstAttempt.IsZero() {
			c.firstAttempt = c.lastAttempt
		}
		return nil, errors.WithStack(c.offlineErrorLocked())
	}
	c.lastError = nil
	c.lastAttempt = time.Time{}
	c.firstAttempt = time.Time{}

	t := NewWebSocketTransport(conn)
	if c.Logger != nil {
		t.Logger = c.Logger
	}
	if c.PingInterval != 0 {
		t.PingInterval = c.PingInterval
	}
	if c.PingTimeout != 0 {
		t.PingTimeout = c.PingTimeout
	}
	c.transport = t
	return t, nil
}

// DialPeer dials and wraps the resulting transport in a Peer with the
// given identity.
func (c *Client) DialPeer(id string, config Config) (*Peer, error) {
	t, err := c.Dial()
	if err != nil {
		return nil, err
	}
	return NewPeer(id, t, config), nil
}

// Transport returns the most recently dialed transport, or nil.
func (c *Client) Transport() *WebSocketTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *Client) offlineErrorLocked() (err error) {
	if err = c.lastError; err == nil {
		err = fmt.Errorf("upstream server unresponsive")
	}
	if c.firstAttempt != c.lastAttempt {
		err = fmt.Errorf("%v; no response for %v",
			err, time.Since(c.firstAttempt))
	}
	return
}

// Close closes the current transport, if any.
func (c *Client) Close() {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t != nil {
		t.Close(CloseNormal, "client closed")
	}
}
