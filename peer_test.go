package protoo

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport for exercising the peer engine
// deterministically. Outbound messages are round-tripped through the codec
// and delivered on sentCh; inbound traffic is injected by the test.
type fakeTransport struct {
	mu          sync.Mutex
	handlers    TransportHandlers
	closed      bool
	dropped     bool
	failSends   bool
	closeCode   int
	closeReason string
	sentCh      chan *Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan *Message, 64)}
}

func (t *fakeTransport) Send(msg *Message) error {
	t.mu.Lock()
	closed, failSends := t.closed, t.failSends
	t.mu.Unlock()
	if closed {
		return errors.WithStack(TransportClosedError{})
	}
	if failSends {
		return errors.New("send failed")
	}
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	parsed, err := Parse(b)
	if err != nil {
		return err
	}
	t.sentCh <- parsed
	return nil
}

func (t *fakeTransport) Close(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeCode, t.closeReason = code, reason
	h := t.handlers.Close
	t.mu.Unlock()
	if h != nil {
		h(code, reason)
	}
}

func (t *fakeTransport) Drop() {
	t.mu.Lock()
	t.dropped = true
	t.mu.Unlock()
	t.Close(CloseReconnect, DropReason)
}

func (t *fakeTransport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) Attach(handlers TransportHandlers) {
	t.mu.Lock()
	t.handlers = handlers
	t.mu.Unlock()
}

func (t *fakeTransport) injectMessage(raw string) {
	msg, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	t.mu.Lock()
	h := t.handlers.Message
	t.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (t *fakeTransport) injectResponse(msg *Message) {
	t.mu.Lock()
	h := t.handlers.Message
	t.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (t *fakeTransport) injectPong() {
	t.mu.Lock()
	h := t.handlers.Pong
	t.mu.Unlock()
	if h != nil {
		h()
	}
}

// injectClose simulates the underlying connection going away.
func (t *fakeTransport) injectClose(code int, reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeCode, t.closeReason = code, reason
	h := t.handlers.Close
	t.mu.Unlock()
	if h != nil {
		h(code, reason)
	}
}

func (t *fakeTransport) sentRequest(tb testing.TB) *Message {
	tb.Helper()
	select {
	case msg := <-t.sentCh:
		return msg
	case <-time.After(time.Second):
		tb.Fatal("no frame sent")
		return nil
	}
}

func newTestPeer(id string) (*Peer, *fakeTransport) {
	ft := newFakeTransport()
	return NewPeer(id, ft, Config{}), ft
}

// stressRequestCount is the number of concurrent requests issued by the
// settle-once stress test. Race builds shrink it, see raceenabled_test.go.
var stressRequestCount = 200

func Test_Peer_basics(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	assert.Equal(t, "alice", p.ID())
	assert.False(t, p.Closed())
	assert.NotNil(t, p.Data())
	assert.Zero(t, p.LastMsgTime())
	assert.False(t, ft.IsClosed())
}

func Test_Peer_Request_success(t *testing.T) {
	defer leaktest.Check(t)()
	p, ft := newTestPeer("alice")
	defer p.Close()

	go func() {
		req := ft.sentRequest(t)
		resp, err := CreateSuccessResponse(req, map[string]int{"v": 1})
		if err != nil {
			panic(err)
		}
		ft.injectResponse(resp)
	}()

	data, err := p.Request("echo", map[string]int{"v": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
	assert.Zero(t, p.pendings.size())
	assert.NotZero(t, p.LastMsgTime())
}

func Test_Peer_Request_remote_error(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	go func() {
		req := ft.sentRequest(t)
		ft.injectResponse(CreateErrorResponse(req, 404, "no such method"))
	}()

	data, err := p.Request("nope", nil)
	assert.Nil(t, data)
	require.Error(t, err)
	var remoteErr RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, 404, remoteErr.Code)
	assert.Equal(t, "no such method", remoteErr.Reason)
	assert.Zero(t, p.pendings.size())
}

func Test_Peer_Request_timeout(t *testing.T) {
	saved := RequestTimeoutBase
	RequestTimeoutBase = time.Millisecond
	defer func() { RequestTimeoutBase = saved }()

	p, ft := newTestPeer("alice")
	defer p.Close()

	req := make(chan *Message, 1)
	go func() { req <- ft.sentRequest(t) }()

	_, err := p.Request("echo", nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Zero(t, p.pendings.size())

	// a late response for the timed-out request is silently dropped
	resp, cerr := CreateSuccessResponse(<-req, nil)
	require.NoError(t, cerr)
	ft.injectResponse(resp)
	assert.Zero(t, p.pendings.size())
	assert.False(t, p.Closed())
}

func Test_Peer_Request_send_failure(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()
	ft.failSends = true

	_, err := p.Request("echo", nil)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.False(t, IsPeerClosed(err))
	// no pending entry is left behind on send failure
	assert.Zero(t, p.pendings.size())

	assert.Error(t, p.Notify("event", nil))
}

func Test_Peer_Request_after_close(t *testing.T) {
	p, _ := newTestPeer("alice")
	p.Close()

	_, err := p.Request("echo", nil)
	assert.True(t, IsPeerClosed(err))
	assert.True(t, IsPeerClosed(p.Notify("event", nil)))
}

func Test_Peer_Close_during_request(t *testing.T) {
	defer leaktest.Check(t)()
	p, ft := newTestPeer("alice")

	var closeEvents int32
	p.OnClose(func(code int, reason string) {
		atomic.AddInt32(&closeEvents, 1)
		assert.Equal(t, CloseNormal, code)
		assert.Equal(t, DefaultCloseReason, reason)
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Request("echo", nil)
		errCh <- err
	}()

	ft.sentRequest(t)
	require.Eventually(t, func() bool { return p.pendings.size() == 1 },
		time.Second, time.Millisecond)

	p.Close()

	assert.True(t, IsPeerClosed(<-errCh))
	assert.True(t, p.Closed())
	assert.Zero(t, p.pendings.size())
	assert.True(t, ft.IsClosed())
	assert.Equal(t, CloseNormal, ft.closeCode)
	assert.Equal(t, DefaultCloseReason, ft.closeReason)

	// close is idempotent and the event fires exactly once
	for i := 0; i < 5; i++ {
		p.Close()
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&closeEvents))
}

func Test_Peer_transport_hard_close(t *testing.T) {
	p, ft := newTestPeer("alice")

	closeCh := make(chan int, 1)
	p.OnClose(func(code int, reason string) {
		assert.Equal(t, "bye", reason)
		closeCh <- code
	})

	ft.injectClose(1000, "bye")

	assert.Equal(t, 1000, <-closeCh)
	assert.True(t, p.Closed())
}

func Test_Peer_soft_disconnect_and_reconnect(t *testing.T) {
	defer leaktest.Check(t)()
	p, ft := newTestPeer("alice")
	defer p.Close()

	data := p.Data()
	data["room"] = "r1"

	var notifications int32
	p.OnNotification(func(*Message) { atomic.AddInt32(&notifications, 1) })

	var closeEvents int32
	p.OnClose(func(int, string) { atomic.AddInt32(&closeEvents, 1) })

	// a request is outstanding when the transport announces a soft disconnect
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Request("echo", nil)
		errCh <- err
	}()
	ft.sentRequest(t)
	require.Eventually(t, func() bool { return p.pendings.size() == 1 },
		time.Second, time.Millisecond)

	ft.injectClose(CloseReconnect, DropReason)

	assert.False(t, p.Closed())
	assert.Zero(t, atomic.LoadInt32(&closeEvents))

	// while reconnecting, request and notify return empty without sending
	res, err := p.Request("echo", nil)
	assert.Nil(t, res)
	assert.NoError(t, err)
	assert.NoError(t, p.Notify("event", nil))

	ft2 := newFakeTransport()
	p.SetNewTransport(ft2)

	// the outstanding request was rejected, identity and data survived
	assert.True(t, IsPeerClosed(<-errCh))
	assert.Zero(t, p.pendings.size())
	assert.Equal(t, "alice", p.ID())
	if assert.NotNil(t, p.Data()) {
		assert.Equal(t, "r1", p.Data()["room"])
	}

	// traffic routes over the new transport, subscribers intact
	ft2.injectMessage(`{"notification":true,"method":"hello"}`)
	assert.Equal(t, int32(1), atomic.LoadInt32(&notifications))

	go func() {
		req := ft2.sentRequest(t)
		resp, cerr := CreateSuccessResponse(req, "pong")
		if cerr != nil {
			panic(cerr)
		}
		ft2.injectResponse(resp)
	}()
	out, err := p.Request("echo", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(out))

	assert.Zero(t, atomic.LoadInt32(&closeEvents))
}

func Test_Peer_SetNewTransport_drops_old(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	ft2 := newFakeTransport()
	p.SetNewTransport(ft2)

	assert.True(t, ft.dropped)
	assert.True(t, ft.IsClosed())
	assert.Equal(t, CloseReconnect, ft.closeCode)
	assert.False(t, p.Closed())
}

func Test_Peer_SetNewTransport_rejects_pendings(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Request("echo", nil)
		errCh <- err
	}()
	ft.sentRequest(t)
	require.Eventually(t, func() bool { return p.pendings.size() == 1 },
		time.Second, time.Millisecond)

	p.SetNewTransport(newFakeTransport())

	assert.True(t, IsPeerClosed(<-errCh))
	assert.Zero(t, p.pendings.size())
}

func Test_Peer_stale_transport_events_ignored(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	p.SetNewTransport(newFakeTransport())

	// a close signal from the replaced transport must not touch the peer
	var closeEvents int32
	p.OnClose(func(int, string) { atomic.AddInt32(&closeEvents, 1) })
	ft.mu.Lock()
	h := ft.handlers.Close
	ft.mu.Unlock()
	h(1000, "stale")

	assert.False(t, p.Closed())
	assert.Zero(t, atomic.LoadInt32(&closeEvents))
}

func Test_Peer_attach_already_closed_transport(t *testing.T) {
	ft := newFakeTransport()
	ft.closed = true

	closeCh := make(chan string, 1)
	p := NewPeer("alice", ft, Config{})
	p.OnClose(func(code int, reason string) {
		assert.Equal(t, CloseAbnormal, code)
		closeCh <- reason
	})

	// the close emission is deferred so subscribers get a chance to attach
	select {
	case reason := <-closeCh:
		assert.Equal(t, "transport already closed", reason)
	case <-time.After(time.Second):
		t.Fatal("close event not emitted")
	}
	assert.True(t, p.Closed())
}

func Test_Peer_inbound_request_accept(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	p.OnRequest(func(req *Message, accept AcceptFunc, reject RejectFunc) {
		assert.Equal(t, "sum", req.Method)
		accept(map[string]int{"total": 3})
	})

	ft.injectMessage(`{"request":true,"id":99,"method":"sum","data":{"a":1,"b":2}}`)

	resp := ft.sentRequest(t)
	assert.True(t, resp.Response)
	assert.True(t, resp.OK)
	assert.Equal(t, uint32(99), resp.ID)
	assert.JSONEq(t, `{"total":3}`, string(resp.Data))
}

func Test_Peer_inbound_request_reject(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	p.OnRequest(func(req *Message, accept AcceptFunc, reject RejectFunc) {
		reject(418, "teapot")
	})

	ft.injectMessage(`{"request":true,"id":99,"method":"brew"}`)

	resp := ft.sentRequest(t)
	assert.True(t, resp.Response)
	assert.False(t, resp.OK)
	assert.Equal(t, 418, resp.ErrorCode)
	assert.Equal(t, "teapot", resp.ErrorReason)
}

func Test_Peer_inbound_request_accept_wins_once(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	p.OnRequest(func(req *Message, accept AcceptFunc, reject RejectFunc) {
		accept(nil)
		accept(nil)
		reject(500, "too late")
	})

	ft.injectMessage(`{"request":true,"id":99,"method":"once"}`)

	resp := ft.sentRequest(t)
	assert.True(t, resp.OK)
	select {
	case extra := <-ft.sentCh:
		t.Fatalf("unexpected extra response: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Peer_inbound_request_handler_panic(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	p.OnRequest(func(req *Message, accept AcceptFunc, reject RejectFunc) {
		panic(errors.New("boom"))
	})

	ft.injectMessage(`{"request":true,"id":99,"method":"explode"}`)

	resp := ft.sentRequest(t)
	assert.False(t, resp.OK)
	assert.Equal(t, 500, resp.ErrorCode)
	assert.Contains(t, resp.ErrorReason, "boom")
}

func Test_Peer_inbound_request_no_listener(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	ft.injectMessage(`{"request":true,"id":99,"method":"ignored"}`)

	select {
	case resp := <-ft.sentCh:
		t.Fatalf("unexpected response: %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, p.Closed())
}

func Test_Peer_notification_event(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	seen := make(chan *Message, 1)
	p.OnNotification(func(notification *Message) { seen <- notification })

	ft.injectMessage(`{"notification":true,"method":"chat","data":{"text":"hi"}}`)

	notification := <-seen
	assert.Equal(t, "chat", notification.Method)
	assert.JSONEq(t, `{"text":"hi"}`, string(notification.Data))
	assert.NotZero(t, p.LastMsgTime())
}

func Test_Peer_pong_event(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	pongs := make(chan struct{}, 1)
	p.OnPong(func() { pongs <- struct{}{} })

	ft.injectPong()
	<-pongs
	assert.NotZero(t, p.LastMsgTime())
}

func Test_Peer_idle_timeout_fires(t *testing.T) {
	defer leaktest.Check(t)()
	ft := newFakeTransport()
	p := NewPeer("alice", ft, Config{IdleTimeout: 20 * time.Millisecond})

	closeCh := make(chan string, 1)
	p.OnClose(func(code int, reason string) {
		assert.Equal(t, CloseAbnormal, code)
		closeCh <- reason
	})

	select {
	case reason := <-closeCh:
		assert.Equal(t, "Timed out", reason)
	case <-time.After(time.Second):
		t.Fatal("idle timeout did not fire")
	}
	assert.True(t, p.Closed())
	assert.True(t, ft.dropped)
}

func Test_Peer_idle_timeout_reset_by_traffic(t *testing.T) {
	ft := newFakeTransport()
	p := NewPeer("alice", ft, Config{IdleTimeout: 60 * time.Millisecond})
	defer p.Close()

	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		if i%2 == 0 {
			ft.injectMessage(`{"notification":true,"method":"keepalive"}`)
		} else {
			ft.injectPong()
		}
	}
	assert.False(t, p.Closed())

	time.Sleep(120 * time.Millisecond)
	assert.True(t, p.Closed())
}

func Test_Peer_request_timeout_formula(t *testing.T) {
	assert.Equal(t, 30*time.Second, requestTimeout(0))
	assert.Equal(t, 50*time.Second, requestTimeout(100))
}

func Test_Peer_request_settles_once_under_race(t *testing.T) {
	saved := RequestTimeoutBase
	RequestTimeoutBase = time.Millisecond / 5
	defer func() { RequestTimeoutBase = saved }()

	p, ft := newTestPeer("alice")

	// the responder races the per-request timers
	go func() {
		for req := range ft.sentCh {
			resp, err := CreateSuccessResponse(req, nil)
			if err != nil {
				return
			}
			ft.injectResponse(resp)
		}
	}()

	count := stressRequestCount
	var wg sync.WaitGroup
	var settled int32
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Request("echo", nil)
			if err != nil {
				assert.True(t, IsTimeout(err) || IsPeerClosed(err), "unexpected error: %v", err)
			}
			atomic.AddInt32(&settled, 1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(count), atomic.LoadInt32(&settled))
	assert.Zero(t, p.pendings.size())
	p.Close()
}

func Test_Peer_orphan_response_dropped(t *testing.T) {
	p, ft := newTestPeer("alice")
	defer p.Close()

	ft.injectMessage(`{"response":true,"ok":true,"id":12345}`)
	assert.False(t, p.Closed())
	assert.Zero(t, p.pendings.size())
}
