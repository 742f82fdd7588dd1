package protoo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noSrvURL string = "ws://192.0.2.1:1/"

func Test_Client_NewClient(t *testing.T) {
	c := NewClient(noSrvURL)
	assert.NotNil(t, c)
	assert.Equal(t, noSrvURL, c.URL)
	assert.Nil(t, c.Transport())
	defer c.Close()
}

func Test_Client_no_answer(t *testing.T) {
	c := NewClient(noSrvURL)
	defer c.Close()
	c.DialTimeout = time.Millisecond * 10

	tr, err := c.Dial()
	assert.Nil(t, tr)
	assert.Error(t, err)

	// repeated failures report how long the server has been unresponsive
	time.Sleep(time.Millisecond)
	tr, err = c.Dial()
	assert.Nil(t, tr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response for")
}

func Test_Client_dial_and_close(t *testing.T) {
	st := newSrvTester(t)
	defer st.Close()

	c := NewClient(st.URL())
	tr, err := c.Dial()
	require.NoError(t, err)
	assert.NotNil(t, tr)
	assert.Same(t, tr, c.Transport())
	assert.False(t, tr.IsClosed())

	c.Close()
	assert.True(t, tr.IsClosed())
	assert.Nil(t, c.Transport())
}

func Test_Client_redial_produces_fresh_transport(t *testing.T) {
	st := newSrvTester(t)
	defer st.Close()

	c := NewClient(st.URL())
	defer c.Close()

	t1, err := c.Dial()
	require.NoError(t, err)
	t2, err := c.Dial()
	require.NoError(t, err)
	assert.NotSame(t, t1, t2)
	assert.Same(t, t2, c.Transport())
	t1.Close(CloseNormal, "superseded")
}

func Test_Client_DialPeer(t *testing.T) {
	st := newSrvTester(t)
	defer st.Close()

	c := NewClient(st.URL())
	defer c.Close()

	p, err := c.DialPeer("cli", Config{})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, "cli", p.ID())
	assert.False(t, p.Closed())
}
