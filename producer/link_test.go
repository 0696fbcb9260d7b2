package producer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefabric/tracefabric/schema"
)

// Spec scenario 4: reconnect delay follows min(base*2^attempts, max).
func TestBackoffDelayExponentialWithCeiling(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	assert.Equal(t, time.Second, backoffDelay(base, max, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, 4*time.Second, backoffDelay(base, max, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(base, max, 3))
	assert.Equal(t, 16*time.Second, backoffDelay(base, max, 4))
	assert.Equal(t, max, backoffDelay(base, max, 5), "2^5s=32s exceeds the 30s ceiling")
	assert.Equal(t, max, backoffDelay(base, max, 10), "stays pinned to the ceiling for further attempts")
}

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	readErr  error
	readChan chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{readChan: make(chan []byte, 8)}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-c.readChan
	if !ok {
		return 0, nil, errors.New("fake conn closed")
	}
	return 1, raw, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readChan)
	}
	return nil
}

func TestLinkQueuesOfferWhileDisconnected(t *testing.T) {
	l := NewLink(LinkConfig{
		URL: "ws://unused",
		Dial: func(url string) (Conn, error) {
			return nil, errors.New("never connects in this test")
		},
		BaseDelay: time.Hour, // keep the reconnect timer from firing mid-test
		MaxDelay:  time.Hour,
	})
	t.Cleanup(func() { _ = l.Close() })

	err := l.Offer(&schema.Frame{Type: schema.FrameLog, ID: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, len(l.queue))
}

// Regression test for the off-by-one where connectLoop fed the
// post-increment attempt count into backoffDelay, doubling every delay in
// the spec §8 scenario-4 sequence (1000/2000/4000ms expected, not
// 2000/4000/8000ms). Asserts the gap before the *second* dial attempt is
// close to BaseDelay (k=0), not 2*BaseDelay.
func TestLinkReconnectFirstBackoffUsesBaseDelayNotDouble(t *testing.T) {
	var mu sync.Mutex
	var dialTimes []time.Time
	l := NewLink(LinkConfig{
		URL: "ws://unused",
		Dial: func(url string) (Conn, error) {
			mu.Lock()
			dialTimes = append(dialTimes, time.Now())
			mu.Unlock()
			return nil, errors.New("always fails")
		},
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  time.Second,
	})
	t.Cleanup(func() { _ = l.Close() })

	l.Open()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dialTimes) >= 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	gap := dialTimes[1].Sub(dialTimes[0])
	mu.Unlock()

	assert.Less(t, gap, 100*time.Millisecond,
		"gap before the second dial attempt should be ~BaseDelay (50ms), not 2*BaseDelay (100ms)")
}

func TestLinkGivesUpAfterMaxRetries(t *testing.T) {
	l := NewLink(LinkConfig{
		URL: "ws://unused",
		Dial: func(url string) (Conn, error) {
			return nil, errors.New("always fails")
		},
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = l.Close() })

	l.Open()
	require.Eventually(t, func() bool {
		return l.State() == StateGaveUp
	}, time.Second, time.Millisecond)

	err := l.Offer(&schema.Frame{Type: schema.FrameLog, ID: "1"})
	assert.ErrorIs(t, err, ErrGaveUp)
}

func TestLinkDrainsQueueOnConnectAndDeliversFrames(t *testing.T) {
	conn := newFakeConn()
	l := NewLink(LinkConfig{
		URL: "ws://unused",
		Dial: func(url string) (Conn, error) {
			return conn, nil
		},
	})
	t.Cleanup(func() { _ = l.Close() })

	require.NoError(t, l.Offer(&schema.Frame{Type: schema.FrameLog, ID: "pre-connect"}))

	var received []*schema.Frame
	var mu sync.Mutex
	l.OnFrame(func(f *schema.Frame) {
		mu.Lock()
		received = append(received, f)
		mu.Unlock()
	})

	l.Open()
	require.Eventually(t, func() bool {
		return l.State() == StateConnected
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.written) == 1
	}, time.Second, time.Millisecond, "queued pre-connect frame must drain once connected")

	conn.readChan <- []byte(`{"type":"status","status":"connected"}`)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, schema.StatusConnected, received[0].Status)
	mu.Unlock()
}

func TestLinkServerlessOfferIsNoop(t *testing.T) {
	l := NewLink(LinkConfig{})
	assert.True(t, l.Serverless())
	assert.NoError(t, l.Offer(&schema.Frame{Type: schema.FrameLog}))
	assert.Empty(t, l.queue)
}

func TestLinkCloseStopsReconnectTimer(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	disconnected := make(chan struct{}, 1)
	l := NewLink(LinkConfig{
		URL: "ws://unused",
		Dial: func(url string) (Conn, error) {
			mu.Lock()
			attempts++
			mu.Unlock()
			return nil, errors.New("fails")
		},
		BaseDelay: time.Hour, // reconnect would not fire before the test ends
		MaxDelay:  time.Hour,
	})
	l.OnStateChange(func(s LinkState) {
		if s == StateDisconnected {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})
	l.Open()
	<-disconnected // the failed attempt has been recorded; scheduleReconnect arms the timer next, or skips it once Close has run

	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())

	mu.Lock()
	afterClose := attempts
	mu.Unlock()
	assert.Equal(t, 1, afterClose, "no further reconnect attempts should run after Close since the timer was stopped")
}
