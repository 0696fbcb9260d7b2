package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
	"github.com/tracefabric/tracefabric/schema"
)

type fakeConn struct {
	mu          sync.Mutex
	written     []*schema.Frame
	pings       int
	closed      bool
	pongHandler func(string) error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var f schema.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.written = append(c.written, &f)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not used in this test")
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	c.pings++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetPongHandler(h func(appData string) error) {
	c.mu.Lock()
	c.pongHandler = h
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) last() *schema.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return nil
	}
	return c.written[len(c.written)-1]
}

func newTestDispatcher(routes []config.Route) *Dispatcher {
	return NewDispatcher(routes, NewSink(obslog.NewDefault(), false), NewMetrics(), obslog.NewDefault())
}

func frameBytes(t *testing.T, f *schema.Frame) []byte {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	return raw
}

func TestDispatcherSubscribeThenUnsubscribe(t *testing.T) {
	d := newTestDispatcher([]config.Route{{RoutePrefix: "/", Output: "console", Capture: config.CaptureFull}})
	conn := &fakeConn{}
	l := NewLink(conn)

	d.HandleFrame(l, frameBytes(t, &schema.Frame{Type: schema.FrameSubscribe, Route: "/trace"}))
	assert.Equal(t, schema.StatusSubscribed, conn.last().Status)
	assert.Len(t, l.Subscriptions(), 1)

	d.HandleFrame(l, frameBytes(t, &schema.Frame{Type: schema.FrameUnsubscribe, Route: "/trace"}))
	assert.Equal(t, schema.StatusUnsubscribed, conn.last().Status)
	assert.Len(t, l.Subscriptions(), 0)
}

func TestDispatcherPing(t *testing.T) {
	d := newTestDispatcher(nil)
	conn := &fakeConn{}
	l := NewLink(conn)

	d.HandleFrame(l, frameBytes(t, &schema.Frame{Type: schema.FramePing}))
	assert.Equal(t, schema.FramePong, conn.last().Type)
}

func TestDispatcherUnknownFrameType(t *testing.T) {
	d := newTestDispatcher(nil)
	conn := &fakeConn{}
	l := NewLink(conn)

	d.HandleFrame(l, frameBytes(t, &schema.Frame{Type: "bogus"}))
	assert.Equal(t, schema.FrameError, conn.last().Type)
	assert.Equal(t, "Unknown message type", conn.last().Error)
}

func TestDispatcherMalformedFrame(t *testing.T) {
	d := newTestDispatcher(nil)
	conn := &fakeConn{}
	l := NewLink(conn)

	d.HandleFrame(l, []byte("{not json"))
	assert.Equal(t, schema.FrameError, conn.last().Type)
}

func TestDispatcherUnknownRoute(t *testing.T) {
	d := newTestDispatcher([]config.Route{{RoutePrefix: "/trace"}})
	conn := &fakeConn{}
	l := NewLink(conn)

	d.HandleFrame(l, frameBytes(t, &schema.Frame{
		Type: schema.FrameLog, Route: "/other",
		Data: &schema.Event{ID: "evt_1", Type: schema.EventLog, Message: "hi"},
	}))
	assert.Equal(t, schema.FrameError, conn.last().Type)
}

func TestDispatcherBroadcastsToMatchingSubscriber(t *testing.T) {
	d := newTestDispatcher([]config.Route{{RoutePrefix: "/", Output: "console", Capture: config.CaptureFull}})

	producerConn := &fakeConn{}
	producer := NewLink(producerConn)
	d.AddLink(producer)

	consumerConn := &fakeConn{}
	consumer := NewLink(consumerConn)
	d.AddLink(consumer)
	d.HandleFrame(consumer, frameBytes(t, &schema.Frame{Type: schema.FrameSubscribe, Route: "/trace"}))

	d.HandleFrame(producer, frameBytes(t, &schema.Frame{
		Type: schema.FrameLog, ID: "evt_1", Route: "/trace/deep",
		Data: &schema.Event{ID: "evt_1", Type: schema.EventLog, Message: "hello", Level: schema.LevelInfo},
	}))

	require.NotNil(t, consumerConn.last())
	assert.Equal(t, schema.FrameLog, consumerConn.last().Type)
	assert.Equal(t, "hello", consumerConn.last().Data.Message)
}

func TestDispatcherBroadcastSkipsNonMatchingSubscriber(t *testing.T) {
	d := newTestDispatcher([]config.Route{{RoutePrefix: "/", Output: "console", Capture: config.CaptureFull}})

	producerConn := &fakeConn{}
	producer := NewLink(producerConn)
	d.AddLink(producer)

	consumerConn := &fakeConn{}
	consumer := NewLink(consumerConn)
	d.AddLink(consumer)
	d.HandleFrame(consumer, frameBytes(t, &schema.Frame{Type: schema.FrameSubscribe, Route: "/other"}))

	d.HandleFrame(producer, frameBytes(t, &schema.Frame{
		Type: schema.FrameLog, ID: "evt_1", Route: "/trace",
		Data: &schema.Event{ID: "evt_1", Type: schema.EventLog, Message: "hello"},
	}))

	require.NotNil(t, consumerConn.last())
	assert.Equal(t, schema.StatusSubscribed, consumerConn.last().Status,
		"consumer subscribed to a disjoint route must not receive the broadcast: its last frame is still the subscribe ack")
}
