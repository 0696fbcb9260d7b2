package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracefabric/tracefabric/internal/shared/id"
	"github.com/tracefabric/tracefabric/schema"
)

// Conn is the minimal transport surface a Link needs; satisfied by
// *websocket.Conn and narrowed here for testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Link is one broker-side connection: any peer may act as producer,
// consumer, or both over the same link (spec §2).
type Link struct {
	id          id.LinkID
	conn        Conn
	connectedAt time.Time

	writeMu sync.Mutex

	mu           sync.RWMutex
	subs         map[string]*Subscription
	currentRoute string
	lastActivity time.Time
}

// NewLink wraps an accepted connection. The underlying connection's pong
// handler is wired to record activity, so a heartbeat probe only counts as
// answered once the peer's WebSocket stack actually replies (spec §4.4
// "Heartbeat"), not merely once the ping was written.
func NewLink(conn Conn) *Link {
	now := time.Now()
	l := &Link{
		id:           id.NewLinkID(),
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
		subs:         make(map[string]*Subscription),
	}
	conn.SetPongHandler(func(string) error {
		l.Touch()
		return nil
	})
	return l
}

// Ping writes a native WebSocket ping control frame, used by the broker's
// heartbeat loop to probe liveness. Every conforming WebSocket peer
// (including the producer's gorilla/websocket connection) answers this
// automatically at the protocol level, with no application-level frame
// handling required on either side.
func (l *Link) Ping(deadline time.Time) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// ID returns the link's assigned identifier.
func (l *Link) ID() string { return l.id.String() }

// ConnectedAt returns when the link was accepted.
func (l *Link) ConnectedAt() time.Time { return l.connectedAt }

// Touch records link activity, e.g. on a heartbeat probe response.
func (l *Link) Touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// LastActivity returns the last recorded activity time.
func (l *Link) LastActivity() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActivity
}

// Subscribe adds route to the link's subscription set and sets it as the
// link's current route (spec §4.4 "subscribe").
func (l *Link) Subscribe(route string, filters schema.Filters) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs[route] = &Subscription{Route: route, Filters: filters, LastActivity: time.Now()}
	l.currentRoute = route
}

// Unsubscribe removes route from the link's subscription set.
func (l *Link) Unsubscribe(route string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, route)
}

// CurrentRoute returns the route set by the most recent subscribe frame,
// used to resolve a dispatch frame's route when it omits one explicitly.
func (l *Link) CurrentRoute() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentRoute
}

// Subscriptions returns a snapshot of the link's current subscriptions.
func (l *Link) Subscriptions() []*Subscription {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Subscription, 0, len(l.subs))
	for _, s := range l.subs {
		out = append(out, s)
	}
	return out
}

// AcceptsRoute reports whether any of the link's subscriptions covers
// route and, if so, returns the matching filter set (spec §4.4 broadcast).
func (l *Link) AcceptsRoute(route string) (schema.Filters, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.subs {
		if coversRoute(s.Route, route) {
			return s.Filters, true
		}
	}
	return schema.Filters{}, false
}

// WriteFrame serializes and writes f, serializing concurrent writers
// (gorilla/websocket connections are not safe for concurrent writes).
func (l *Link) WriteFrame(messageType int, f *schema.Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(messageType, raw)
}

// ReadMessage proxies to the underlying connection.
func (l *Link) ReadMessage() (int, []byte, error) {
	return l.conn.ReadMessage()
}

// Close closes the underlying connection.
func (l *Link) Close() error {
	return l.conn.Close()
}
