package broker

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
	"github.com/tracefabric/tracefabric/schema"
)

// Dispatcher routes inbound frames to persistence and broadcast, and owns
// the broker's live link table (spec §4.4).
type Dispatcher struct {
	routes  []config.Route
	sink    *Sink
	metrics *Metrics
	log     *obslog.Logger

	mu    sync.RWMutex
	links map[string]*Link
}

// NewDispatcher creates a Dispatcher bound to routes.
func NewDispatcher(routes []config.Route, sink *Sink, metrics *Metrics, log *obslog.Logger) *Dispatcher {
	return &Dispatcher{routes: routes, sink: sink, metrics: metrics, log: log, links: make(map[string]*Link)}
}

// AddLink registers a newly accepted link.
func (d *Dispatcher) AddLink(l *Link) {
	d.mu.Lock()
	d.links[l.ID()] = l
	count := len(d.links)
	d.mu.Unlock()
	d.metrics.SetLinkCount(count)
}

// RemoveLink removes a link that closed or failed to send.
func (d *Dispatcher) RemoveLink(id string) {
	d.mu.Lock()
	delete(d.links, id)
	count := len(d.links)
	d.mu.Unlock()
	d.metrics.SetLinkCount(count)
}

// LinkCount returns the number of currently connected links.
func (d *Dispatcher) LinkCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.links)
}

// HandleFrame parses raw and dispatches it per spec §4.4's frame types.
func (d *Dispatcher) HandleFrame(l *Link, raw []byte) {
	var f schema.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.reply(l, &schema.Frame{Type: schema.FrameError, Error: "malformed frame"})
		return
	}

	l.Touch()

	switch f.Type {
	case schema.FrameLog, schema.FrameTrace:
		d.dispatchEvent(l, &f)
	case schema.FrameSubscribe:
		filters := schema.Filters{}
		if f.Filters != nil {
			filters = *f.Filters
		}
		l.Subscribe(f.Route, filters)
		d.reply(l, &schema.Frame{Type: schema.FrameStatus, Status: schema.StatusSubscribed})
	case schema.FrameUnsubscribe:
		l.Unsubscribe(f.Route)
		d.reply(l, &schema.Frame{Type: schema.FrameStatus, Status: schema.StatusUnsubscribed})
	case schema.FramePing:
		d.reply(l, &schema.Frame{Type: schema.FramePong})
	default:
		d.reply(l, &schema.Frame{Type: schema.FrameError, Error: "Unknown message type"})
	}
}

func (d *Dispatcher) dispatchEvent(l *Link, f *schema.Frame) {
	route := f.Route
	if route == "" {
		route = l.CurrentRoute()
	}
	if route == "" {
		route = "/"
	}

	rc, ok := MatchRoute(d.routes, route)
	if !ok {
		d.reply(l, &schema.Frame{Type: schema.FrameError, Error: "unknown route"})
		return
	}

	if f.Data != nil {
		if err := d.sink.Persist(rc, l.ID(), string(f.Type), f.Data); err != nil {
			d.log.Warn("persistence failed", zap.String("route", route), zap.Error(err))
		}
	}

	d.metrics.RecordMessage(string(f.Type))
	d.broadcast(route, f)
	d.reply(l, &schema.Frame{Type: schema.FrameStatus, Status: schema.StatusOK, ID: f.ID})
}

// broadcast fans f out to every link subscribed to route whose filters
// accept f.Data, concurrently, so one slow or broken subscriber cannot
// block delivery to the others (spec §5 "added").
func (d *Dispatcher) broadcast(route string, f *schema.Frame) {
	d.mu.RLock()
	targets := make([]*Link, 0, len(d.links))
	for _, l := range d.links {
		if filters, ok := l.AcceptsRoute(route); ok && matchesFilters(&filters, f.Data) {
			targets = append(targets, l)
		}
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	var failedMu sync.Mutex
	var failed []string
	for _, l := range targets {
		l := l
		g.Go(func() error {
			out := &schema.Frame{Type: f.Type, Data: f.Data, Route: route}
			if err := l.WriteFrame(websocket.TextMessage, out); err != nil {
				failedMu.Lock()
				failed = append(failed, l.ID())
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range failed {
		d.RemoveLink(id)
	}
}

func (d *Dispatcher) reply(l *Link, f *schema.Frame) {
	if err := l.WriteFrame(websocket.TextMessage, f); err != nil {
		d.log.Warn("link write failed", zap.String("link", l.ID()), zap.Error(err))
		d.RemoveLink(l.ID())
	}
}
