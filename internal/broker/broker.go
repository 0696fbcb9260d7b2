// Package broker implements the fabric's central fan-out server: link
// acceptance, route-based frame dispatch, persistence, subscription
// filtering, and broadcast (spec §4.4).
package broker

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
)

// Broker composes the router, dispatcher, and heartbeat loop into a
// runnable server, matching the teacher's Server composition style
// (internal/server.Server).
type Broker struct {
	cfg        *config.Config
	log        *obslog.Logger
	metrics    *Metrics
	dispatcher *Dispatcher
	sink       *Sink
	httpServer *http.Server

	stopHeartbeat chan struct{}
}

// New creates a Broker from cfg. The caller owns cfg's lifetime.
func New(cfg *config.Config, log *obslog.Logger) *Broker {
	metrics := NewMetrics()
	sink := NewSink(log, cfg.Compression)
	dispatcher := NewDispatcher(cfg.Routes, sink, metrics, log)
	router := NewRouter(cfg, dispatcher, metrics, log)

	b := &Broker{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		dispatcher: dispatcher,
		sink:       sink,
		httpServer: &http.Server{Addr: cfg.Host + ":" + portString(cfg.Port), Handler: router},

		stopHeartbeat: make(chan struct{}),
	}
	return b
}

func portString(port int) string {
	if port <= 0 {
		return "9090"
	}
	return strconv.Itoa(port)
}

// Run starts the heartbeat loop and serves HTTP until the server is closed
// or a fatal listen error occurs.
func (b *Broker) Run() error {
	interval := time.Duration(b.cfg.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go b.dispatcher.heartbeat(interval, b.stopHeartbeat)

	b.log.Info("broker listening", zap.String("addr", b.httpServer.Addr))
	if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts down the HTTP server, stops the heartbeat loop,
// and flushes sink files.
func (b *Broker) Close() error {
	close(b.stopHeartbeat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpServer.Shutdown(ctx); err != nil {
		b.log.Warn("http shutdown error", zap.Error(err))
	}

	return b.sink.Close()
}
