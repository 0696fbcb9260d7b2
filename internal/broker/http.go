package broker

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tracefabric/tracefabric/internal/broker/middleware"
	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
	"github.com/tracefabric/tracefabric/schema"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler wires the broker's HTTP surface: link upgrade plus operational
// status endpoints (spec §6 "added").
type Handler struct {
	dispatcher *Dispatcher
	metrics    *Metrics
	log        *obslog.Logger
}

// NewRouter builds the gin.Engine serving the broker's HTTP surface,
// matching the teacher's router + CORS + per-manager composition style
// (internal/server.Server).
func NewRouter(cfg *config.Config, dispatcher *Dispatcher, metrics *Metrics, log *obslog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RateLimit(cfg.RateLimit))

	h := &Handler{dispatcher: dispatcher, metrics: metrics, log: log}

	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	router.GET("/ws", h.HandleConnection)

	return router
}

// Health reports broker liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Stats returns the JSON snapshot of broker operational stats (spec §4.4
// "Stats").
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot(h.dispatcher.LinkCount()))
}

// HandleConnection upgrades an HTTP request to a link and reads frames
// until the connection closes (spec §4.4 "Link acceptance").
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	l := NewLink(conn)
	h.dispatcher.AddLink(l)
	h.log.Info("link connected", zap.String("link", l.ID()))

	statusFrame := connectedStatusFrame(l)
	if err := l.WriteFrame(websocket.TextMessage, statusFrame); err != nil {
		h.dispatcher.RemoveLink(l.ID())
		conn.Close()
		return
	}

	defer func() {
		h.dispatcher.RemoveLink(l.ID())
		conn.Close()
		h.log.Info("link closed", zap.String("link", l.ID()))
	}()

	for {
		_, raw, err := l.ReadMessage()
		if err != nil {
			return
		}
		h.dispatcher.HandleFrame(l, raw)
	}
}

func connectedStatusFrame(l *Link) *schema.Frame {
	return &schema.Frame{
		Type:   schema.FrameStatus,
		Status: schema.StatusConnected,
		Extra: map[string]interface{}{
			"linkId":     l.ID(),
			"serverTime": time.Now().Format(time.RFC3339),
		},
	}
}
