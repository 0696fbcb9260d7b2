package broker

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker's Prometheus collectors and the rolling counters
// backing its JSON /stats snapshot (spec §4.4 "Stats"). Each Metrics owns a
// private registry so multiple instances (e.g. one per test) can coexist
// without colliding on promauto's default global registerer.
type Metrics struct {
	Registry      *prometheus.Registry
	messagesTotal *prometheus.CounterVec
	linksActive   prometheus.Gauge
	uptime        prometheus.Gauge
	memAlloc      prometheus.Gauge

	startTime time.Time

	mu            sync.Mutex
	totalMessages uint64
	buckets       [60]int64 // per-second message counts, ring buffer
	bucketSecond  int64
}

// Snapshot is the JSON-serializable view returned by GET /stats.
type Snapshot struct {
	UptimeSeconds   float64 `json:"uptimeSeconds"`
	LinkCount       int     `json:"linkCount"`
	TotalMessages   uint64  `json:"totalMessages"`
	RatePerSecond   float64 `json:"ratePerSecond"`
	MemAllocBytes   uint64  `json:"memAllocBytes"`
}

// NewMetrics registers the broker's Prometheus collectors and starts the
// background uptime/memory updater.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		Registry:  reg,
		startTime: time.Now(),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fabricbroker_messages_total",
				Help: "Total number of frames dispatched by the broker",
			},
			[]string{"type"},
		),
		linksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabricbroker_links_active",
				Help: "Number of currently connected links",
			},
		),
		uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabricbroker_uptime_seconds",
				Help: "Broker uptime in seconds",
			},
		),
		memAlloc: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "fabricbroker_mem_alloc_bytes",
				Help: "Bytes of allocated heap memory",
			},
		),
	}
	go m.updateGauges()
	return m
}

func (m *Metrics) updateGauges() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var ms runtime.MemStats
	for range ticker.C {
		m.uptime.Set(time.Since(m.startTime).Seconds())
		runtime.ReadMemStats(&ms)
		m.memAlloc.Set(float64(ms.Alloc))
	}
}

// RecordMessage records one dispatched frame of the given type.
func (m *Metrics) RecordMessage(frameType string) {
	m.messagesTotal.WithLabelValues(frameType).Inc()

	now := time.Now().Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMessages++
	idx := now % 60
	if m.bucketSecond != now {
		// Clear every second elapsed since the last recorded bucket so
		// stale counts don't linger in the 60-second window.
		gap := now - m.bucketSecond
		if gap > 60 {
			gap = 60
		}
		for i := int64(0); i < gap; i++ {
			m.buckets[(m.bucketSecond+i+1)%60] = 0
		}
		m.bucketSecond = now
	}
	m.buckets[idx]++
}

// SetLinkCount updates the active link gauge.
func (m *Metrics) SetLinkCount(n int) {
	m.linksActive.Set(float64(n))
}

// Snapshot returns the current JSON stats view, including the rolling
// 60-second message rate.
func (m *Metrics) Snapshot(linkCount int) Snapshot {
	now := time.Now().Unix()
	m.mu.Lock()
	// Only buckets for the last 60 seconds count; buckets for seconds after
	// the last recorded one still hold counts from an older minute.
	var sum int64
	gap := now - m.bucketSecond
	for i := int64(0); i < 60 && i+gap < 60; i++ {
		sum += m.buckets[((m.bucketSecond-i)%60+60)%60]
	}
	total := m.totalMessages
	m.mu.Unlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Snapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		LinkCount:     linkCount,
		TotalMessages: total,
		RatePerSecond: float64(sum) / 60.0,
		MemAllocBytes: ms.Alloc,
	}
}
