package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/tracefabric/tracefabric/internal/config"
	"github.com/tracefabric/tracefabric/internal/obslog"
	"github.com/tracefabric/tracefabric/internal/resilience"
	"github.com/tracefabric/tracefabric/schema"
)

// record is the on-disk shape written by a route's sink, its fields
// determined by the route's capture mode (spec §4.4 "Persistence").
type record struct {
	Timestamp time.Time    `json:"timestamp"`
	ClientID  string       `json:"clientId,omitempty"`
	Route     string       `json:"route,omitempty"`
	Type      string       `json:"type,omitempty"`
	Data      *schema.Event `json:"data"`
}

func buildRecord(capture config.CaptureMode, clientID, route, typ string, ev *schema.Event) interface{} {
	switch capture {
	case config.CaptureBodyOnly:
		return ev
	case config.CapturePayloadOnly:
		return struct {
			Timestamp time.Time     `json:"timestamp"`
			Data      *schema.Event `json:"data"`
		}{Timestamp: time.Now(), Data: ev}
	default: // full
		return record{Timestamp: time.Now(), ClientID: clientID, Route: route, Type: typ, Data: ev}
	}
}

// fileHandle lazily opens (and optionally gzip-wraps) a persisted sink
// file, guarded by a circuit breaker so a stuck disk degrades to
// logged-and-dropped writes rather than blocking dispatch (spec §7 "Sink
// I/O failure").
type fileHandle struct {
	mu      sync.Mutex
	path    string
	gzipped bool
	f       *os.File
	gz      *gzip.Writer
	breaker *resilience.Breaker
	log     *obslog.Logger
}

func newFileHandle(path string, gzipped bool, log *obslog.Logger) *fileHandle {
	return &fileHandle{
		path:    path,
		gzipped: gzipped,
		log:     log,
		breaker: resilience.New("sink:"+path, resilience.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (h *fileHandle) ensureOpen() error {
	if h.f != nil {
		return nil
	}
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.f = f
	if h.gzipped {
		h.gz = gzip.NewWriter(f)
	}
	return nil
}

func (h *fileHandle) write(line []byte) error {
	_, err := h.breaker.Execute(func() (interface{}, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if err := h.ensureOpen(); err != nil {
			return nil, err
		}
		if h.gzipped {
			if _, err := h.gz.Write(line); err != nil {
				return nil, err
			}
			return nil, h.gz.Flush()
		}
		_, err := h.f.Write(line)
		return nil, err
	})
	if err != nil && h.log != nil {
		h.log.Warn("sink write failed", zap.String("path", h.path), zap.Error(err))
	}
	return err
}

func (h *fileHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var err error
	if h.gz != nil {
		err = h.gz.Close()
	}
	if h.f != nil {
		if cerr := h.f.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Sink persists dispatched events per the broker's route configuration.
type Sink struct {
	mu      sync.Mutex
	files   map[string]*fileHandle
	log     *obslog.Logger
	gzipped bool
}

// NewSink creates a broker persistence sink. gzipped enables gzip
// compression of file-backed routes (the config surface's "compression"
// field, spec §9).
func NewSink(log *obslog.Logger, gzipped bool) *Sink {
	return &Sink{files: make(map[string]*fileHandle), log: log, gzipped: gzipped}
}

// Persist writes one record for ev according to route's capture mode and
// output destination.
func (s *Sink) Persist(route config.Route, clientID, frameType string, ev *schema.Event) error {
	rec := buildRecord(route.Capture, clientID, route.RoutePrefix, frameType, ev)
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if route.Output == "console" || route.Output == "" {
		fmt.Print(string(line))
		return nil
	}

	return s.handleFor(route.Output).write(line)
}

func (s *Sink) handleFor(path string) *fileHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.files[path]
	if !ok {
		h = newFileHandle(path, s.gzipped, s.log)
		s.files[path] = h
	}
	return h
}

// Close flushes and closes every opened file sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, h := range s.files {
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
