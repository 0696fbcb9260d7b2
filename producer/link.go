package producer

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracefabric/tracefabric/schema"
)

// LinkState enumerates the producer-side link state machine (spec §4.5).
type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateGaveUp
	StateClosed
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGaveUp:
		return "gaveUp"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LinkConfig configures reconnect behavior.
type LinkConfig struct {
	URL        string
	MaxRetries int           // 0 disables the gaveUp terminal state
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 30s
	Dial       func(url string) (Conn, error)
}

// Conn is the minimal surface Link needs from a transport connection,
// satisfied by *websocket.Conn; narrowed for testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

func dialWebsocket(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Link manages one producer-side connection to the broker: it queues
// offered frames while not connected, drains them in order once
// connected, and reconnects with exponential backoff, bounded by
// MaxRetries after which it gives up terminally (spec §4.3/§4.5).
type Link struct {
	cfg LinkConfig

	mu         sync.Mutex
	state      LinkState
	attempts   int
	conn       Conn
	queue      [][]byte
	generation uint64
	closeTimer *time.Timer

	onFrame func(*schema.Frame)
	onState func(LinkState)
}

// NewLink creates a producer-side link in the disconnected state. Call
// Open to begin connecting. A nil/empty URL configures "serverless mode":
// Offer still succeeds but frames are fed only to local sinks, never
// queued (spec §4.3).
func NewLink(cfg LinkConfig) *Link {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}
	return &Link{cfg: cfg, state: StateDisconnected}
}

// Serverless reports whether this link has no broker URL configured.
func (l *Link) Serverless() bool {
	return l.cfg.URL == ""
}

// OnFrame registers a callback invoked for every frame read from the
// broker (broadcasts, acks).
func (l *Link) OnFrame(fn func(*schema.Frame)) { l.onFrame = fn }

// OnStateChange registers a callback invoked whenever the link transitions.
func (l *Link) OnStateChange(fn func(LinkState)) { l.onState = fn }

// State returns the current link state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Open begins connecting, or is a no-op in serverless mode.
func (l *Link) Open() {
	if l.Serverless() {
		return
	}
	l.mu.Lock()
	if l.state == StateClosed || l.state == StateConnecting || l.state == StateConnected {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	go l.connectLoop()
}

func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	if l.onState != nil {
		l.onState(s)
	}
}

func (l *Link) connectLoop() {
	l.setState(StateConnecting)
	conn, err := l.cfg.Dial(l.cfg.URL)
	l.mu.Lock()
	if err != nil {
		l.attempts++
		attempts := l.attempts
		l.mu.Unlock()

		if l.cfg.MaxRetries > 0 && attempts >= l.cfg.MaxRetries {
			l.setState(StateGaveUp)
			return
		}
		l.setState(StateDisconnected)
		l.scheduleReconnect(attempts - 1)
		return
	}
	l.conn = conn
	l.attempts = 0
	l.generation++
	gen := l.generation
	pending := l.queue
	l.queue = nil
	// Drain while still holding mu so that an Offer racing with the
	// transition to connected cannot write ahead of the queued frames.
	l.state = StateConnected
	var drainErr error
	for _, raw := range pending {
		if drainErr = conn.WriteMessage(websocket.TextMessage, raw); drainErr != nil {
			break
		}
	}
	l.mu.Unlock()

	if l.onState != nil {
		l.onState(StateConnected)
	}
	if drainErr != nil {
		l.handleDisconnect(gen)
		return
	}

	go l.readLoop(conn, gen)
}

// scheduleReconnect schedules a reconnect attempt after
// min(BaseDelay*2^attempts, MaxDelay), per spec §4.3/§8 scenario 4.
func (l *Link) scheduleReconnect(attempts int) {
	delay := backoffDelay(l.cfg.BaseDelay, l.cfg.MaxDelay, attempts)
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	l.closeTimer = time.AfterFunc(delay, l.connectLoop)
	l.mu.Unlock()
}

func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (l *Link) readLoop(conn Conn, gen uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			l.handleDisconnect(gen)
			return
		}
		var f schema.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		if l.onFrame != nil {
			l.onFrame(&f)
		}
	}
}

func (l *Link) handleDisconnect(gen uint64) {
	l.mu.Lock()
	if l.generation != gen || l.state == StateClosed {
		l.mu.Unlock()
		return
	}
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()

	l.setState(StateDisconnected)
	l.mu.Lock()
	attempts := l.attempts
	l.mu.Unlock()
	l.scheduleReconnect(attempts)
}

// ErrGaveUp is surfaced by Offer once the link has exhausted its retries.
var ErrGaveUp = errors.New("link: gave up reconnecting")

// Offer enqueues a frame for delivery. While not connected, frames are
// appended to an unbounded FIFO (producer's risk, spec §4.3); once
// connected, the queue drains before newly offered frames. In serverless
// mode the frame is dropped immediately, returning nil (not an error),
// since local sinks are fed independently by the caller.
func (l *Link) Offer(f *schema.Frame) error {
	if l.Serverless() {
		return nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateGaveUp {
		return ErrGaveUp
	}
	if l.state == StateConnected && l.conn != nil {
		if err := l.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			l.queue = append(l.queue, raw)
			return nil
		}
		return nil
	}
	l.queue = append(l.queue, raw)
	return nil
}

// Close cancels the reconnect timer and any pending send; queued frames
// are lost (documented, spec §9 "Terminal link close").
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closeTimer != nil {
		l.closeTimer.Stop()
	}
	conn := l.conn
	l.conn = nil
	l.queue = nil
	l.state = StateClosed
	l.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
