// Package producer implements the producer side of the fabric (spec §4.1–
// §4.3): a per-scope trace context engine, local file/console sinks, and
// the reconnecting link transport to the broker.
package producer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tracefabric/tracefabric/internal/shared/id"
	"github.com/tracefabric/tracefabric/schema"
)

// Config configures a Producer.
type Config struct {
	Source          string // producer identity, e.g. hostname
	Enabled         bool   // tracing enabled (spec §4.1 filter step 1)
	MaxTraceLevel   int    // -1 disables the cap
	ErrorStackDepth int    // frames captured for level=error events
	Route           string // default route stamped on outbound frames
	Link            LinkConfig
	Sinks           []Sink
}

// Producer is one producer-side instance: one per application process (or
// browser page, in the original system). It owns the trace context
// engine, local sinks, and the link to the broker.
type Producer struct {
	source          string
	enabled         atomic.Bool
	maxTraceLevel   int
	errorStackDepth int
	route           string

	threadSeq atomic.Uint64

	mode           atomic.Bool // true = interactive
	interactiveCtx atomic.Pointer[Context]
	fallbackCtx    atomic.Pointer[Context]

	sinks []Sink
	link  *Link
}

// New creates a Producer. If cfg.Link.URL is empty the producer runs in
// serverless mode (spec §4.3): emissions still reach local sinks but are
// never queued for delivery.
func New(cfg Config) *Producer {
	if cfg.MaxTraceLevel == 0 {
		cfg.MaxTraceLevel = -1
	}
	p := &Producer{
		source:          cfg.Source,
		maxTraceLevel:   cfg.MaxTraceLevel,
		errorStackDepth: cfg.ErrorStackDepth,
		route:           cfg.Route,
		sinks:           cfg.Sinks,
		link:            NewLink(cfg.Link),
	}
	p.enabled.Store(cfg.Enabled)
	p.link.Open()
	return p
}

// EnableInteractive switches to interactive mode: a single persistent
// context replaces scoped contexts (spec §4.1).
func (p *Producer) EnableInteractive() {
	if p.interactiveCtx.Load() == nil {
		p.interactiveCtx.Store(p.newContext())
	}
	p.mode.Store(true)
}

// DisableInteractive returns to scoped mode.
func (p *Producer) DisableInteractive() {
	p.mode.Store(false)
}

// ResetContext discards the current context: in interactive mode, a fresh
// persistent context is installed; in scoped mode, the lazily-created
// fallback context is cleared so the next operation allocates anew.
func (p *Producer) ResetContext() {
	if p.mode.Load() {
		p.interactiveCtx.Store(p.newContext())
		return
	}
	p.fallbackCtx.Store(nil)
}

func (p *Producer) newContext() *Context {
	return &Context{threadID: p.threadSeq.Add(1), source: p.source}
}

// resolve implements the context resolution order from spec §4.1: if
// interactive, use the persistent context; else the scope-attached
// context carried on ctx; else a lazily-created fallback context.
func (p *Producer) resolve(ctx context.Context) *Context {
	if p.mode.Load() {
		if c := p.interactiveCtx.Load(); c != nil {
			return c
		}
		c := p.newContext()
		p.interactiveCtx.Store(c)
		return c
	}
	if c, ok := fromContext(ctx); ok {
		return c
	}
	if c := p.fallbackCtx.Load(); c != nil {
		return c
	}
	c := p.newContext()
	p.fallbackCtx.Store(c)
	return c
}

// RunInScope pushes a context overlay, runs fn with a derived
// context.Context carrying it, and pops on every exit path (spec §4.1).
// Nested calls inherit and overlay: nesting level and function stack
// depth are inherited; source is overridden only when non-empty, and
// include/exclude only when non-nil. A top-level call (no existing scope on ctx) allocates a new
// thread ID; a nested call keeps the enclosing scope's thread ID.
func (p *Producer) RunInScope(ctx context.Context, source string, include, exclude []string, fn func(context.Context) error) error {
	base := p.resolve(ctx)
	_, hadScope := fromContext(ctx)

	child := base.clone(source, include, exclude)
	if !hadScope && !p.mode.Load() {
		child.threadID = p.threadSeq.Add(1)
	}

	return fn(withContext(ctx, child))
}

// TraceInfo is a snapshot returned by GetTraceInfo.
type TraceInfo struct {
	ThreadID      uint64
	NestingLevel  int
	StackDepth    int
	Interactive   bool
	TracingActive bool
}

// GetTraceInfo exposes the resolved context's current state.
func (p *Producer) GetTraceInfo(ctx context.Context) TraceInfo {
	c := p.resolve(ctx)
	return TraceInfo{
		ThreadID:      c.threadID,
		NestingLevel:  c.currentLevel(),
		StackDepth:    c.stackDepth(),
		Interactive:   p.mode.Load(),
		TracingActive: p.enabled.Load(),
	}
}

// TraceEntry emits an entry event for name and returns the context the
// matching TraceExit must be called with (spec §4.1).
func (p *Producer) TraceEntry(ctx context.Context, name string, args []interface{}) context.Context {
	c := p.resolve(ctx)
	level, _ := c.pushFrame(name)

	ev := p.buildEvent(c, schema.EventTrace, schema.LevelInfo, level, entryMessage(name, args))
	ev.Kind = schema.KindEntry
	ev.FunctionName = name
	ev.Args = args

	p.emit(ctx, c, ev)

	if _, ok := fromContext(ctx); ok {
		return ctx
	}
	return withContext(ctx, c)
}

func entryMessage(name string, args []interface{}) string {
	msg := ">>> Call " + name
	if len(args) > 0 {
		msg += formatArgs(args)
	}
	return msg
}

// TraceExit emits the exit event matching name, decrementing nesting level
// only after the event is built (spec §9 "Exit-then-decrement ordering").
func (p *Producer) TraceExit(ctx context.Context, name string, returnValue interface{}, traceErr error) {
	c := p.resolve(ctx)
	matched, startTime, levelAtExit := c.popFrame(name)

	msg := exitMessage(name, returnValue, traceErr)
	if !matched {
		msg += " [MISMATCH: exit did not match top of function stack]"
	}

	ev := p.buildEvent(c, schema.EventTrace, schema.LevelInfo, levelAtExit, msg)
	ev.Kind = schema.KindExit
	ev.FunctionName = name
	ev.ReturnValue = returnValue
	if traceErr != nil {
		ev.Level = schema.LevelError
	}
	elapsed := time.Since(startTime).Milliseconds()
	ev.ExecutionTimeMS = &elapsed
	p.enrichError(ev)

	p.emit(ctx, c, ev)

	c.decrementLevel()
}

func exitMessage(name string, returnValue interface{}, traceErr error) string {
	if traceErr != nil {
		return "<<< Exit " + name + " ERROR"
	}
	return "<<< Exit " + name + formatReturn(returnValue)
}

// Log emits a plain log event. When the resolved context has an active
// function stack, the event is a child of the current frame
// (nestingLevel = ctx.nestingLevel + 1); otherwise it carries the
// context's own nesting level (spec §4.1).
func (p *Producer) Log(ctx context.Context, level schema.Level, message string, data interface{}) {
	c := p.resolve(ctx)
	depth := c.stackDepth()
	nesting := c.currentLevel()
	if depth > 0 {
		nesting++
	}

	ev := p.buildEvent(c, schema.EventLog, level, nesting, message)
	ev.Kind = schema.KindLog
	if level == schema.LevelError {
		ev.Kind = schema.KindError
	}
	ev.Data = schema.SanitizeData(data)
	p.enrichError(ev)

	p.emit(ctx, c, ev)
}

// Exec wraps fn with TraceEntry/TraceExit, matching Go's synchronous call
// semantics (the spec's distinction between sync and chained-async return
// collapses here: an explicit goroutine, if the caller needs one, carries
// its own derived context via RunInScope).
func (p *Producer) Exec(ctx context.Context, name string, args []interface{}, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	scoped := p.TraceEntry(ctx, name, args)
	result, err := fn(scoped)
	p.TraceExit(scoped, name, result, err)
	return result, err
}

// Wrap returns a callable that runs fn through Exec under name.
func Wrap[T any](p *Producer, name string, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		result, err := p.Exec(ctx, name, nil, func(ctx context.Context) (interface{}, error) {
			return fn(ctx)
		})
		typed, _ := result.(T)
		return typed, err
	}
}

func (p *Producer) buildEvent(c *Context, typ schema.EventType, level schema.Level, nesting int, message string) *schema.Event {
	source, _, _ := c.snapshotFilters()
	if source == "" {
		source = p.source
	}
	return &schema.Event{
		ID:           string(id.NewEventID()),
		Type:         typ,
		Timestamp:    time.Now(),
		Level:        level,
		Message:      message,
		Source:       source,
		ThreadID:     c.threadID,
		NestingLevel: nesting,
	}
}

// emit runs the filter chain, writes to local sinks, and offers the event
// to the link as a frame.
func (p *Producer) emit(ctx context.Context, c *Context, ev *schema.Event) {
	_, include, exclude := c.snapshotFilters()
	if !p.passesFilter(ev.NestingLevel, ev.IsTrace(), include, exclude, ev.Message) {
		return
	}

	for _, s := range p.sinks {
		s.Write(ev)
	}

	frameType := schema.FrameLog
	if ev.IsTrace() {
		frameType = schema.FrameTrace
	}
	_ = p.link.Offer(&schema.Frame{Type: frameType, ID: ev.ID, Route: p.route, Data: ev})
}

// Close shuts down the link and flushes/closes local sinks.
func (p *Producer) Close() error {
	var firstErr error
	if err := p.link.Close(); err != nil {
		firstErr = err
	}
	for _, s := range p.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
