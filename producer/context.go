package producer

import (
	"context"
	"sync"
	"time"
)

// frame is one entry in a Context's function stack (spec §3 TraceContext).
type frame struct {
	functionName string
	startTime    time.Time
	level        int
}

// Context is the producer-private record described in spec §3: nesting
// depth, function stack, source identity, and filter patterns for one
// logical task. It is never serialized.
type Context struct {
	mu              sync.Mutex
	threadID        uint64
	nestingLevel    int
	functionStack   []frame
	source          string
	includePatterns []string
	excludePatterns []string
}

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// fromContext extracts the *Context attached by RunInScope, if any.
func fromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(ctxKey).(*Context)
	return c, ok
}

// withContext returns a derived context.Context carrying c.
func withContext(parent context.Context, c *Context) context.Context {
	return context.WithValue(parent, ctxKey, c)
}

// clone produces an independent overlay derived from c: same threadID,
// same nestingLevel and function stack depth (inherited), but its own
// mutex and a defensive copy of the stack slice so that concurrent sibling
// scopes never share backing arrays.
func (c *Context) clone(source string, include, exclude []string) *Context {
	c.mu.Lock()
	stack := make([]frame, len(c.functionStack))
	copy(stack, c.functionStack)
	child := &Context{
		threadID:        c.threadID,
		nestingLevel:    c.nestingLevel,
		functionStack:   stack,
		source:          c.source,
		includePatterns: c.includePatterns,
		excludePatterns: c.excludePatterns,
	}
	c.mu.Unlock()

	if source != "" {
		child.source = source
	}
	if include != nil {
		child.includePatterns = include
	}
	if exclude != nil {
		child.excludePatterns = exclude
	}
	return child
}

func (c *Context) currentLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nestingLevel
}

func (c *Context) stackDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.functionStack)
}

// pushFrame increments nestingLevel and pushes a new stack frame, returning
// the nesting level the entry event should carry.
func (c *Context) pushFrame(name string) (enteredLevel int, startTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nestingLevel++
	startTime = time.Now()
	c.functionStack = append(c.functionStack, frame{functionName: name, startTime: startTime, level: c.nestingLevel})
	return c.nestingLevel, startTime
}

// popFrame pops the top frame (LIFO), returning whether the popped frame's
// name matched what the caller expected and the frame's start time. The
// nesting level is decremented (saturating at 0) by the caller only after
// the exit event has been built, per the exit-then-decrement ordering
// invariant (spec §9).
func (c *Context) popFrame(expectedName string) (matched bool, startTime time.Time, levelAtExit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.functionStack)
	if n == 0 {
		return false, time.Now(), c.nestingLevel
	}
	top := c.functionStack[n-1]
	c.functionStack = c.functionStack[:n-1]
	return top.functionName == expectedName, top.startTime, c.nestingLevel
}

// decrementLevel saturates nestingLevel at 0 after an exit event has been
// emitted.
func (c *Context) decrementLevel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nestingLevel > 0 {
		c.nestingLevel--
	}
}

func (c *Context) snapshotFilters() (source string, include, exclude []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source, c.includePatterns, c.excludePatterns
}
