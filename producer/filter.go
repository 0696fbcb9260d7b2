package producer

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/tracefabric/tracefabric/pattern"
	"github.com/tracefabric/tracefabric/schema"
)

// passesFilter implements the producer-side evaluation order from spec
// §4.1: disabled trace events drop first, then maxTraceLevel, then
// include-wins, then exclude.
func (p *Producer) passesFilter(nestingLevel int, isTrace bool, include, exclude []string, message string) bool {
	if !p.enabled.Load() && isTrace {
		return false
	}
	if max := p.maxTraceLevel; max >= 0 && nestingLevel > max {
		return false
	}

	inc := pattern.Compile(include)
	if !inc.Empty() {
		return inc.MatchAny(message)
	}

	exc := pattern.Compile(exclude)
	return !exc.MatchAny(message)
}

// captureStack renders up to n call-site frames above the caller of the
// function that invoked captureStack (skip additionally hides this helper
// and its direct caller).
func captureStack(skip, n int) string {
	if n <= 0 {
		return ""
	}
	pcs := make([]uintptr, n)
	written := runtime.Callers(skip+2, pcs)
	if written == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:written])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "  %s\n    %s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// enrichError appends a captured stack to an error-level event's message,
// per spec §4.1 ("Error enrichment").
func (p *Producer) enrichError(ev *schema.Event) {
	if ev.Level != schema.LevelError || p.errorStackDepth <= 0 {
		return
	}
	stack := captureStack(2, p.errorStackDepth)
	if stack == "" {
		return
	}
	ev.Message = ev.Message + fmt.Sprintf("\nStack (top %d):\n%s", p.errorStackDepth, stack)
	ev.Stack = stack
}
