package producer

import (
	"fmt"
	"strings"
)

// formatArgs renders entry arguments for the ">>> Call name args" message.
func formatArgs(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return " " + strings.Join(parts, ", ")
}

// formatReturn renders an exit's return value for the "<<< Exit name
// value" message. A nil return value renders no suffix at all, matching
// spec scenario 1 where a bare traceExit produces "<<< Exit a".
func formatReturn(rv interface{}) string {
	if rv == nil {
		return ""
	}
	return " " + fmt.Sprint(rv)
}
