package producer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tracefabric/tracefabric/schema"
)

// Sink is a local destination for a rendered event line (spec §4.2): the
// file sink or the console sink. Both are independent of the link.
type Sink interface {
	Write(ev *schema.Event)
	Close() error
}

// RenderLine formats an event to the bit-exact line format required for
// test determinism (spec §4.2/§6):
//
//	[HH.MM.SS.mmm] <pipes><message>
//
// where pipes is "|" repeated nestingLevel times. Trace messages (entry/
// exit) are written as-is; plain logs at nestingLevel>0 get a single
// leading space so nested logs render as children of their frame.
func RenderLine(ev *schema.Event) string {
	ts := ev.Timestamp.Format("15.04.05.000")
	pipes := strings.Repeat("|", ev.NestingLevel)

	message := ev.Message
	if ev.Type == schema.EventLog && ev.NestingLevel > 0 {
		message = " " + message
	}

	return fmt.Sprintf("[%s] %s%s", ts, pipes, message)
}

// ConsoleSink writes rendered lines to the process's diagnostic stream,
// prefixed with a tag marker, mirroring the teacher's console logger.
type ConsoleSink struct {
	tag string
	out io.Writer
	mu  sync.Mutex
}

// NewConsoleSink creates a console sink writing to os.Stderr with the
// given tag marker (e.g. "[TRACE]").
func NewConsoleSink(tag string) *ConsoleSink {
	return &ConsoleSink{tag: tag, out: os.Stderr}
}

// newConsoleSinkTo creates a console sink writing to an arbitrary writer,
// used by tests to capture rendered output.
func newConsoleSinkTo(tag string, w io.Writer) *ConsoleSink {
	return &ConsoleSink{tag: tag, out: w}
}

func (s *ConsoleSink) Write(ev *schema.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s %s\n", s.tag, RenderLine(ev))
}

func (s *ConsoleSink) Close() error { return nil }

// FileSink appends rendered lines to a configured file, creating the
// parent directory on first write if absent.
type FileSink struct {
	path     string
	truncate bool
	mu       sync.Mutex
	f        *os.File
}

// NewFileSink creates a file sink. The file and its parent directory are
// created lazily on the first write; truncate controls whether an
// existing file is cleared on open.
func NewFileSink(path string, truncate bool) *FileSink {
	return &FileSink{path: path, truncate: truncate}
}

func (s *FileSink) ensureOpen() error {
	if s.f != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if s.truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *FileSink) Write(ev *schema.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return
	}
	fmt.Fprintln(s.f, RenderLine(ev))
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
