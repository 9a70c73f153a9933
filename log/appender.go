package log

import (
	"io"
	"os"
	"sync"
)

// LogAppender is an output destination for formatted log lines.
// Implementations must be safe for concurrent use.
type LogAppender interface {
	// Write outputs one formatted log line.
	Write(buf []byte) (n int, err error)
	// Refresh flushes buffered output, if any.
	Refresh() error
	// Close flushes and releases the destination.
	Close() error
}

// ConsoleAppender writes log lines to stdout without buffering.
type ConsoleAppender struct{}

// NewConsoleAppender creates a ConsoleAppender.
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (ca *ConsoleAppender) Write(buf []byte) (int, error) {
	return os.Stdout.Write(buf)
}

func (ca *ConsoleAppender) Refresh() error { return nil }

func (ca *ConsoleAppender) Close() error { return nil }

// WriterAppender writes log lines to an arbitrary io.Writer, serializing writes.
// It is used for files opened by the host process and for capturing output in tests.
type WriterAppender struct {
	lock sync.Mutex
	w    io.Writer
}

// NewWriterAppender wraps w.
func NewWriterAppender(w io.Writer) *WriterAppender {
	return &WriterAppender{w: w}
}

func (wa *WriterAppender) Write(buf []byte) (int, error) {
	wa.lock.Lock()
	defer wa.lock.Unlock()
	return wa.w.Write(buf)
}

// Refresh calls Sync on the underlying writer when it has one.
func (wa *WriterAppender) Refresh() error {
	wa.lock.Lock()
	defer wa.lock.Unlock()
	if s, ok := wa.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Close closes the underlying writer when it is an io.Closer.
func (wa *WriterAppender) Close() error {
	wa.lock.Lock()
	defer wa.lock.Unlock()
	if c, ok := wa.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
