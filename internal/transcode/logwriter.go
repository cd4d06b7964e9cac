package transcode

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

const tailLines = 8

// lineLogger forwards process output to a logger one line at a time and
// remembers the last few lines for error reports.
type lineLogger struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
	tail    []string
}

func newLineLogger(logger *slog.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx == -1 {
			w.partial = append(w.partial, p...)
			break
		}
		line := append(w.partial, p[:idx]...)
		w.partial = nil
		p = p[idx+1:]
		w.emit(line)
	}
	return total, nil
}

// Flush logs any trailing output that was not newline terminated.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

// Tail returns the most recent lines joined with "; ".
func (w *lineLogger) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(w.tail, "; ")
}

func (w *lineLogger) emit(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	w.logger.Debug(line, "stream", w.stream)
	if len(w.tail) == tailLines {
		w.tail = append(w.tail[:0], w.tail[1:]...)
	}
	w.tail = append(w.tail, line)
}
