package media

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// logWriter turns engine output into debug log records, one per line, and
// optionally keeps the last few lines for error reporting.
type logWriter struct {
	logger *slog.Logger
	stream string

	mu      sync.Mutex
	partial []byte
	keep    int
	tail    []string
}

func newLogWriter(logger *slog.Logger, stream string, keep int) *logWriter {
	return &logWriter{logger: logger, stream: stream, keep: keep}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.emit(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	if w.logger != nil {
		w.logger.Debug(text, "stream", w.stream)
	}
	if w.keep <= 0 {
		return
	}
	w.tail = append(w.tail, text)
	if len(w.tail) > w.keep {
		w.tail = w.tail[len(w.tail)-w.keep:]
	}
}

// Tail flushes any unterminated line and returns the retained lines.
func (w *logWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
	return strings.Join(w.tail, " | ")
}
