package supervisor

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/deskflow/deskhost/internal/model"
)

const (
	DefaultLogCapacity = 1000
	maxLineBytes       = 1 << 20
)

// LogBuffer keeps the most recent lines of a service output. When full the
// oldest line is evicted.
type LogBuffer struct {
	mu    sync.Mutex
	lines []model.LogLine
	head  int // index of the oldest line
	size  int
}

func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{lines: make([]model.LogLine, capacity)}
}

func (b *LogBuffer) Append(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := len(b.lines)
	if b.size < c {
		b.lines[(b.head+b.size)%c] = line
		b.size++
		return
	}
	b.lines[b.head] = line
	b.head = (b.head + 1) % c
}

// Lines returns up to n most recent lines in order, n <= 0 meaning all.
// A non empty correlationID keeps only lines containing it.
func (b *LogBuffer) Lines(n int, correlationID string) []model.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := len(b.lines)
	out := make([]model.LogLine, 0, b.size)
	for i := range b.size {
		line := b.lines[(b.head+i)%c]
		if correlationID != "" && !strings.Contains(line.Text, correlationID) {
			continue
		}
		out = append(out, line)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.lines)
	b.head = 0
	b.size = 0
}

// lineWriter splits a process output stream into lines. Each stream has
// a single reader goroutine calling Write.
type lineWriter struct {
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	rest := w.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimRight(string(rest[:i]), "\r"))
		rest = rest[i+1:]
	}
	if len(rest) > maxLineBytes {
		w.emit(string(rest))
		rest = nil
	}
	w.buf = append(w.buf[:0], rest...)
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(strings.TrimRight(string(w.buf), "\r"))
		w.buf = w.buf[:0]
	}
}

func logLine(now time.Time, stream model.LogStream, text string) model.LogLine {
	return model.LogLine{Time: now, Stream: stream, Text: text}
}
