// Package ringbuffer implements a bounded tail buffer for subprocess
// stdout/stderr lines (spec.md §4.4 step 5, §5 "two short-lived I/O
// reader threads drain subprocess stdout/stderr into bounded ring
// buffers"). container/ring is the exact-fit stdlib primitive here: a
// fixed-size circular list with O(1) advance-and-overwrite, which is
// all a "last N lines" tail needs. No example repo reaches for a
// dedicated ring-buffer library, and stdlib already expresses this
// precisely, so this is a deliberate stdlib choice rather than a gap.
package ringbuffer

import (
	"bufio"
	"container/ring"
	"io"
	"sync"
)

// Buffer holds the last N lines written to it, oldest overwritten
// first. Safe for concurrent use by one writer goroutine and one
// reader (Lines) at a time.
type Buffer struct {
	mu  sync.Mutex
	r   *ring.Ring
	cap int
}

// New constructs a Buffer retaining at most n lines.
func New(n int) *Buffer {
	if n <= 0 {
		n = 1
	}
	return &Buffer{r: ring.New(n), cap: n}
}

// Push appends one line, evicting the oldest if the buffer is full.
func (b *Buffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.r.Value = line
	b.r = b.r.Next()
}

// Lines returns the retained lines in chronological order (oldest
// first), skipping any ring slots that have never been written.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := make([]string, 0, b.cap)
	b.r.Do(func(v any) {
		if v == nil {
			return
		}
		lines = append(lines, v.(string))
	})
	return lines
}

// Drain reads newline-delimited text from r, pushing each line into b,
// until r is exhausted or produces an error. It is meant to run in its
// own goroutine draining a subprocess's stdout or stderr pipe so a
// chatty engine can never block the pipeline on a full pipe.
func Drain(r io.Reader, b *Buffer, mirror io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.Push(line)
		if mirror != nil {
			_, _ = io.WriteString(mirror, line+"\n")
		}
	}
	return scanner.Err()
}
