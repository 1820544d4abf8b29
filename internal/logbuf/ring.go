// Package logbuf keeps the tail of a worker's diagnostic output in memory so
// it can be attached to transport failures.
package logbuf

import (
	"bytes"
	"sync"
)

// MaxLineLength caps a stored line; longer lines are cut and marked.
const MaxLineLength = 4096

const truncatedMarker = " …[truncated]"

// Ring is a thread-safe ring buffer that stores the last N lines of output.
// It implements io.Writer so it can be used as stderr for a process.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	written int64
	// partial holds an incomplete line (no trailing newline yet)
	partial []byte
}

// New creates a ring buffer that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines: make([]string, n),
		size:  n,
	}
}

// Write implements io.Writer. Splits input on newlines and stores each line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.written += int64(len(p))
	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) > MaxLineLength {
				// Flush an oversized line instead of growing without bound
				r.addLine(r.partial)
				r.partial = r.partial[:0]
			}
			break
		}
		line := data[:i]
		if len(r.partial) > 0 {
			line = append(r.partial, line...)
			r.partial = r.partial[:0]
		}
		r.addLine(bytes.TrimRight(line, "\r"))
		data = data[i+1:]
	}

	return len(p), nil
}

func (r *Ring) addLine(line []byte) {
	s := string(line)
	if len(s) > MaxLineLength {
		s = s[:MaxLineLength] + truncatedMarker
	}
	r.lines[r.pos] = s
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Lines returns all stored lines in order, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		result := make([]string, r.pos)
		copy(result, r.lines[:r.pos])
		return result
	}

	result := make([]string, r.size)
	copy(result, r.lines[r.pos:])
	copy(result[r.size-r.pos:], r.lines[:r.pos])
	return result
}

// Last returns the last n lines. If fewer lines exist, returns all of them.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	if n <= 0 {
		return nil
	}
	return all[len(all)-n:]
}

// Len returns the number of lines currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Written returns the total number of bytes ever written.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
