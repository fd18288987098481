package logbuf

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

const defaultMaxLine = 4000

// LineSplitter turns a byte stream into lines and hands each complete line
// to emit. A carriage return without a newline redraws the line, as
// progress bars do, so only the text after the last one is kept. Lines
// longer than MaxLine are clipped and the pending line never grows past
// it. It is safe for concurrent writers.
type LineSplitter struct {
	MaxLine int

	emit     func(string)
	mu       sync.Mutex
	partial  []byte
	overflow bool
}

// NewLineSplitter returns a splitter that calls emit once per line.
func NewLineSplitter(maxLine int, emit func(string)) *LineSplitter {
	return &LineSplitter{MaxLine: maxLine, emit: emit}
}

// Write implements io.Writer. It never fails.
func (s *LineSplitter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rest := p
	for len(rest) > 0 {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			s.appendPartial(rest)
			break
		}
		s.appendPartial(rest[:i])
		s.deliver()
		rest = rest[i+1:]
	}
	return len(p), nil
}

// Flush emits a pending partial line, if any.
func (s *LineSplitter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.deliver()
	}
}

func (s *LineSplitter) appendPartial(p []byte) {
	if s.overflow {
		return
	}
	s.partial = append(s.partial, p...)
	if s.MaxLine <= 0 || len(s.partial) <= s.MaxLine {
		return
	}
	// a trailing CR may be the first half of CRLF
	if j := bytes.LastIndexByte(s.partial[:len(s.partial)-1], '\r'); j >= 0 {
		s.partial = append(s.partial[:0], s.partial[j+1:]...)
	}
	if len(s.partial) > s.MaxLine {
		s.partial = s.partial[:s.MaxLine+1]
		s.overflow = true
	}
}

func (s *LineSplitter) deliver() {
	line := strings.TrimSuffix(string(s.partial), "\r")
	s.partial = s.partial[:0]
	s.overflow = false
	if j := strings.LastIndexByte(line, '\r'); j >= 0 {
		line = line[j+1:]
	}
	s.emit(Clip(line, s.MaxLine))
}

// Clip cuts s to at most n bytes on a rune boundary and marks the cut with
// an ellipsis. n <= 0 means no limit.
func Clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Writer appends the lines written to it to a Buffer under one stream name.
type Writer struct {
	*LineSplitter
}

// Writer returns an io.Writer appending complete lines to b.
func (b *Buffer) Writer(stream string) *Writer {
	return &Writer{NewLineSplitter(defaultMaxLine, func(line string) {
		b.Append(stream, line)
	})}
}
