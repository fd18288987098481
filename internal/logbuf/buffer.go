// Package logbuf holds bounded, append-only line buffers for captured
// subprocess output.
package logbuf

import (
	"strings"
	"sync"
	"time"
)

// Stream names for captured output.
const (
	Stdout = "stdout"
	Stderr = "stderr"
	System = "system"
)

// Line is one captured output line. Seq increases monotonically for the
// lifetime of the buffer, including across Reset.
type Line struct {
	Seq    uint64    `json:"seq"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Buffer retains the most recent lines up to a fixed capacity.
type Buffer struct {
	mu    sync.Mutex
	ring  []Line
	start int
	count int
	seq   uint64

	subs    map[int]chan Line
	nextSub int

	now func() time.Time
}

// New creates a buffer holding at most capacity lines.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		ring: make([]Line, capacity),
		subs: make(map[int]chan Line),
		now:  time.Now,
	}
}

// Append adds a line, evicting the oldest when full, and fans it out to
// subscribers without blocking.
func (b *Buffer) Append(stream, text string) Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	line := Line{Seq: b.seq, Stream: stream, Text: text, Time: b.now()}

	idx := (b.start + b.count) % len(b.ring)
	b.ring[idx] = line
	if b.count < len(b.ring) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.ring)
	}

	for _, ch := range b.subs {
		select {
		case ch <- line:
		default:
			// slow subscriber; it can catch up with Since
		}
	}
	return line
}

// Lines returns a copy of every retained line, oldest first.
func (b *Buffer) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyFrom(0)
}

// Since returns retained lines with Seq greater than seq.
func (b *Buffer) Since(seq uint64) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	skip := 0
	for skip < b.count && b.ring[(b.start+skip)%len(b.ring)].Seq <= seq {
		skip++
	}
	return b.copyFrom(skip)
}

// Tail returns the last n retained lines.
func (b *Buffer) Tail(n int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= b.count {
		return b.copyFrom(0)
	}
	return b.copyFrom(b.count - n)
}

// Len reports the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Reset drops retained lines. Sequence numbers keep increasing.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
	for i := range b.ring {
		b.ring[i] = Line{}
	}
}

// Text joins the retained lines with newlines.
func (b *Buffer) Text() string {
	lines := b.Lines()
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Subscribe returns a channel receiving lines appended from now on and a
// function that detaches it. Lines are dropped for a full channel.
func (b *Buffer) Subscribe(size int) (<-chan Line, func()) {
	if size < 1 {
		size = 64
	}
	ch := make(chan Line, size)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Buffer) copyFrom(skip int) []Line {
	out := make([]Line, 0, b.count-skip)
	for i := skip; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}
