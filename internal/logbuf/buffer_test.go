package logbuf

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func texts(lines []Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestBuffer_EvictsOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Append(Stdout, fmt.Sprintf("line %d", i))
	}

	lines := b.Lines()
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, texts(lines))
	assert.Equal(t, uint64(3), lines[0].Seq)
	assert.Equal(t, uint64(5), lines[2].Seq)
	assert.Equal(t, 3, b.Len())
}

func TestBuffer_Since(t *testing.T) {
	b := New(10)
	for i := 1; i <= 4; i++ {
		b.Append(Stderr, fmt.Sprintf("l%d", i))
	}

	assert.Equal(t, []string{"l3", "l4"}, texts(b.Since(2)))
	assert.Empty(t, b.Since(4))
	assert.Len(t, b.Since(0), 4)
}

func TestBuffer_Tail(t *testing.T) {
	b := New(10)
	for i := 1; i <= 4; i++ {
		b.Append(Stdout, fmt.Sprintf("l%d", i))
	}
	assert.Equal(t, []string{"l3", "l4"}, texts(b.Tail(2)))
	assert.Len(t, b.Tail(10), 4)
}

func TestBuffer_ResetKeepsSequence(t *testing.T) {
	b := New(10)
	b.Append(Stdout, "a")
	b.Append(Stdout, "b")
	b.Reset()
	assert.Equal(t, 0, b.Len())

	line := b.Append(Stdout, "c")
	assert.Equal(t, uint64(3), line.Seq)
	assert.Equal(t, "c\n", b.Text())
}

func TestBuffer_Subscribe(t *testing.T) {
	b := New(10)
	ch, cancel := b.Subscribe(4)

	b.Append(Stdout, "hello")
	line := <-ch
	assert.Equal(t, "hello", line.Text)
	assert.Equal(t, Stdout, line.Stream)

	cancel()
	cancel()
	b.Append(Stdout, "after")
	_, ok := <-ch
	assert.False(t, ok)
}

func TestBuffer_SubscribeDoesNotBlock(t *testing.T) {
	b := New(100)
	_, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 50; i++ {
		b.Append(Stdout, "x")
	}
	assert.Equal(t, 50, b.Len())
}

func TestWriter_SplitsLines(t *testing.T) {
	b := New(10)
	w := b.Writer(Stdout)
	var _ io.Writer = w

	_, err := w.Write([]byte("first\r\nsec"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, texts(b.Lines()))

	_, err = w.Write([]byte("ond\n\nthird"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", ""}, texts(b.Lines()))

	w.Flush()
	assert.Equal(t, []string{"first", "second", "", "third"}, texts(b.Lines()))
	w.Flush()
	assert.Equal(t, 4, b.Len())
}

func TestLineSplitter_TruncatesLongLines(t *testing.T) {
	var got []string
	s := NewLineSplitter(5, func(line string) { got = append(got, line) })

	_, err := s.Write([]byte("abcdefgh\nxy"))
	require.NoError(t, err)
	s.Flush()
	assert.Equal(t, []string{"abcde...", "xy"}, got)
}

func TestLineSplitter_CarriageReturnRedrawsLine(t *testing.T) {
	var got []string
	s := NewLineSplitter(20, func(line string) { got = append(got, line) })

	for i := 0; i <= 100; i += 10 {
		_, err := fmt.Fprintf(s, "\r %3d%% downloading", i)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(s.partial), 2*20, "pending line must stay bounded")
	}
	_, err := s.Write([]byte("\r\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{" 100% downloading"}, got)
}

func TestLineSplitter_BoundsLineWithoutNewline(t *testing.T) {
	var got []string
	s := NewLineSplitter(8, func(line string) { got = append(got, line) })

	for i := 0; i < 1000; i++ {
		_, err := s.Write([]byte("xxxxxxxxxx"))
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, len(s.partial), 9)

	_, err := s.Write([]byte("tail\nnext\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"xxxxxxxx...", "next"}, got)
}

func TestClip_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", Clip("short", 10))
	assert.Equal(t, "héllo", Clip("héllo", 0))
	// "é" occupies bytes 1-2; a cut at 2 backs off to 1
	assert.Equal(t, "h...", Clip("héllo", 2))
	assert.Equal(t, "hé...", Clip("héllo", 3))
	assert.Equal(t, "...", Clip("日本", 2))
}
