// Package output implements the bounded, time-ordered unified output buffer
// shared by tasks and log streams.
//
// One writer appends; any number of readers page through lines using a
// sequence cursor. When the buffer is full the oldest line is evicted and
// the buffer remembers that history was truncated.
package output

import (
	"strings"
	"sync"
	"time"
)

// Stream discriminates between the two merged process streams.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// TruncatedSuffix marks lines cut at the per-line length limit.
const TruncatedSuffix = "…[TRUNCATED]"

const (
	DefaultMaxLines      = 10000
	DefaultMaxLineLength = 4096
)

// Line is one captured output line.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    Stream    `json:"stream"`
	Content   string    `json:"content"`
	Sequence  uint64    `json:"sequence"`
}

// Buffer is a bounded deque of lines with monotonically increasing
// sequence numbers. Safe for one writer and many readers.
type Buffer struct {
	mu sync.RWMutex

	lines         []Line
	maxLines      int
	maxLineLength int

	currentSequence     uint64
	totalLinesProcessed uint64
	truncatedHistory    bool

	now func() time.Time
}

// NewBuffer creates a buffer with the given capacity limits. Zero or
// negative limits fall back to the defaults.
func NewBuffer(maxLines, maxLineLength int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	if maxLineLength <= 0 {
		maxLineLength = DefaultMaxLineLength
	}
	return &Buffer{
		lines:         make([]Line, 0, min(maxLines, 1024)),
		maxLines:      maxLines,
		maxLineLength: maxLineLength,
		now:           time.Now,
	}
}

// Append records one line on the given stream and returns its sequence.
// Content longer than the per-line limit is cut and suffixed.
func (b *Buffer) Append(stream Stream, content string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(content) > b.maxLineLength {
		cut := b.maxLineLength
		// Do not split a UTF-8 sequence in the middle.
		for cut > 0 && !isRuneStart(content[cut]) {
			cut--
		}
		content = content[:cut] + TruncatedSuffix
	}

	b.currentSequence++
	b.totalLinesProcessed++
	b.lines = append(b.lines, Line{
		Timestamp: b.now(),
		Stream:    stream,
		Content:   content,
		Sequence:  b.currentSequence,
	})

	if len(b.lines) > b.maxLines {
		evict := len(b.lines) - b.maxLines
		b.lines = append(b.lines[:0], b.lines[evict:]...)
		b.truncatedHistory = true
	}
	return b.currentSequence
}

// AppendLines splits content at newlines and appends each non-empty line.
func (b *Buffer) AppendLines(stream Stream, content string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		b.Append(stream, line)
	}
}

// Recent returns the n newest lines in chronological order.
func (b *Buffer) Recent(n int) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]Line, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// All returns a copy of every buffered line.
func (b *Buffer) All() []Line {
	return b.Recent(0)
}

// Since returns all lines with a sequence strictly greater than seq.
func (b *Buffer) Since(seq uint64) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Lines are stored in sequence order; binary-search the cut point.
	lo, hi := 0, len(b.lines)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.lines[mid].Sequence <= seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	out := make([]Line, len(b.lines)-lo)
	copy(out, b.lines[lo:])
	return out
}

// ByStream returns all buffered lines for one stream, in order.
func (b *Buffer) ByStream(stream Stream) []Line {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Line
	for _, l := range b.lines {
		if l.Stream == stream {
			out = append(out, l)
		}
	}
	return out
}

// Len returns the number of buffered lines.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.lines)
}

// CurrentSequence returns the sequence of the most recent append.
func (b *Buffer) CurrentSequence() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentSequence
}

// TotalLinesProcessed returns the number of lines ever appended,
// including evicted ones.
func (b *Buffer) TotalLinesProcessed() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalLinesProcessed
}

// HasTruncatedHistory reports whether eviction has ever occurred.
// Once true it stays true.
func (b *Buffer) HasTruncatedHistory() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.truncatedHistory
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
