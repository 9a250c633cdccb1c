// Package chunker implements a buffering structure that turns an unbounded,
// fragmented instrument byte stream into discrete timestamped samples.
//
// Incoming data arrives in arbitrary fragments: a single read may carry half a
// sample, several samples, or samples surrounded by echo and prompt noise. The
// Chunker accumulates fragments, runs a caller-supplied Sieve over the buffer
// to locate complete sample spans, and hands them back one at a time together
// with the arrival time of the fragment that started each sample.
package chunker

import (
	"bytes"
	"regexp"
	"sort"
	"time"

	"github.com/oceanlab/go-instrument/logger"
)

// DefaultMaxBufferSize is the buffer cap applied when no override is given.
// When an instrument streams garbage that never matches the sieve, the buffer
// is truncated from the front once it grows past this limit.
const DefaultMaxBufferSize = 65535

// Span is a half-open [Start, End) byte range into the chunker buffer,
// produced by a Sieve to mark a candidate sample.
type Span struct {
	Start int
	End   int
}

// Sieve locates candidate sample spans within buf.
//
// The returned spans do not need to be sorted or free of overlaps; the Chunker
// sorts them and resolves overlaps with a greedy left-to-right scan where the
// earliest match wins.
type Sieve func(buf []byte) []Span

// timeSpan records the arrival time of one appended fragment, by its byte
// range within the current buffer. Offsets are rebased whenever a buffer
// prefix is discarded.
type timeSpan struct {
	start   int
	end     int
	arrival time.Time
}

// Chunker accumulates raw instrument data and extracts recognized samples.
//
// It is deterministic and not safe for concurrent use; a protocol owns one
// Chunker and calls Append and Next from a single path.
type Chunker struct {
	sieve      Sieve
	maxBufSize int
	logger     logger.Logger

	buf   []byte
	times []timeSpan
}

// Option customizes a Chunker.
type Option func(*Chunker)

// WithMaxBufferSize overrides the buffer cap.
func WithMaxBufferSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.maxBufSize = size
		}
	}
}

// WithLogger overrides the logger used for buffer truncation warnings.
func WithLogger(l logger.Logger) Option {
	return func(c *Chunker) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Chunker that extracts samples with the given sieve.
func New(sieve Sieve, opts ...Option) *Chunker {
	c := &Chunker{
		sieve:      sieve,
		maxBufSize: DefaultMaxBufferSize,
		logger:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Append adds a fragment of raw data to the end of the buffer and records its
// arrival time.
//
// If the buffer would grow past the configured cap, the oldest bytes are
// dropped and the recorded arrival spans are rebased to match.
func (c *Chunker) Append(data []byte, arrival time.Time) {
	start := len(c.buf)
	end := start + len(data)

	if end > c.maxBufSize {
		oversize := end - c.maxBufSize
		c.logger.Warn("chunker buffer has grown beyond limit, truncating",
			"limit", c.maxBufSize, "truncated_bytes", oversize)

		c.rebaseTimes(oversize)
		c.buf = bytes.Clone(c.buf[min(oversize, len(c.buf)):])
		start -= oversize
		end -= oversize
		if start < 0 {
			start = 0
		}
	}

	c.times = append(c.times, timeSpan{start: start, end: end, arrival: arrival})
	c.buf = append(c.buf, data...)
}

// Next extracts the next complete sample from the buffer.
//
// It runs the sieve over the full buffer, reduces the candidates to a maximal
// non-overlapping left-to-right subset, and returns the first kept span
// together with the arrival time of the fragment its first byte belongs to.
// All buffer bytes up to the end of the returned sample are discarded,
// including unrecognized bytes before it; they are not re-offered.
//
// If no complete sample is present, ok is false and the buffer is left
// untouched so an in-flight fragment can be completed by a later Append.
func (c *Chunker) Next() (arrival time.Time, sample []byte, ok bool) {
	if len(c.buf) == 0 {
		return time.Time{}, nil, false
	}

	spans := pruneOverlaps(sortSpans(c.sieve(c.buf)))
	if len(spans) == 0 {
		return time.Time{}, nil, false
	}

	first := spans[0]
	arrival = c.findArrival(first.Start)
	sample = bytes.Clone(c.buf[first.Start:first.End])

	c.rebaseTimes(first.End)
	c.buf = bytes.Clone(c.buf[first.End:])

	return arrival, sample, true
}

// BufferLen returns the number of unconsumed bytes currently held.
func (c *Chunker) BufferLen() int {
	return len(c.buf)
}

// findArrival returns the earliest recorded arrival time whose span covers the
// given buffer offset.
func (c *Chunker) findArrival(index int) time.Time {
	for _, ts := range c.times {
		if ts.start <= index && index < ts.end {
			return ts.arrival
		}
	}

	c.logger.Error("failed to find arrival time for sample", "index", index)

	return time.Time{}
}

// rebaseTimes shifts all recorded arrival spans down by n bytes, dropping the
// entries that become fully consumed. Partially consumed entries are clipped
// at zero so the remaining bytes keep their original arrival time.
func (c *Chunker) rebaseTimes(n int) {
	kept := c.times[:0]
	for _, ts := range c.times {
		if ts.end <= n {
			continue
		}
		ts.start -= n
		ts.end -= n
		if ts.start < 0 {
			ts.start = 0
		}
		kept = append(kept, ts)
	}
	c.times = kept
}

// sortSpans orders candidate spans by start offset, breaking ties by end offset.
func sortSpans(spans []Span) []Span {
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})

	return spans
}

// pruneOverlaps reduces sorted candidate spans to a maximal non-overlapping
// subset with a greedy left-to-right scan. A span is kept iff it starts at or
// after the end of the last kept span; the first match wins.
func pruneOverlaps(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}

	kept := spans[:1]
	for _, span := range spans[1:] {
		if span.Start >= kept[len(kept)-1].End {
			kept = append(kept, span)
		}
	}

	return kept
}

// RegexSieve builds a Sieve from a set of pre-compiled regular expressions.
// Every match span of every pattern becomes a candidate.
func RegexSieve(patterns ...*regexp.Regexp) Sieve {
	return func(buf []byte) []Span {
		var spans []Span
		for _, re := range patterns {
			for _, loc := range re.FindAllIndex(buf, -1) {
				spans = append(spans, Span{Start: loc[0], End: loc[1]})
			}
		}

		return spans
	}
}
