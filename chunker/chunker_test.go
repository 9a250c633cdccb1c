package chunker

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oceanlab/go-instrument/logger"
)

var sampleRegex = regexp.MustCompile(`SATPAR\d+,\d+\.\d+,\d+,\d+`)

func newTestChunker(opts ...Option) *Chunker {
	return New(RegexSieve(sampleRegex), opts...)
}

func TestChunkerRoundTrip(t *testing.T) {
	require := require.New(t)

	c := newTestChunker()
	at := time.Now()

	c.Append([]byte("SATPAR0229,10.01,2206748111,111"), at)

	arrival, sample, ok := c.Next()
	require.True(ok)
	require.Equal(at, arrival)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))
	require.Equal(0, c.BufferLen())

	_, sample, ok = c.Next()
	require.False(ok)
	require.Nil(sample)
}

func TestChunkerFragmentStitching(t *testing.T) {
	require := require.New(t)

	c := newTestChunker()
	t1 := time.Now()
	t2 := t1.Add(250 * time.Millisecond)

	c.Append([]byte("SATPAR0229,10.01,"), t1)

	// incomplete fragment, nothing to extract yet
	_, _, ok := c.Next()
	require.False(ok)
	require.Equal(17, c.BufferLen())

	c.Append([]byte("2206748544,123"), t2)

	arrival, sample, ok := c.Next()
	require.True(ok)
	require.Equal("SATPAR0229,10.01,2206748544,123", string(sample))
	// the arrival time of the fragment holding the first byte wins
	require.Equal(t1, arrival)
}

func TestChunkerMultiSampleSplit(t *testing.T) {
	require := require.New(t)

	c := newTestChunker()
	t1 := time.Now()

	c.Append([]byte("FooSATPAR0229,10.01,2206748111,111BarSATPAR0229,10.02,2206748222,112Bat"), t1)

	arrival, sample, ok := c.Next()
	require.True(ok)
	require.Equal(t1, arrival)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))

	arrival, sample, ok = c.Next()
	require.True(ok)
	require.Equal(t1, arrival)
	require.Equal("SATPAR0229,10.02,2206748222,112", string(sample))

	// trailing noise is retained until a later sample consumes past it
	_, _, ok = c.Next()
	require.False(ok)
	require.Equal(3, c.BufferLen())
}

func TestChunkerLeadingNoiseDiscarded(t *testing.T) {
	require := require.New(t)

	c := newTestChunker()
	c.Append([]byte("garbage\r\nSATPAR0229,10.01,2206748111,111"), time.Now())

	_, sample, ok := c.Next()
	require.True(ok)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))
	require.Equal(0, c.BufferLen())
}

func TestChunkerTimestampAttribution(t *testing.T) {
	require := require.New(t)

	c := newTestChunker()
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	t3 := time.Unix(300, 0)

	// noise arrives first; the sample starts in the second fragment
	c.Append([]byte("noise,noise\r\n"), t1)
	c.Append([]byte("SATPAR0229,10.01,"), t2)
	c.Append([]byte("2206748111,111"), t3)

	arrival, sample, ok := c.Next()
	require.True(ok)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))
	require.Equal(t2, arrival)
}

func TestPruneOverlaps(t *testing.T) {
	tests := []struct {
		name     string
		input    []Span
		expected []Span
	}{
		{
			name:     "adjacent kept, contained dropped",
			input:    []Span{{0, 5}, {5, 7}, {6, 8}},
			expected: []Span{{0, 5}, {5, 7}},
		},
		{
			name:     "overlapping dropped",
			input:    []Span{{0, 5}, {3, 6}},
			expected: []Span{{0, 5}},
		},
		{
			name:     "empty",
			input:    []Span{},
			expected: []Span{},
		},
		{
			name:     "single",
			input:    []Span{{2, 4}},
			expected: []Span{{2, 4}},
		},
		{
			name:     "unsorted input",
			input:    []Span{{5, 7}, {0, 5}, {6, 8}},
			expected: []Span{{0, 5}, {5, 7}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := pruneOverlaps(sortSpans(tt.input))
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestChunkerBufferCap(t *testing.T) {
	require := require.New(t)

	mockLogger := logger.NewMockLogger()
	mockLogger.On("Warn", mock.Anything, mock.Anything)

	c := newTestChunker(WithMaxBufferSize(32), WithLogger(mockLogger))
	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)

	c.Append([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), t1) // fills the cap
	require.Equal(32, c.BufferLen())
	mockLogger.AssertNotCalled(t, "Warn", mock.Anything, mock.Anything)

	// pushing past the cap drops the oldest bytes and logs a warning
	c.Append([]byte("SATPAR0229,10.01,2206748111,111"), t2)
	require.Equal(32, c.BufferLen())
	mockLogger.AssertCalled(t, "Warn",
		"chunker buffer has grown beyond limit, truncating", mock.Anything)

	arrival, sample, ok := c.Next()
	require.True(ok)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))
	require.Equal(t2, arrival)
	require.Equal(0, c.BufferLen())
}

func TestChunkerEmptyBuffer(t *testing.T) {
	c := newTestChunker()

	_, sample, ok := c.Next()
	assert.False(t, ok)
	assert.Nil(t, sample)
}

func TestRegexSieveMultiplePatterns(t *testing.T) {
	require := require.New(t)

	statusRegex := regexp.MustCompile(`\[Auto\]\$`)
	c := New(RegexSieve(sampleRegex, statusRegex))
	t1 := time.Unix(100, 0)

	c.Append([]byte("[Auto]$SATPAR0229,10.01,2206748111,111"), t1)

	_, sample, ok := c.Next()
	require.True(ok)
	require.Equal("[Auto]$", string(sample))

	_, sample, ok = c.Next()
	require.True(ok)
	require.Equal("SATPAR0229,10.01,2206748111,111", string(sample))
}
