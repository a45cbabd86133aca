package output

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/hevent"
)

func testEnvelope(n int) hevent.Envelope {
	return hevent.Envelope{TS: "2024-01-01T00:00:00Z", Endpoint: "/e", Event: []byte(`{"n":` + itoa(n) + `}`), Source: "s1"}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func TestFileSinkAppendsLinesNewlineTerminated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ndjson")

	s, err := newFileSink(path, hconfig.RotationNone, 0)
	require.NoError(t, err)
	require.NoError(t, s.writeLine([]byte("short")))
	require.NoError(t, s.writeLine([]byte("another")))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "short")
	assert.Contains(t, string(content), "another")
	require.NoError(t, s.close())
}

func TestFileSinkRotatesWhenBytesWrittenExceedsSegment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ndjson")

	s, err := newFileSink(path, hconfig.RotationSize, 0)
	require.NoError(t, err)
	s.segmentBytes = 20

	require.NoError(t, s.writeLine([]byte("short")))   // "short\n" = 6 bytes
	require.NoError(t, s.writeLine([]byte("another"))) // 8 bytes -> 14 total
	require.NoError(t, s.writeLine([]byte("third_line_here"))) // 16 bytes -> 30 total (>= 20)

	// The next write sees bytesWritten >= 20 and rotates first.
	require.NoError(t, s.writeLine([]byte("after_rotate")))
	require.NoError(t, s.close())

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "after_rotate\n", string(current))

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.Contains(t, string(rotated), "short")
	assert.Contains(t, string(rotated), "another")
	assert.Contains(t, string(rotated), "third_line_here")
}

func TestFileSinkDailyRotationRenamesPreviousDay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.ndjson")

	s, err := newFileSink(path, hconfig.RotationDaily, 0)
	require.NoError(t, err)
	require.NoError(t, s.writeLine([]byte("first")))

	// Simulate the date having advanced.
	s.openDate = "2000-01-01"
	require.NoError(t, s.writeLine([]byte("second")))

	rotated := path + ".2000-01-01"
	content, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(content), "first")

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(current))
	require.NoError(t, s.close())
}

func TestBoundedQueueBlockStrategyWaitsForSpace(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputBlock, EventQueueSize: 1}
	q := newBoundedQueue(cfg)

	_, err := q.offer(context.Background(), item{line: []byte("a")})
	require.NoError(t, err)

	offered := make(chan struct{})
	go func() {
		_, _ = q.offer(context.Background(), item{line: []byte("b")})
		close(offered)
	}()

	select {
	case <-offered:
		t.Fatal("offer should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.take(context.Background())
	require.True(t, ok)

	select {
	case <-offered:
	case <-time.After(time.Second):
		t.Fatal("offer should have unblocked once space freed")
	}
}

func TestBoundedQueueDropStrategyEvictsOldestFirst(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputDrop, DropPolicy: hconfig.DropOldestFirst, EventQueueSize: 2}
	q := newBoundedQueue(cfg)

	_, err := q.offer(context.Background(), item{line: []byte("1")})
	require.NoError(t, err)
	_, err = q.offer(context.Background(), item{line: []byte("2")})
	require.NoError(t, err)
	_, err = q.offer(context.Background(), item{line: []byte("3")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), q.droppedCount())

	first, ok := q.take(context.Background())
	require.True(t, ok)
	assert.Equal(t, "2", string(first.line))
}

func TestBoundedQueueDropStrategyEvictsNewestFirst(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputDrop, DropPolicy: hconfig.DropNewestFirst, EventQueueSize: 2}
	q := newBoundedQueue(cfg)

	_, _ = q.offer(context.Background(), item{line: []byte("1")})
	_, _ = q.offer(context.Background(), item{line: []byte("2")})
	_, _ = q.offer(context.Background(), item{line: []byte("3")})

	first, ok := q.take(context.Background())
	require.True(t, ok)
	assert.Equal(t, "1", string(first.line))
}

func TestBoundedQueueByteBoundTriggersDropBeforeCountBound(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputDrop, DropPolicy: hconfig.DropOldestFirst, EventQueueSize: 100, StdoutBufferSize: 5}
	q := newBoundedQueue(cfg)

	_, err := q.offer(context.Background(), item{line: []byte("abc")})
	require.NoError(t, err)
	_, err = q.offer(context.Background(), item{line: []byte("de")})
	require.NoError(t, err)
	// Queue now holds 5 bytes across two items, under item-count cap but at
	// the byte cap; a third item must evict rather than grow past it.
	_, err = q.offer(context.Background(), item{line: []byte("f")})
	require.NoError(t, err)

	assert.Equal(t, int64(1), q.droppedCount())
	first, ok := q.take(context.Background())
	require.True(t, ok)
	assert.Equal(t, "de", string(first.line))
}

func TestBoundedQueueBlockStrategyWaitsForByteSpace(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputBlock, EventQueueSize: 100, StdoutBufferSize: 3}
	q := newBoundedQueue(cfg)

	_, err := q.offer(context.Background(), item{line: []byte("abc")})
	require.NoError(t, err)

	offered := make(chan struct{})
	go func() {
		_, _ = q.offer(context.Background(), item{line: []byte("d")})
		close(offered)
	}()

	select {
	case <-offered:
		t.Fatal("offer should have blocked while the byte bound is exceeded")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.take(context.Background())
	require.True(t, ok)

	select {
	case <-offered:
	case <-time.After(time.Second):
		t.Fatal("offer should have unblocked once bytes freed")
	}
}

func TestSinkStdoutWritesEachOfferedLine(t *testing.T) {
	t.Parallel()

	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputBlock, EventQueueSize: 10, Sink: hconfig.SinkStdout}
	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Offer(context.Background(), "s1", testEnvelope(i)))
	}

	require.Eventually(t, func() bool { return s.EmittedCount() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
}

func TestSinkFileWritesAcceptedLinesExactlyOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	cfg := hconfig.OutputConfig{Strategy: hconfig.OutputBlock, EventQueueSize: 10, Sink: hconfig.SinkFile, FilePath: path}

	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Offer(context.Background(), "s1", testEnvelope(i)))
	}
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 5, count)
}

func TestDiskBufferSpillsAndDrainsInFIFOOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := newDiskBuffer(filepath.Join(dir, "spill.ndjson"), 1, 100)
	require.NoError(t, err)

	require.NoError(t, db.spill([]byte("one")))
	require.NoError(t, db.spill([]byte("two")))
	require.NoError(t, db.spill([]byte("three")))

	for _, want := range []string{"one", "two", "three"} {
		line, ok, err := db.drainNext()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, string(line))
	}

	_, ok, err := db.drainNext()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, db.close())
}

func TestDiskBufferRotatesSegmentsAndStillDrainsInOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := newDiskBuffer(filepath.Join(dir, "spill.ndjson"), 1, 100)
	require.NoError(t, err)
	db.segmentBytes = 1 // forces rotation on every spill beyond the first write

	require.NoError(t, db.spill([]byte("a")))
	require.NoError(t, db.spill([]byte("b")))
	require.NoError(t, db.spill([]byte("c")))

	var got []string
	for {
		line, ok, err := db.drainNext()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(line))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDiskBufferWouldExceedCapacityGatesOnMaxSize(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := newDiskBuffer(filepath.Join(dir, "spill.ndjson"), 100, 0)
	require.NoError(t, err)
	require.NoError(t, db.spill([]byte("x")))
	assert.False(t, db.wouldExceedCapacity(10), "maxBytes<=0 means unbounded")
}
