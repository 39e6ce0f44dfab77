package datalog

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndGet(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{})
	require.NoError(t, err)

	seq, err := dl.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, int64(0), seq)

	seq, err = dl.Append([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	v, err := dl.Get(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	v, err = dl.Get(1)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), v)

	require.Equal(t, int64(2), dl.End())
}

func TestEscaping(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{})
	require.NoError(t, err)

	payload := []byte("line1\nline2\\line3")
	seq, err := dl.Append(payload)
	require.NoError(t, err)

	v, err := dl.Get(seq)
	require.NoError(t, err)
	require.Equal(t, payload, v)
}

func TestMonotonicityViolation(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, dl.AppendAt(5, []byte("a")))
	require.Equal(t, int64(6), dl.End())

	err = dl.AppendAt(3, []byte("b"))
	require.Error(t, err)
}

func TestGapsAllowed(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{})
	require.NoError(t, err)

	require.NoError(t, dl.AppendAt(100, []byte("base")))
	_, err = dl.Get(99)
	require.Error(t, err)
	v, err := dl.Get(100)
	require.NoError(t, err)
	require.Equal(t, []byte("base"), v)
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{SegmentBytes: 64})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		payload := fmt.Appendf(nil, "payload-%03d-xxxxxxxxxx", i)
		seq, err := dl.Append(payload)
		require.NoError(t, err)
		require.Equal(t, int64(i), seq)
	}

	require.True(t, len(dl.segments) > 1, "expected multiple segments")

	for i := 0; i < 100; i++ {
		expect := fmt.Appendf(nil, "payload-%03d-xxxxxxxxxx", i)
		v, err := dl.Get(int64(i))
		require.NoError(t, err)
		require.Equal(t, expect, v)
	}
}

func TestForwardAndReverseIterators(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{SegmentBytes: 64})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, err := dl.Append(fmt.Appendf(nil, "v%d", i))
		require.NoError(t, err)
	}

	for k := 0; k < 100; k += 17 {
		it := dl.ForwardIterator(int64(k))
		for want := k; want < 100; want++ {
			seq, payload, ok := it.Next()
			require.True(t, ok)
			require.Equal(t, int64(want), seq)
			require.Equal(t, fmt.Sprintf("v%d", want), string(payload))
		}
		_, _, ok := it.Next()
		require.False(t, ok)
	}

	for k := 0; k < 100; k += 23 {
		it := dl.ReverseIterator(int64(k))
		for want := k; want >= 0; want-- {
			seq, payload, ok := it.Next()
			require.True(t, ok)
			require.Equal(t, int64(want), seq)
			require.Equal(t, fmt.Sprintf("v%d", want), string(payload))
		}
		_, _, ok := it.Next()
		require.False(t, ok)
	}
}

func TestTruncate(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{SegmentBytes: 32})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		_, err := dl.Append(fmt.Appendf(nil, "v%03d", i))
		require.NoError(t, err)
	}
	segsBefore := len(dl.segments)
	require.NoError(t, dl.Truncate(20))
	require.True(t, len(dl.segments) < segsBefore)

	_, err = dl.Get(5)
	require.Error(t, err)

	v, err := dl.Get(25)
	require.NoError(t, err)
	require.Equal(t, "v025", string(v))
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{SegmentBytes: 48})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := dl.Append(fmt.Appendf(nil, "r%d", i))
		require.NoError(t, err)
	}

	dl2, err := Open(dir, Config{SegmentBytes: 48})
	require.NoError(t, err)
	require.Equal(t, int64(20), dl2.End())
	v, err := dl2.Get(10)
	require.NoError(t, err)
	require.Equal(t, "r10", string(v))
}

func TestTornRecordSkipped(t *testing.T) {
	dir := t.TempDir()
	dl, err := Open(dir, Config{})
	require.NoError(t, err)
	_, err = dl.Append([]byte("good"))
	require.NoError(t, err)

	// Simulate a torn write: append a partial record with no trailing
	// newline directly to the active segment file.
	f, err := os.OpenFile(dl.segments[len(dl.segments)-1].path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("1 partial-no-newline")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	dl2, err := Open(dir, Config{})
	require.NoError(t, err)
	require.Equal(t, int64(1), dl2.End())
}
