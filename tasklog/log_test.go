// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, opts ...Option) *Log {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	l, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close(true) })
	return l
}

func taskWithID(id int64) Task {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(id))
	return Task{PartitionID: 0, Ordinal: id, Payload: payload}
}

// drainAll seals the log and collects every produced ordinal.
func drainAll(t *testing.T, l *Log) []int64 {
	t.Helper()
	require.NoError(t, l.Seal())

	var ids []int64
	for {
		task, err := l.Next()
		if errors.Is(err, io.EOF) {
			return ids
		}
		require.NoError(t, err)
		assert.Equal(t, uint64(task.Ordinal), binary.LittleEndian.Uint64(task.Payload))
		ids = append(ids, task.Ordinal)
	}
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestLogReplaysEverythingWithoutCutoff(t *testing.T) {
	l := openTestLog(t)

	for i := int64(0); i < 200; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	assert.Equal(t, seq(0, 199), drainAll(t, l))
	assert.True(t, l.IsEmpty())
}

func TestLogCutoffDropsSnapshotCoveredTasks(t *testing.T) {
	l := openTestLog(t)

	for i := int64(0); i < 100; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}
	require.NoError(t, l.EnableRecording(99))
	for i := int64(100); i < 200; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	assert.Equal(t, seq(100, 199), drainAll(t, l))

	st := l.Stats()
	assert.Equal(t, uint64(100), st.Skipped)
	assert.Equal(t, uint64(100), st.Produced)
	assert.Equal(t, int64(99), st.Cutoff)
}

func TestLogCutoffAppliesToLateAppends(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Append(taskWithID(5))
	require.NoError(t, err)
	require.NoError(t, l.EnableRecording(10))

	// 7 was executed before the snapshot was taken but logged after it.
	for _, id := range []int64{7, 11, 10, 12} {
		_, err := l.Append(taskWithID(id))
		require.NoError(t, err)
	}

	assert.Equal(t, []int64{11, 12}, drainAll(t, l))
	assert.Equal(t, uint64(3), l.Stats().Skipped)
}

func TestLogEnableRecordingOnce(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.EnableRecording(5))
	assert.ErrorIs(t, l.EnableRecording(6), ErrRecordingEnabled)
}

func TestLogOverflowAcrossBuffers(t *testing.T) {
	// Room for exactly three 8-byte tasks per buffer.
	size := BufferHeaderSize + 3*RecordSize(8)
	l := openTestLog(t, WithBufferSize(size))

	headroom, err := l.Append(taskWithID(0))
	require.NoError(t, err)
	assert.Equal(t, 2*RecordSize(8), headroom)

	for i := int64(1); i < 50; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	st := l.Stats()
	assert.Equal(t, uint64(16), st.BuffersSealed)

	assert.Equal(t, seq(0, 49), drainAll(t, l))
}

func TestLogOversizedTaskGetsOwnBuffer(t *testing.T) {
	size := BufferHeaderSize + 2*RecordSize(8)
	l := openTestLog(t, WithBufferSize(size))

	_, err := l.Append(taskWithID(1))
	require.NoError(t, err)

	big := Task{Ordinal: 2, Payload: make([]byte, 1000)}
	binary.LittleEndian.PutUint64(big.Payload, 2)
	headroom, err := l.Append(big)
	require.NoError(t, err)
	assert.Equal(t, 0, headroom)

	_, err = l.Append(taskWithID(3))
	require.NoError(t, err)

	// The tail before the big task, the big task, and the tail after it.
	require.NoError(t, l.Seal())
	var got []Task
	for {
		task, err := l.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, task)
	}
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Ordinal)
	assert.Len(t, got[1].Payload, 1000)
	assert.Equal(t, int64(3), got[2].Ordinal)
	assert.Equal(t, uint64(3), l.Stats().BuffersSealed)
}

func TestLogSpillsAndReclaimsFiles(t *testing.T) {
	size := BufferHeaderSize + 4*RecordSize(8)
	l := openTestLog(t, WithBufferSize(size), WithMaxInMemoryBuffers(1))

	for i := int64(0); i < 40; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	st := l.Stats()
	assert.Greater(t, st.BuffersSpilled, uint64(0))
	assert.LessOrEqual(t, st.Resident, 1)

	spills, err := listSpills(l.Dir())
	require.NoError(t, err)
	assert.Len(t, spills, int(st.BuffersSpilled))

	assert.Equal(t, seq(0, 39), drainAll(t, l))

	spills, err = listSpills(l.Dir())
	require.NoError(t, err)
	assert.Empty(t, spills)
}

func TestLogAlwaysSpillWithCutoff(t *testing.T) {
	size := BufferHeaderSize + 5*RecordSize(8)
	l := openTestLog(t, WithBufferSize(size), WithMaxInMemoryBuffers(0))

	for i := int64(0); i < 30; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}
	require.NoError(t, l.EnableRecording(12))
	for i := int64(30); i < 60; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	assert.Equal(t, seq(13, 59), drainAll(t, l))
}

func TestLogNextNotReadyThenEOF(t *testing.T) {
	l := openTestLog(t)

	_, err := l.Next()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, l.IsEmpty())

	_, err = l.Append(taskWithID(7))
	require.NoError(t, err)

	task, err := l.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(7), task.Ordinal)

	_, err = l.Next()
	assert.ErrorIs(t, err, ErrNotReady)

	// The tail was compiled for the reader; appends continue in a new buffer.
	_, err = l.Append(taskWithID(8))
	require.NoError(t, err)

	require.NoError(t, l.Seal())
	task, err = l.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(8), task.Ordinal)

	_, err = l.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, l.IsEmpty())
}

func TestLogAppendAfterSeal(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Seal())

	_, err := l.Append(taskWithID(1))
	assert.ErrorIs(t, err, ErrSealed)
}

func TestLogConcurrentProducerConsumer(t *testing.T) {
	size := BufferHeaderSize + 7*RecordSize(8)
	l := openTestLog(t, WithBufferSize(size), WithMaxInMemoryBuffers(2))

	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(0); i < total; i++ {
			if _, err := l.Append(taskWithID(i)); err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
		}
		if err := l.Seal(); err != nil {
			t.Errorf("seal: %v", err)
		}
	}()

	var got []int64
	deadline := time.After(10 * time.Second)
	for {
		task, err := l.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrNotReady) {
			select {
			case <-deadline:
				t.Fatal("consumer timed out")
			default:
			}
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, err)
		got = append(got, task.Ordinal)
	}
	wg.Wait()

	assert.Equal(t, seq(0, total-1), got)
}

func TestLogDirectoryIsExclusive(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := Open(dir, WithLogger(logger))
	require.NoError(t, err)

	_, err = Open(dir, WithLogger(logger))
	assert.ErrorIs(t, err, ErrDirInUse)

	require.NoError(t, first.Close(true))

	second, err := Open(dir, WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, second.Close(true))
}

func TestLogOpenDiscardsStaleSpills(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, FormatSpillName(3))
	require.NoError(t, os.WriteFile(stale, []byte("junk"), 0o644))

	l, err := Open(dir, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	defer l.Close(true)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestLogCloseDiscardRemovesSpills(t *testing.T) {
	dir := t.TempDir()
	size := BufferHeaderSize + 2*RecordSize(8)
	l, err := Open(dir,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBufferSize(size),
		WithMaxInMemoryBuffers(0))
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		_, err := l.Append(taskWithID(i))
		require.NoError(t, err)
	}

	require.NoError(t, l.Close(true))
	require.NoError(t, l.Close(true))

	spills, err := listSpills(dir)
	require.NoError(t, err)
	assert.Empty(t, spills)

	_, err = l.Append(taskWithID(11))
	assert.ErrorIs(t, err, ErrClosed)
}
