// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrNotReady is returned by Next when no retained task is available yet
	// but the producer may still append.
	ErrNotReady = errors.New("no task available yet")

	ErrSealed           = errors.New("task log sealed")
	ErrClosed           = errors.New("task log closed")
	ErrRecordingEnabled = errors.New("recording already enabled")
)

// Stats is a point-in-time view of a log.
type Stats struct {
	Appended       uint64
	Produced       uint64
	Skipped        uint64
	BuffersSealed  uint64
	BuffersSpilled uint64
	BytesSpilled   uint64
	Resident       int
	Pending        int
	Cutoff         int64
	Recording      bool
	Sealed         bool
}

// Log is an ordered chain of task buffers with a replay cutoff.
//
// Buffers form an arena addressed by sequence number: [head, sealedEnd) are
// sealed and waiting to be drained, either resident in memory or spilled to
// the overflow directory under their sequence number, and the open tail
// buffer always carries id sealedEnd. All state is owned by a single
// goroutine; callers talk to it over a request channel.
type Log struct {
	dir    string
	logger *slog.Logger

	reqs    chan request
	stopped chan struct{}
	closed  chan struct{}
	unlock  func() error

	closeOnce sync.Once
	closeErr  error
}

type request struct {
	fn   func(s *logState)
	done chan struct{}
}

type logState struct {
	dir         string
	bufferSize  int
	maxResident int
	logger      *slog.Logger

	tail      *Buffer
	head      uint64
	sealedEnd uint64
	resident  map[uint64]*Buffer
	spilled   map[uint64]bool

	reader   *Buffer
	readerID uint64

	cutoff    int64
	recording bool
	sealed    bool

	stats Stats
}

// Open creates a log that spills into dir. The directory is created if
// needed and claimed exclusively until Close.
func Open(dir string, opts ...Option) (*Log, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BufferSize < BufferHeaderSize+RecordHeaderSize {
		return nil, fmt.Errorf("buffer size %d below minimum %d", cfg.BufferSize, BufferHeaderSize+RecordHeaderSize)
	}
	if cfg.MaxInMemoryBuffers < 0 {
		cfg.MaxInMemoryBuffers = 0
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create overflow directory: %w", err)
	}

	unlock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}

	// Spill files left behind by a crashed instance belong to a replay window
	// that no longer exists.
	stale, err := listSpills(dir)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to scan overflow directory: %w", err)
	}
	for _, name := range stale {
		os.Remove(filepath.Join(dir, name))
	}
	if len(stale) > 0 {
		cfg.Logger.Warn("discarded stale task log spill files",
			slog.String("dir", dir),
			slog.Int("files", len(stale)))
	}

	l := &Log{
		dir:     dir,
		logger:  cfg.Logger,
		reqs:    make(chan request),
		stopped: make(chan struct{}),
		closed:  make(chan struct{}),
		unlock:  unlock,
	}

	s := &logState{
		dir:         dir,
		bufferSize:  cfg.BufferSize,
		maxResident: cfg.MaxInMemoryBuffers,
		logger:      cfg.Logger,
		resident:    make(map[uint64]*Buffer),
		spilled:     make(map[uint64]bool),
		cutoff:      -1,
	}

	go l.run(s)
	return l, nil
}

// Dir returns the overflow directory.
func (l *Log) Dir() string { return l.dir }

func (l *Log) run(s *logState) {
	defer close(l.closed)
	for {
		select {
		case req := <-l.reqs:
			req.fn(s)
			close(req.done)
		case <-l.stopped:
			return
		}
	}
}

// call runs fn on the owner goroutine and waits for it to finish.
func (l *Log) call(fn func(s *logState)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case l.reqs <- req:
	case <-l.stopped:
		return ErrClosed
	}
	<-req.done
	return nil
}

// Append frames t into the log and returns the headroom left in the current
// buffer. A task that does not fit seals the current buffer and starts a new
// one; a task larger than a whole buffer gets a buffer of its own.
func (l *Log) Append(t Task) (int, error) {
	var (
		headroom int
		err      error
	)
	if cerr := l.call(func(s *logState) {
		headroom, err = s.append(t)
	}); cerr != nil {
		return 0, cerr
	}
	return headroom, err
}

// EnableRecording fixes the replay cutoff. Tasks with an ordinal at or below
// cutoff are covered by the snapshot and never produced by Next, including
// ones appended after this call.
func (l *Log) EnableRecording(cutoff int64) error {
	var err error
	if cerr := l.call(func(s *logState) {
		if s.recording {
			err = ErrRecordingEnabled
			return
		}
		s.recording = true
		s.cutoff = cutoff
		s.stats.Recording = true
		s.stats.Cutoff = cutoff
	}); cerr != nil {
		return cerr
	}
	return err
}

// Next pops the next retained task in append order. It returns ErrNotReady
// while the producer may still append and io.EOF once the log is sealed and
// fully drained.
func (l *Log) Next() (Task, error) {
	var (
		t   Task
		err error
	)
	if cerr := l.call(func(s *logState) {
		t, err = s.next()
	}); cerr != nil {
		return Task{}, cerr
	}
	return t, err
}

// Seal stops accepting tasks. Whatever is buffered can still be drained.
func (l *Log) Seal() error {
	return l.call(func(s *logState) {
		s.sealed = true
		s.stats.Sealed = true
	})
}

// IsEmpty reports whether the log is sealed and fully drained.
func (l *Log) IsEmpty() bool {
	var empty bool
	if err := l.call(func(s *logState) {
		empty = s.sealed && s.drained()
	}); err != nil {
		return true
	}
	return empty
}

// Stats returns counters for the log.
func (l *Log) Stats() Stats {
	var st Stats
	l.call(func(s *logState) {
		st = s.stats
		st.Resident = len(s.resident)
		st.Pending = int(s.sealedEnd - s.head)
	})
	return st
}

// Close stops the log and releases the overflow directory. With discard set
// every remaining spill file is deleted as well. Close is idempotent.
func (l *Log) Close(discard bool) error {
	l.closeOnce.Do(func() {
		var errs []error
		l.call(func(s *logState) {
			if discard {
				errs = append(errs, s.discard())
			}
		})

		close(l.stopped)
		<-l.closed

		if err := l.unlock(); err != nil {
			errs = append(errs, err)
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

func (s *logState) append(t Task) (int, error) {
	if s.sealed {
		return 0, ErrSealed
	}
	s.stats.Appended++

	size := RecordSize(len(t.Payload))
	if size > s.bufferSize-BufferHeaderSize {
		if err := s.sealTail(); err != nil {
			return 0, err
		}
		b := newOversizedBuffer(s.sealedEnd, len(t.Payload))
		b.TryAppend(t)
		s.tail = b
		if err := s.sealTail(); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if s.tail == nil {
		s.tail = NewBuffer(s.sealedEnd, s.bufferSize)
	}
	headroom, ok := s.tail.TryAppend(t)
	if ok {
		return headroom, nil
	}

	if err := s.sealTail(); err != nil {
		return 0, err
	}
	s.tail = NewBuffer(s.sealedEnd, s.bufferSize)
	headroom, _ = s.tail.TryAppend(t)
	return headroom, nil
}

// sealTail seals the open buffer and moves it into the drain range, spilling
// it when the resident budget is used up. An empty tail is dropped.
func (s *logState) sealTail() error {
	b := s.tail
	if b == nil {
		return nil
	}
	s.tail = nil
	if b.Count() == 0 {
		return nil
	}

	b.Seal()
	s.stats.BuffersSealed++

	if len(s.resident) >= s.maxResident {
		n, err := writeSpill(s.dir, b)
		if err != nil {
			// Keep the data in memory rather than lose it.
			s.logger.Error("failed to spill task buffer",
				slog.Uint64("buffer_id", b.ID()),
				slog.String("error", err.Error()))
			s.resident[b.ID()] = b
		} else {
			s.spilled[b.ID()] = true
			s.stats.BuffersSpilled++
			s.stats.BytesSpilled += uint64(n)
		}
	} else {
		s.resident[b.ID()] = b
	}

	s.sealedEnd++
	return nil
}

func (s *logState) next() (Task, error) {
	for {
		if s.reader == nil {
			if s.head == s.sealedEnd {
				if s.tail == nil || s.tail.Count() == 0 {
					if s.sealed {
						return Task{}, io.EOF
					}
					return Task{}, ErrNotReady
				}
				// Compile the open tail so the reader can overlap with the writer.
				b := s.tail
				s.tail = nil
				b.Seal()
				s.stats.BuffersSealed++
				s.resident[b.ID()] = b
				s.sealedEnd++
			}
			if err := s.loadHead(); err != nil {
				return Task{}, err
			}
		}

		t, ok := s.reader.Next()
		if !ok {
			s.finishReader()
			continue
		}
		if s.recording && t.Ordinal <= s.cutoff {
			s.stats.Skipped++
			continue
		}
		s.stats.Produced++
		return t, nil
	}
}

func (s *logState) loadHead() error {
	id := s.head
	if b, ok := s.resident[id]; ok {
		delete(s.resident, id)
		s.reader, s.readerID = b, id
		return nil
	}
	if !s.spilled[id] {
		return fmt.Errorf("%w: buffer %d missing", ErrInvalidBuffer, id)
	}
	b, err := readSpill(s.dir, id)
	if err != nil {
		return err
	}
	s.reader, s.readerID = b, id
	return nil
}

func (s *logState) finishReader() {
	id := s.readerID
	if s.spilled[id] {
		if err := removeSpill(s.dir, id); err != nil {
			s.logger.Warn("failed to remove drained spill file",
				slog.Uint64("buffer_id", id),
				slog.String("error", err.Error()))
		}
		delete(s.spilled, id)
	}
	s.reader = nil
	s.head++
}

func (s *logState) drained() bool {
	return s.reader == nil && s.head == s.sealedEnd && (s.tail == nil || s.tail.Count() == 0)
}

func (s *logState) discard() error {
	var errs []error
	for id := range s.spilled {
		if err := removeSpill(s.dir, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.spilled = make(map[uint64]bool)
	s.resident = make(map[uint64]*Buffer)
	s.reader = nil
	s.tail = nil
	s.head = s.sealedEnd
	return errors.Join(errs...)
}
