// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/absmach/rejoin/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	table uint32
	rows  string
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []write
	closed bool
	failed string
	err    error
}

func (w *fakeWriter) Write(_ context.Context, tableID uint32, _, rows []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.writes = append(w.writes, write{table: tableID, rows: string(rows)})
	return nil
}

func (w *fakeWriter) Close(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Fail(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = reason
}

type fakeSink struct {
	mu      sync.Mutex
	writers map[mailbox.HSId]*fakeWriter
	failure error
}

func (s *fakeSink) Target(dest mailbox.HSId) (TableWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[dest]
	if !ok {
		return nil, ErrUnknownTarget
	}
	return w, nil
}

func (s *fakeSink) Failed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func testTables() []MemTable {
	return []MemTable{
		{Table: Table{ID: 1, Name: "accounts"}, Schema: []byte("accounts"), Chunks: [][]byte{[]byte("a1"), []byte("a2")}},
		{Table: Table{ID: 2, Name: "orders"}, Schema: []byte("orders")},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	parts := 8
	req := Request{
		Nonce:             "rejoin-1",
		Tables:            []Table{{ID: 1, Name: "accounts"}},
		Streams:           StreamConfig{Destinations: []mailbox.HSId{mailbox.NewHSId(2, 1), mailbox.NewHSId(2, 2)}},
		ShouldTruncate:    true,
		NewPartitionCount: &parts,
	}
	blob, err := req.Marshal()
	require.NoError(t, err)

	got, err := ParseRequest(blob)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequestValidation(t *testing.T) {
	dest := []mailbox.HSId{mailbox.NewHSId(2, 1)}
	zero := 0

	cases := []struct {
		name string
		req  Request
	}{
		{"missing nonce", Request{Streams: StreamConfig{Destinations: dest}}},
		{"no destinations", Request{Nonce: "n"}},
		{"duplicate destination", Request{Nonce: "n", Streams: StreamConfig{Destinations: append(dest, dest...)}}},
		{"bad partition count", Request{Nonce: "n", Streams: StreamConfig{Destinations: dest}, NewPartitionCount: &zero}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.req.Marshal()
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := ParseRequest([]byte("{not json"))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMemoryEngineStreamsEveryDestination(t *testing.T) {
	engine := NewMemoryEngine(testTables(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	d1, d2 := mailbox.NewHSId(2, 1), mailbox.NewHSId(3, 1)
	sink := &fakeSink{writers: map[mailbox.HSId]*fakeWriter{d1: {}, d2: {}}}

	var submitted []string
	engine.OnSubmit(func(r Request) { submitted = append(submitted, r.Nonce) })

	blob, err := Request{Nonce: "n1", Streams: StreamConfig{Destinations: []mailbox.HSId{d1, d2}}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), blob, sink))
	engine.Wait()

	assert.Equal(t, []string{"n1"}, submitted)
	want := []write{{1, "a1"}, {1, "a2"}, {2, ""}}
	for _, d := range []mailbox.HSId{d1, d2} {
		w := sink.writers[d]
		assert.Equal(t, want, w.writes)
		assert.True(t, w.closed)
	}
	assert.NoError(t, sink.failure)
	assert.Len(t, engine.Requests(), 1)
}

func TestMemoryEngineSelectsTables(t *testing.T) {
	engine := NewMemoryEngine(testTables(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	d := mailbox.NewHSId(2, 1)
	sink := &fakeSink{writers: map[mailbox.HSId]*fakeWriter{d: {}}}

	blob, err := Request{Nonce: "n", Tables: []Table{{ID: 2}}, Streams: StreamConfig{Destinations: []mailbox.HSId{d}}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), blob, sink))
	engine.Wait()
	assert.Equal(t, []write{{2, ""}}, sink.writers[d].writes)

	blob, err = Request{Nonce: "n", Tables: []Table{{ID: 42}}, Streams: StreamConfig{Destinations: []mailbox.HSId{d}}}.Marshal()
	require.NoError(t, err)
	assert.ErrorIs(t, engine.Submit(context.Background(), blob, sink), ErrInvalidRequest)
}

func TestMemoryEngineReportsFailures(t *testing.T) {
	engine := NewMemoryEngine(testTables(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	good, bad, missing := mailbox.NewHSId(2, 1), mailbox.NewHSId(3, 1), mailbox.NewHSId(4, 1)
	boom := errors.New("boom")
	sink := &fakeSink{writers: map[mailbox.HSId]*fakeWriter{good: {}, bad: {err: boom}}}

	blob, err := Request{Nonce: "n", Streams: StreamConfig{Destinations: []mailbox.HSId{good, bad}}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), blob, sink))
	engine.Wait()

	assert.ErrorIs(t, sink.failure, boom)
	assert.Equal(t, "boom", sink.writers[bad].failed)
	assert.True(t, sink.writers[good].closed)

	sink = &fakeSink{writers: map[mailbox.HSId]*fakeWriter{}}
	blob, err = Request{Nonce: "n", Streams: StreamConfig{Destinations: []mailbox.HSId{missing}}}.Marshal()
	require.NoError(t, err)
	require.NoError(t, engine.Submit(context.Background(), blob, sink))
	engine.Wait()
	assert.ErrorIs(t, sink.failure, ErrUnknownTarget)
}
