// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/rejoin/mailbox"
	"golang.org/x/sync/errgroup"
)

// MemTable is a table held by MemoryEngine, already split into row chunks.
type MemTable struct {
	Table
	Schema []byte
	Chunks [][]byte
}

// MemoryEngine streams a fixed set of in-memory tables to every destination
// of a request. It backs the demo binary and tests.
type MemoryEngine struct {
	tables []MemTable
	logger *slog.Logger

	mu       sync.Mutex
	requests []Request
	onSubmit func(Request)

	wg sync.WaitGroup
}

// NewMemoryEngine returns an engine serving tables.
func NewMemoryEngine(tables []MemTable, logger *slog.Logger) *MemoryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEngine{tables: tables, logger: logger}
}

// OnSubmit registers a hook called synchronously for every accepted request.
func (e *MemoryEngine) OnSubmit(fn func(Request)) {
	e.mu.Lock()
	e.onSubmit = fn
	e.mu.Unlock()
}

// Requests returns the accepted requests in submission order.
func (e *MemoryEngine) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// Wait blocks until every accepted request has finished streaming.
func (e *MemoryEngine) Wait() {
	e.wg.Wait()
}

// Submit implements Engine.
func (e *MemoryEngine) Submit(ctx context.Context, blob []byte, sink Sink) error {
	req, err := ParseRequest(blob)
	if err != nil {
		return err
	}
	tables, err := e.selectTables(req.Tables)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.requests = append(e.requests, req)
	hook := e.onSubmit
	e.mu.Unlock()
	if hook != nil {
		hook(req)
	}

	e.logger.Info("snapshot request accepted",
		slog.String("nonce", req.Nonce),
		slog.Int("tables", len(tables)),
		slog.Int("destinations", len(req.Streams.Destinations)))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.stream(context.WithoutCancel(ctx), req, tables, sink); err != nil {
			e.logger.Warn("snapshot stream failed",
				slog.String("nonce", req.Nonce),
				slog.String("error", err.Error()))
			sink.Failed(err)
		}
	}()
	return nil
}

func (e *MemoryEngine) selectTables(refs []Table) ([]MemTable, error) {
	if len(refs) == 0 {
		return e.tables, nil
	}
	byID := make(map[uint32]MemTable, len(e.tables))
	for _, t := range e.tables {
		byID[t.ID] = t
	}
	out := make([]MemTable, 0, len(refs))
	for _, ref := range refs {
		t, ok := byID[ref.ID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown table %d (%s)", ErrInvalidRequest, ref.ID, ref.Name)
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *MemoryEngine) stream(ctx context.Context, req Request, tables []MemTable, sink Sink) error {
	var g errgroup.Group
	for _, dest := range req.Streams.Destinations {
		g.Go(func() error {
			return e.streamTo(ctx, dest, tables, sink)
		})
	}
	return g.Wait()
}

func (e *MemoryEngine) streamTo(ctx context.Context, dest mailbox.HSId, tables []MemTable, sink Sink) error {
	w, err := sink.Target(dest)
	if err != nil {
		return fmt.Errorf("stream to %s: %w", dest, err)
	}

	for _, t := range tables {
		chunks := t.Chunks
		if len(chunks) == 0 {
			chunks = [][]byte{nil}
		}
		for _, rows := range chunks {
			if err := w.Write(ctx, t.ID, t.Schema, rows); err != nil {
				w.Fail(err.Error())
				return fmt.Errorf("stream table %d to %s: %w", t.ID, dest, err)
			}
		}
	}

	if err := w.Close(ctx); err != nil {
		return fmt.Errorf("close stream to %s: %w", dest, err)
	}
	return nil
}
