// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package site implements the joining side of a live rejoin: it answers the
// coordinator's initiation, applies the snapshot stream and executes the
// replayed tasks.
package site

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/rejoin"
	"github.com/absmach/rejoin/streamsnap"
	"github.com/absmach/rejoin/tasklog"
)

var (
	ErrNotInitiated    = errors.New("site has not been initiated")
	ErrWrongSite       = errors.New("message addressed to another site")
	ErrReplayMismatch  = errors.New("replayed task count mismatch")
	ErrAgentClosed     = errors.New("site agent closed")
	ErrUnexpectedKind  = errors.New("unexpected message for site")
	ErrSnapshotPending = errors.New("snapshot not applied yet")
)

const sendTimeout = 5 * time.Second

// Executor runs a replayed transaction task on the joining site.
type Executor interface {
	Execute(ctx context.Context, t tasklog.Task) error
}

// Config configures an Agent.
type Config struct {
	// ID is the site's own mailbox. Initiation and replay traffic arrive there.
	ID mailbox.HSId
	// StreamID is the mailbox the snapshot stream is received on.
	StreamID mailbox.HSId
	Fabric   mailbox.Fabric
	// Sources is the number of snapshot streams expected. Defaults to 1.
	Sources  int
	Applier  streamsnap.Applier
	Executor Executor
	// TxnID reports the last transaction id the site knows of.
	TxnID  func() int64
	Logger *slog.Logger
}

// Stats is a point in time view of an agent.
type Stats struct {
	Initiated        bool
	SnapshotApplied  bool
	SnapshotBlocks   uint64
	Replayed         uint64
	ReplayFinished   bool
	CoordinatorID    mailbox.HSId
	StreamsCompleted int
}

// Agent is the joining site's half of the rejoin protocol.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	coordinator mailbox.HSId
	sink        *streamsnap.Sink
	applied     bool
	replayed    uint64
	finished    bool
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an agent for cfg.
func New(cfg Config) (*Agent, error) {
	if cfg.Fabric == nil {
		return nil, fmt.Errorf("site: fabric is required")
	}
	if cfg.Applier == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("site: applier and executor are required")
	}
	if cfg.Sources <= 0 {
		cfg.Sources = 1
	}
	if cfg.TxnID == nil {
		cfg.TxnID = func() int64 { return 0 }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.String("site", cfg.ID.String())),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ID returns the site mailbox id.
func (a *Agent) ID() mailbox.HSId { return a.cfg.ID }

// Deliver handles one message from the coordinator.
func (a *Agent) Deliver(ctx context.Context, msg rejoin.Message) error {
	switch m := msg.(type) {
	case rejoin.Initiation:
		return a.initiate(ctx, m.MailboxID)
	case rejoin.InitiationBroadcast:
		return a.initiate(ctx, m.MailboxID)
	case rejoin.ReplayTask:
		return a.replayTask(ctx, m)
	case rejoin.ReplayDone:
		return a.replayDone(ctx, m)
	default:
		return fmt.Errorf("%w: %s from %s", ErrUnexpectedKind, msg.Kind(), msg.From())
	}
}

func (a *Agent) initiate(ctx context.Context, coordinator mailbox.HSId) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAgentClosed
	}
	if a.sink != nil {
		// Redelivered initiation; the response is sent again below.
		a.mu.Unlock()
		return a.respond(ctx, coordinator)
	}
	sink, err := streamsnap.NewSink(a.cfg.Fabric, a.cfg.StreamID, a.cfg.Sources, a.cfg.Applier, a.logger)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to open snapshot sink: %w", err)
	}
	a.sink = sink
	a.coordinator = coordinator
	a.mu.Unlock()

	a.logger.Info("site initiated",
		slog.String("coordinator", coordinator.String()),
		slog.String("stream", a.cfg.StreamID.String()))

	a.wg.Add(1)
	go a.awaitSnapshot(sink, coordinator)

	return a.respond(ctx, coordinator)
}

func (a *Agent) respond(ctx context.Context, coordinator mailbox.HSId) error {
	return a.send(ctx, coordinator, rejoin.InitiationResponse{
		Source:          a.cfg.ID,
		SiteID:          a.cfg.ID,
		TxnID:           a.cfg.TxnID(),
		StreamMailboxID: a.cfg.StreamID,
	})
}

// awaitSnapshot reports SnapshotFinished once every stream has ended. A
// failed stream is left to the coordinator's timeout.
func (a *Agent) awaitSnapshot(sink *streamsnap.Sink, coordinator mailbox.HSId) {
	defer a.wg.Done()
	if err := sink.Wait(a.ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("snapshot stream failed", slog.String("error", err.Error()))
		}
		return
	}

	st := sink.Stats()
	a.mu.Lock()
	a.applied = true
	a.mu.Unlock()
	a.logger.Info("snapshot applied",
		slog.Uint64("blocks", st.Blocks),
		slog.Uint64("bytes", st.Bytes))

	ctx, cancel := context.WithTimeout(a.ctx, sendTimeout)
	defer cancel()
	if err := a.send(ctx, coordinator, rejoin.SnapshotFinished{Source: a.cfg.ID, SiteID: a.cfg.ID}); err != nil {
		a.logger.Error("failed to report snapshot finished", slog.String("error", err.Error()))
	}
}

func (a *Agent) replayTask(ctx context.Context, m rejoin.ReplayTask) error {
	if m.SiteID != a.cfg.ID {
		return fmt.Errorf("%w: %s", ErrWrongSite, m.SiteID)
	}
	a.mu.Lock()
	applied := a.applied
	a.mu.Unlock()
	if !applied {
		return ErrSnapshotPending
	}

	t := tasklog.Task{PartitionID: m.PartitionID, Ordinal: m.Ordinal, Payload: m.Payload}
	if err := a.cfg.Executor.Execute(ctx, t); err != nil {
		return fmt.Errorf("execute replayed task %d: %w", m.Ordinal, err)
	}

	a.mu.Lock()
	a.replayed++
	a.mu.Unlock()
	return nil
}

func (a *Agent) replayDone(ctx context.Context, m rejoin.ReplayDone) error {
	if m.SiteID != a.cfg.ID {
		return fmt.Errorf("%w: %s", ErrWrongSite, m.SiteID)
	}
	a.mu.Lock()
	coordinator := a.coordinator
	replayed := a.replayed
	if a.sink == nil {
		a.mu.Unlock()
		return ErrNotInitiated
	}
	if replayed != m.Count {
		a.mu.Unlock()
		return fmt.Errorf("%w: executed %d, coordinator sent %d", ErrReplayMismatch, replayed, m.Count)
	}
	a.finished = true
	a.mu.Unlock()

	a.logger.Info("replay finished", slog.Uint64("tasks", replayed))
	return a.send(ctx, coordinator, rejoin.ReplayFinished{Source: a.cfg.ID, SiteID: a.cfg.ID})
}

func (a *Agent) send(ctx context.Context, to mailbox.HSId, msg rejoin.Message) error {
	data, err := rejoin.Encode(msg)
	if err != nil {
		return err
	}
	if err := a.cfg.Fabric.Send(ctx, a.cfg.ID, []mailbox.HSId{to}, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), to, err)
	}
	return nil
}

// Stats returns the agent's progress.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		Initiated:       a.sink != nil,
		SnapshotApplied: a.applied,
		Replayed:        a.replayed,
		ReplayFinished:  a.finished,
		CoordinatorID:   a.coordinator,
	}
	if a.sink != nil {
		ss := a.sink.Stats()
		st.SnapshotBlocks = ss.Blocks
		st.StreamsCompleted = ss.StreamsDone
	}
	return st
}

// Close stops the agent and removes its stream mailbox.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sink := a.sink
	a.mu.Unlock()

	a.cancel()
	if sink != nil {
		sink.Close()
	}
	a.wg.Wait()
}
