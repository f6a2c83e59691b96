// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/rejoin/mailbox"
)

var (
	ErrTargetClosed = errors.New("stream target closed")
	ErrTargetFailed = errors.New("stream target failed")
	ErrAckTimeout   = errors.New("stream target ack timeout")
)

const (
	DefaultWindow     = 64
	DefaultAckTimeout = 2 * time.Minute
)

// Observer receives per-block events. Implementations must not block.
type Observer interface {
	BlockSent(dest mailbox.HSId, kind Kind, rawBytes, wireBytes int)
	BlockAcked(dest mailbox.HSId)
	TargetFailed(dest mailbox.HSId)
}

// TargetConfig configures one source to destination stream.
type TargetConfig struct {
	Source mailbox.HSId
	Dest   mailbox.HSId
	// Hashinator is the partitioning configuration. It is only sent when the
	// source is the lowest site.
	Hashinator  []byte
	LowestSite  bool
	Compression Compression
	// Window bounds unacknowledged blocks. Writes wait while it is full.
	Window     int
	AckTimeout time.Duration
	Observer   Observer
	Logger     *slog.Logger
}

// TargetStats is a point in time view of a target.
type TargetStats struct {
	ID             uint64
	Dest           mailbox.HSId
	NextIndex      uint64
	Outstanding    int
	Sent           uint64
	Acked          uint64
	SentHashinator bool
	Closed         bool
}

type targetOp uint8

const (
	opWrite targetOp = iota
	opClose
	opFail
	opStats
)

type targetCmd struct {
	op      targetOp
	ctx     context.Context
	tableID uint32
	schema  []byte
	rows    []byte
	reason  string
	result  chan error
	stats   chan TargetStats
}

// targetState is confined to the target event loop.
type targetState struct {
	next           uint64
	outstanding    int
	pending        map[uint64]struct{}
	schemas        map[uint32]struct{}
	sent           uint64
	acked          uint64
	sentHashinator bool
	endSent        bool
	endIndex       uint64
	closers        []chan error
	finished       bool
}

// Target streams snapshot blocks to a single destination. All counters live
// in the target's own goroutine; callers and the ack receiver talk to it
// through channels.
type Target struct {
	id       uint64
	cfg      TargetConfig
	sender   *Sender
	receiver *AckReceiver
	logger   *slog.Logger

	cmds    chan targetCmd
	ctrl    chan targetCmd
	acks    *ackQueue
	sendErr chan error
	done    chan struct{}

	// Written by the event loop before done is closed.
	err   error
	final TargetStats
}

// NewTarget registers a target with receiver and starts its event loop.
func NewTarget(cfg TargetConfig, sender *Sender, receiver *AckReceiver) (*Target, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}

	t := &Target{
		cfg:      cfg,
		sender:   sender,
		receiver: receiver,
		cmds:     make(chan targetCmd),
		ctrl:     make(chan targetCmd),
		acks:     newAckQueue(),
		sendErr:  make(chan error, 1),
		done:     make(chan struct{}),
	}

	id, err := receiver.register(t.acks, t.done)
	if err != nil {
		return nil, err
	}
	t.id = id
	t.logger = cfg.Logger.With(
		slog.Uint64("target_id", id),
		slog.String("dest", cfg.Dest.String()))

	go t.run()
	return t, nil
}

// ID returns the target id carried in every block and ack.
func (t *Target) ID() uint64 { return t.id }

// Dest returns the destination stream mailbox.
func (t *Target) Dest() mailbox.HSId { return t.cfg.Dest }

// Done is closed once the target is torn down.
func (t *Target) Done() <-chan struct{} { return t.done }

// Err returns the teardown cause after Done is closed. It is nil for a clean
// close.
func (t *Target) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Write hands a table chunk to the sender. The first write of a table is
// preceded by its schema block. It returns once the blocks are queued, not
// when they are acknowledged.
func (t *Target) Write(ctx context.Context, tableID uint32, schema, rows []byte) error {
	return t.do(ctx, t.cmds, targetCmd{op: opWrite, ctx: ctx, tableID: tableID, schema: schema, rows: rows})
}

// Close sends the END block and waits until it is acknowledged, the target
// fails, or ctx is done. Closing an already closed target returns the
// teardown cause.
func (t *Target) Close(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	default:
	}
	err := t.do(ctx, t.cmds, targetCmd{op: opClose, ctx: ctx})
	if errors.Is(err, ErrTargetClosed) {
		return t.err
	}
	return err
}

// Fail sends a Failure block and tears the target down without waiting for
// an END handshake.
func (t *Target) Fail(reason string) {
	_ = t.do(context.Background(), t.ctrl, targetCmd{op: opFail, ctx: context.Background(), reason: reason})
	<-t.done
}

// Stats returns the current counters.
func (t *Target) Stats() TargetStats {
	cmd := targetCmd{op: opStats, stats: make(chan TargetStats, 1)}
	select {
	case t.ctrl <- cmd:
		return <-cmd.stats
	case <-t.done:
		return t.final
	}
}

func (t *Target) do(ctx context.Context, ch chan targetCmd, cmd targetCmd) error {
	cmd.result = make(chan error, 1)
	select {
	case ch <- cmd:
	case <-t.done:
		if t.err != nil {
			return t.err
		}
		return ErrTargetClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notifySendError is called from the sender goroutine.
func (t *Target) notifySendError(err error) {
	select {
	case t.sendErr <- err:
	default:
	}
}

func (t *Target) run() {
	st := &targetState{
		pending: make(map[uint64]struct{}),
		schemas: make(map[uint32]struct{}),
	}
	timer := time.NewTimer(t.cfg.AckTimeout)
	timer.Stop()
	defer timer.Stop()

	for !st.finished {
		var cmds <-chan targetCmd
		if st.outstanding < t.cfg.Window && !st.endSent {
			cmds = t.cmds
		}
		var timeout <-chan time.Time
		if st.outstanding > 0 {
			timeout = timer.C
		}

		select {
		case cmd := <-cmds:
			sentBefore := st.sent
			t.handle(st, cmd)
			if st.sent != sentBefore {
				timer.Reset(t.cfg.AckTimeout)
			}
		case cmd := <-t.ctrl:
			t.handle(st, cmd)
		case <-t.acks.notify:
			// Redelivered frames are acked again; handleAck skips the repeats.
			for _, ack := range t.acks.drain() {
				t.handleAck(st, ack)
				if st.finished {
					break
				}
			}
			if st.outstanding > 0 {
				timer.Reset(t.cfg.AckTimeout)
			}
		case err := <-t.sendErr:
			t.teardown(st, fmt.Errorf("%w: %v", ErrTargetFailed, err))
		case <-timeout:
			t.teardown(st, fmt.Errorf("%w: %d blocks unacknowledged after %s", ErrAckTimeout, st.outstanding, t.cfg.AckTimeout))
		}
	}
}

func (t *Target) handle(st *targetState, cmd targetCmd) {
	switch cmd.op {
	case opStats:
		cmd.stats <- t.snapshot(st)

	case opWrite:
		err := t.write(st, cmd)
		if err != nil {
			t.teardown(st, err)
		}
		cmd.result <- err

	case opClose:
		st.closers = append(st.closers, cmd.result)
		if err := t.sendHashinator(st, cmd.ctx); err != nil {
			t.teardown(st, err)
			return
		}
		index := st.next
		if err := t.send(st, cmd.ctx, EndBlock{}); err != nil {
			t.teardown(st, err)
			return
		}
		st.endSent = true
		st.endIndex = index

	case opFail:
		// Best effort: the destination may already be gone.
		if err := t.send(st, cmd.ctx, FailureBlock{Reason: cmd.reason}); err != nil {
			t.logger.Debug("failure block not sent", slog.String("error", err.Error()))
		}
		t.teardown(st, fmt.Errorf("%w: %s", ErrTargetFailed, cmd.reason))
		cmd.result <- nil
	}
}

func (t *Target) write(st *targetState, cmd targetCmd) error {
	if err := t.sendHashinator(st, cmd.ctx); err != nil {
		return err
	}
	if _, ok := st.schemas[cmd.tableID]; !ok {
		if err := t.send(st, cmd.ctx, SchemaBlock{TableID: cmd.tableID, Data: cmd.schema}); err != nil {
			return err
		}
		st.schemas[cmd.tableID] = struct{}{}
	}
	return t.send(st, cmd.ctx, DataBlock{TableID: cmd.tableID, Data: cmd.rows})
}

// sendHashinator emits the hashinator block as block 0 of the stream when
// this source is responsible for it.
func (t *Target) sendHashinator(st *targetState, ctx context.Context) error {
	if st.sentHashinator || st.next != 0 || !t.cfg.LowestSite || len(t.cfg.Hashinator) == 0 {
		return nil
	}
	if err := t.send(st, ctx, HashinatorBlock{Data: t.cfg.Hashinator}); err != nil {
		return err
	}
	st.sentHashinator = true
	return nil
}

func (t *Target) send(st *targetState, ctx context.Context, b Block) error {
	f := Frame{
		TargetID: t.id,
		Index:    st.next,
		AckTo:    t.receiver.ID(),
		Block:    b,
	}
	data, err := EncodeFrame(f, t.cfg.Compression)
	if err != nil {
		return err
	}

	out := outbound{
		from:    t.cfg.Source,
		to:      t.cfg.Dest,
		data:    data,
		onError: t.notifySendError,
	}
	if err := t.sender.enqueue(ctx, out); err != nil {
		return fmt.Errorf("%w: %v", ErrTargetFailed, err)
	}

	st.next++
	st.sent++
	if b.Kind() != KindFailure {
		st.pending[f.Index] = struct{}{}
		st.outstanding++
	}
	if t.cfg.Observer != nil {
		t.cfg.Observer.BlockSent(t.cfg.Dest, b.Kind(), payloadSize(b), len(data))
	}
	return nil
}

func (t *Target) handleAck(st *targetState, ack Ack) {
	if ack.Failure != "" {
		t.teardown(st, fmt.Errorf("%w: destination reported %s", ErrTargetFailed, ack.Failure))
		return
	}
	if _, ok := st.pending[ack.Index]; !ok {
		t.logger.Debug("duplicate or unexpected ack", slog.Uint64("index", ack.Index))
		return
	}
	delete(st.pending, ack.Index)
	st.outstanding--
	st.acked++
	if t.cfg.Observer != nil {
		t.cfg.Observer.BlockAcked(t.cfg.Dest)
	}

	if st.endSent && ack.Index == st.endIndex {
		t.teardown(st, nil)
	}
}

func (t *Target) teardown(st *targetState, err error) {
	if st.finished {
		return
	}
	st.finished = true

	t.err = err
	t.final = t.snapshot(st)
	t.final.Closed = true
	if err != nil {
		t.logger.Warn("stream target torn down",
			slog.Int("outstanding", st.outstanding),
			slog.String("error", err.Error()))
		if t.cfg.Observer != nil {
			t.cfg.Observer.TargetFailed(t.cfg.Dest)
		}
	} else {
		t.logger.Debug("stream target closed", slog.Uint64("blocks", st.sent))
	}

	for _, c := range st.closers {
		c <- err
	}
	st.closers = nil

	close(t.done)
	t.receiver.unregister(t.id)
}

func (t *Target) snapshot(st *targetState) TargetStats {
	return TargetStats{
		ID:             t.id,
		Dest:           t.cfg.Dest,
		NextIndex:      st.next,
		Outstanding:    st.outstanding,
		Sent:           st.sent,
		Acked:          st.acked,
		SentHashinator: st.sentHashinator,
		Closed:         st.finished,
	}
}

func payloadSize(b Block) int {
	switch b := b.(type) {
	case SchemaBlock:
		return len(b.Data)
	case DataBlock:
		return len(b.Data)
	case HashinatorBlock:
		return len(b.Data)
	default:
		return 0
	}
}
