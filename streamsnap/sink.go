// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/rejoin/mailbox"
)

var (
	ErrStreamFailed = errors.New("snapshot stream failed")
	ErrStreamGap    = errors.New("snapshot stream gap")
)

const ackSendTimeout = 5 * time.Second

// Applier consumes decoded snapshot blocks on the joining site.
type Applier interface {
	ApplySchema(tableID uint32, schema []byte) error
	ApplyData(tableID uint32, rows []byte) error
	ApplyHashinator(config []byte) error
}

type streamKey struct {
	ackTo    mailbox.HSId
	targetID uint64
}

// SinkStats reports what a sink has applied.
type SinkStats struct {
	Blocks      uint64
	Bytes       uint64
	StreamsDone int
}

// Sink is the receiving end of one or more snapshot streams addressed to a
// single stream mailbox. Every applied block is acknowledged to the ack
// mailbox carried in the frame.
type Sink struct {
	fabric  mailbox.Fabric
	inbox   *mailbox.Inbox
	applier Applier
	sources int
	logger  *slog.Logger

	blocks      atomic.Uint64
	bytes       atomic.Uint64
	streamsDone atomic.Int64

	stopCh    chan struct{}
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

// NewSink creates the stream mailbox id and applies blocks until sources
// streams have ended or one of them fails.
func NewSink(fabric mailbox.Fabric, id mailbox.HSId, sources int, applier Applier, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sources < 1 {
		sources = 1
	}
	inbox, err := fabric.CreateMailbox(id)
	if err != nil {
		return nil, err
	}

	s := &Sink{
		fabric:  fabric,
		inbox:   inbox,
		applier: applier,
		sources: sources,
		logger:  logger.With(slog.String("stream", id.String())),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// ID returns the stream mailbox id.
func (s *Sink) ID() mailbox.HSId { return s.inbox.ID() }

// Done is closed when every stream has ended or one failed.
func (s *Sink) Done() <-chan struct{} { return s.done }

// Wait blocks until the sink is done and returns the failure, if any.
func (s *Sink) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Blocks:      s.blocks.Load(),
		Bytes:       s.bytes.Load(),
		StreamsDone: int(s.streamsDone.Load()),
	}
}

// Close removes the stream mailbox.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.fabric.RemoveMailbox(s.inbox.ID())
	})
	<-s.done
}

func (s *Sink) run() {
	next := make(map[streamKey]uint64)

	finish := func(err error) {
		s.err = err
		close(s.done)
	}

	for {
		var env mailbox.Envelope
		select {
		case <-s.stopCh:
			finish(ErrStreamFailed)
			return
		case e, ok := <-s.inbox.C():
			if !ok {
				finish(ErrStreamFailed)
				return
			}
			env = e
		}

		f, err := DecodeFrame(env.Payload)
		if err != nil {
			hdr, herr := PeekHeader(env.Payload)
			if herr != nil {
				s.logger.Warn("dropping undecodable snapshot frame",
					slog.String("from", env.From.String()),
					slog.String("error", err.Error()))
				continue
			}
			s.ack(hdr.AckTo, Ack{TargetID: hdr.TargetID, Index: hdr.Index, Failure: err.Error()})
			finish(fmt.Errorf("%w: %v", ErrStreamFailed, err))
			return
		}

		key := streamKey{ackTo: f.AckTo, targetID: f.TargetID}
		want := next[key]
		switch {
		case f.Index < want:
			// Redelivery; the original ack may have been lost.
			s.ack(f.AckTo, Ack{TargetID: f.TargetID, Index: f.Index, EOS: f.Block.Kind() == KindEnd})
			continue
		case f.Index > want:
			err := fmt.Errorf("%w: got block %d, want %d", ErrStreamGap, f.Index, want)
			s.ack(f.AckTo, Ack{TargetID: f.TargetID, Index: f.Index, Failure: err.Error()})
			finish(err)
			return
		}
		next[key] = want + 1

		if fb, ok := f.Block.(FailureBlock); ok {
			finish(fmt.Errorf("%w: source reported %s", ErrStreamFailed, fb.Reason))
			return
		}

		if err := s.apply(f.Block); err != nil {
			s.ack(f.AckTo, Ack{TargetID: f.TargetID, Index: f.Index, Failure: err.Error()})
			finish(fmt.Errorf("%w: %v", ErrStreamFailed, err))
			return
		}

		eos := f.Block.Kind() == KindEnd
		s.ack(f.AckTo, Ack{TargetID: f.TargetID, Index: f.Index, EOS: eos})
		if eos && int(s.streamsDone.Add(1)) == s.sources {
			finish(nil)
			return
		}
	}
}

func (s *Sink) apply(b Block) error {
	var n int
	var err error
	switch b := b.(type) {
	case SchemaBlock:
		n, err = len(b.Data), s.applier.ApplySchema(b.TableID, b.Data)
	case DataBlock:
		n, err = len(b.Data), s.applier.ApplyData(b.TableID, b.Data)
	case HashinatorBlock:
		n, err = len(b.Data), s.applier.ApplyHashinator(b.Data)
	case EndBlock:
		return nil
	}
	if err != nil {
		return err
	}
	s.blocks.Add(1)
	s.bytes.Add(uint64(n))
	return nil
}

func (s *Sink) ack(to mailbox.HSId, a Ack) {
	data, err := EncodeAck(a)
	if err != nil {
		s.logger.Error("failed to encode ack", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ackSendTimeout)
	defer cancel()
	if err := s.fabric.Send(ctx, s.inbox.ID(), []mailbox.HSId{to}, data); err != nil {
		s.logger.Warn("failed to send ack",
			slog.String("to", to.String()),
			slog.Uint64("index", a.Index),
			slog.String("error", err.Error()))
	}
}
