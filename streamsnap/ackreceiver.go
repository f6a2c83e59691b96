// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/rejoin/mailbox"
)

var ErrReceiverClosed = errors.New("ack receiver closed")

type registration struct {
	acks  *ackQueue
	done  <-chan struct{}
	reply chan uint64
}

type route struct {
	acks *ackQueue
	done <-chan struct{}
}

// ackQueue hands acks from the shared receiver to one target. push never
// blocks, so a target that stops reading cannot hold up acks for the others.
type ackQueue struct {
	mu     sync.Mutex
	acks   []Ack
	notify chan struct{}
}

func newAckQueue() *ackQueue {
	return &ackQueue{notify: make(chan struct{}, 1)}
}

func (q *ackQueue) push(ack Ack) {
	q.mu.Lock()
	q.acks = append(q.acks, ack)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain takes every queued ack in arrival order.
func (q *ackQueue) drain() []Ack {
	q.mu.Lock()
	defer q.mu.Unlock()
	acks := q.acks
	q.acks = nil
	return acks
}

// AckReceiver is the single worker consuming acks for every target of a node.
// It owns the ack mailbox and the target id space.
type AckReceiver struct {
	fabric mailbox.Fabric
	inbox  *mailbox.Inbox
	logger *slog.Logger

	regs   chan registration
	unregs chan uint64

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewAckReceiver creates the ack mailbox id and starts consuming it.
func NewAckReceiver(fabric mailbox.Fabric, id mailbox.HSId, logger *slog.Logger) (*AckReceiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inbox, err := fabric.CreateMailbox(id)
	if err != nil {
		return nil, err
	}

	r := &AckReceiver{
		fabric: fabric,
		inbox:  inbox,
		logger: logger,
		regs:   make(chan registration),
		unregs: make(chan uint64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// ID returns the mailbox acks must be addressed to.
func (r *AckReceiver) ID() mailbox.HSId {
	return r.inbox.ID()
}

// Close stops the worker and removes the ack mailbox.
func (r *AckReceiver) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.fabric.RemoveMailbox(r.inbox.ID())
	})
	<-r.done
}

func (r *AckReceiver) register(acks *ackQueue, done <-chan struct{}) (uint64, error) {
	reg := registration{acks: acks, done: done, reply: make(chan uint64, 1)}
	select {
	case r.regs <- reg:
	case <-r.stopCh:
		return 0, ErrReceiverClosed
	}
	return <-reg.reply, nil
}

func (r *AckReceiver) unregister(id uint64) {
	select {
	case r.unregs <- id:
	case <-r.stopCh:
	}
}

func (r *AckReceiver) run() {
	defer close(r.done)

	routes := make(map[uint64]route)
	var lastID uint64

	for {
		select {
		case <-r.stopCh:
			return
		case reg := <-r.regs:
			lastID++
			routes[lastID] = route{acks: reg.acks, done: reg.done}
			reg.reply <- lastID
		case id := <-r.unregs:
			delete(routes, id)
		case env, ok := <-r.inbox.C():
			if !ok {
				return
			}
			ack, err := DecodeAck(env.Payload)
			if err != nil {
				r.logger.Warn("dropping malformed snapshot ack",
					slog.String("from", env.From.String()),
					slog.String("error", err.Error()))
				continue
			}
			rt, ok := routes[ack.TargetID]
			if !ok {
				r.logger.Debug("ack for unknown stream target",
					slog.Uint64("target_id", ack.TargetID),
					slog.Uint64("index", ack.Index))
				continue
			}
			select {
			case <-rt.done:
				delete(routes, ack.TargetID)
			default:
				rt.acks.push(ack)
			}
		}
	}
}
