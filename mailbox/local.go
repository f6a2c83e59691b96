// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

const defaultInboxSize = 4096

var _ Fabric = (*Local)(nil)

// Local is an in-process fabric. Each mailbox is a bounded FIFO queue, so
// delivery is ordered per sender and Send blocks while a destination is full.
type Local struct {
	mu        sync.RWMutex
	mailboxes map[HSId]*localBox
	inboxSize int
	closed    bool
	logger    *slog.Logger
}

type localBox struct {
	inbox *Inbox
	done  chan struct{}
	once  sync.Once
	// mu guards sends against a concurrent close of the channel.
	mu     sync.RWMutex
	closed bool
}

// NewLocal creates an in-process fabric. A non-positive inboxSize selects the default.
func NewLocal(inboxSize int, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	return &Local{
		mailboxes: make(map[HSId]*localBox),
		inboxSize: inboxSize,
		logger:    logger,
	}
}

// CreateMailbox registers a new mailbox.
func (l *Local) CreateMailbox(id HSId) (*Inbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrFabricClosed
	}
	if _, ok := l.mailboxes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMailboxExists, id)
	}

	box := &localBox{
		inbox: &Inbox{id: id, ch: make(chan Envelope, l.inboxSize)},
		done:  make(chan struct{}),
	}
	l.mailboxes[id] = box
	return box.inbox, nil
}

// RemoveMailbox unregisters a mailbox and closes its inbox channel.
func (l *Local) RemoveMailbox(id HSId) {
	l.mu.Lock()
	box, ok := l.mailboxes[id]
	delete(l.mailboxes, id)
	l.mu.Unlock()

	if ok {
		box.close()
	}
}

// Send copies payload into every destination mailbox.
func (l *Local) Send(ctx context.Context, from HSId, to []HSId, payload []byte) error {
	for _, dest := range to {
		l.mu.RLock()
		box, ok := l.mailboxes[dest]
		closed := l.closed
		l.mu.RUnlock()

		if closed {
			return ErrFabricClosed
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMailbox, dest)
		}

		env := Envelope{
			From:    from,
			To:      dest,
			Payload: append([]byte(nil), payload...),
		}
		if err := box.deliver(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// Close removes every mailbox.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	boxes := l.mailboxes
	l.mailboxes = make(map[HSId]*localBox)
	l.mu.Unlock()

	for _, box := range boxes {
		box.close()
	}
	l.logger.Debug("local fabric closed", slog.Int("mailboxes", len(boxes)))
	return nil
}

func (b *localBox) deliver(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: %s", ErrNoMailbox, env.To)
	}
	select {
	case b.inbox.ch <- env:
		return nil
	case <-b.done:
		return fmt.Errorf("%w: %s", ErrNoMailbox, env.To)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *localBox) close() {
	// Wake blocked senders before taking the write lock.
	b.once.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.inbox.ch)
}
