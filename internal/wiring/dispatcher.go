// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/rejoin/mailbox"
	"github.com/absmach/rejoin/rejoin"
)

var ErrNoHandler = errors.New("no handler for mailbox")

type coordinatorHandler interface {
	Deliver(msg rejoin.Message) error
}

type siteHandler interface {
	Deliver(ctx context.Context, msg rejoin.Message) error
}

// MessageDispatcher routes rejoin messages arriving on node mailboxes to the
// coordinator or to the joining site they are addressed to.
type MessageDispatcher struct {
	coordinator coordinatorHandler
	logger      *slog.Logger

	mu    sync.RWMutex
	sites map[mailbox.HSId]siteHandler
}

// NewMessageDispatcher builds a dispatcher. coordinator may be nil on a node
// that only hosts joining sites.
func NewMessageDispatcher(coordinator coordinatorHandler, logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		coordinator: coordinator,
		logger:      logger,
		sites:       make(map[mailbox.HSId]siteHandler),
	}
}

// AddSite registers the handler for messages addressed to id.
func (d *MessageDispatcher) AddSite(id mailbox.HSId, h siteHandler) {
	d.mu.Lock()
	d.sites[id] = h
	d.mu.Unlock()
}

// RemoveSite drops the handler of id.
func (d *MessageDispatcher) RemoveSite(id mailbox.HSId) {
	d.mu.Lock()
	delete(d.sites, id)
	d.mu.Unlock()
}

// Dispatch decodes env and hands it to its handler.
func (d *MessageDispatcher) Dispatch(ctx context.Context, env mailbox.Envelope) error {
	msg, err := rejoin.Decode(env.Payload)
	if err != nil {
		return err
	}

	switch msg.Kind() {
	case rejoin.KindInitiationResponse, rejoin.KindSnapshotFinished, rejoin.KindReplayFinished:
		if d.coordinator == nil {
			return fmt.Errorf("%w: %s (%s)", ErrNoHandler, env.To, msg.Kind())
		}
		return d.coordinator.Deliver(msg)
	default:
		d.mu.RLock()
		h, ok := d.sites[env.To]
		d.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %s (%s)", ErrNoHandler, env.To, msg.Kind())
		}
		return h.Deliver(ctx, msg)
	}
}

// Serve dispatches everything arriving on inbox until ctx is done or the
// mailbox is removed. Handler errors are logged, not returned.
func (d *MessageDispatcher) Serve(ctx context.Context, inbox *mailbox.Inbox) error {
	for {
		env, err := inbox.Recv(ctx)
		if err != nil {
			if errors.Is(err, mailbox.ErrNoMailbox) {
				return nil
			}
			return err
		}
		if err := d.Dispatch(ctx, env); err != nil {
			d.logger.Warn("failed to dispatch rejoin message",
				slog.String("mailbox", inbox.ID().String()),
				slog.String("from", env.From.String()),
				slog.String("error", err.Error()))
		}
	}
}
