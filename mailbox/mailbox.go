// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mailbox defines the messaging fabric the rejoin core talks
// through, plus an in-process implementation.
package mailbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoMailbox     = errors.New("mailbox does not exist")
	ErrMailboxExists = errors.New("mailbox already exists")
	ErrFabricClosed  = errors.New("fabric closed")
)

// HSId is the logical address of a site or host endpoint.
// The host id occupies the high 32 bits and the site id the low 32 bits.
type HSId uint64

// NewHSId builds an HSId from its host and site halves.
func NewHSId(host, site uint32) HSId {
	return HSId(uint64(host)<<32 | uint64(site))
}

// Host returns the host half of the id.
func (id HSId) Host() uint32 { return uint32(uint64(id) >> 32) }

// Site returns the site half of the id.
func (id HSId) Site() uint32 { return uint32(id) }

func (id HSId) String() string {
	return fmt.Sprintf("%d:%d", id.Host(), id.Site())
}

// Envelope is a single delivered message.
type Envelope struct {
	From    HSId
	To      HSId
	Payload []byte
}

// Fabric delivers addressed messages between mailboxes.
// Delivery is at-least-once and ordered per sender.
type Fabric interface {
	// Send delivers payload to every destination.
	Send(ctx context.Context, from HSId, to []HSId, payload []byte) error

	// CreateMailbox registers id and returns its inbox.
	CreateMailbox(id HSId) (*Inbox, error)

	// RemoveMailbox unregisters id and closes its inbox.
	RemoveMailbox(id HSId)
}

// Inbox is the receiving end of a mailbox.
type Inbox struct {
	id HSId
	ch chan Envelope
}

// ID returns the mailbox id.
func (in *Inbox) ID() HSId { return in.id }

// C returns the channel envelopes arrive on. It is closed when the mailbox is removed.
func (in *Inbox) C() <-chan Envelope { return in.ch }

// Recv waits for the next envelope.
func (in *Inbox) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-in.ch:
		if !ok {
			return Envelope{}, ErrNoMailbox
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}
