// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rejoin

import (
	"errors"
	"fmt"

	"github.com/absmach/rejoin/internal/bufpool"
	"github.com/absmach/rejoin/mailbox"
	cbor "github.com/fxamacker/cbor/v2"
)

var ErrUnknownMessage = errors.New("unknown rejoin message")

// MessageKind identifies a message variant on the wire.
type MessageKind uint8

const (
	KindInitiation MessageKind = iota + 1
	KindInitiationBroadcast
	KindInitiationResponse
	KindSnapshotFinished
	KindReplayFinished
	KindReplayTask
	KindReplayDone
)

func (k MessageKind) String() string {
	switch k {
	case KindInitiation:
		return "Initiation"
	case KindInitiationBroadcast:
		return "InitiationBroadcast"
	case KindInitiationResponse:
		return "InitiationResponse"
	case KindSnapshotFinished:
		return "SnapshotFinished"
	case KindReplayFinished:
		return "ReplayFinished"
	case KindReplayTask:
		return "ReplayTask"
	case KindReplayDone:
		return "ReplayDone"
	default:
		return "Unknown"
	}
}

// Message is exchanged between the coordinator and joining sites. The set of
// variants is closed.
type Message interface {
	Kind() MessageKind
	From() mailbox.HSId
	isMessage()
}

// Initiation asks a single site to prepare for rejoin. MailboxID is where
// the site must reply.
type Initiation struct {
	Source    mailbox.HSId `cbor:"1,keyasint"`
	MailboxID mailbox.HSId `cbor:"2,keyasint"`
}

// InitiationBroadcast asks every addressed site to prepare at once.
type InitiationBroadcast struct {
	Source    mailbox.HSId `cbor:"1,keyasint"`
	MailboxID mailbox.HSId `cbor:"2,keyasint"`
	Label     string       `cbor:"3,keyasint"`
}

// InitiationResponse reports that a site is ready and where its snapshot
// stream must be sent.
type InitiationResponse struct {
	Source          mailbox.HSId `cbor:"1,keyasint"`
	SiteID          mailbox.HSId `cbor:"2,keyasint"`
	TxnID           int64        `cbor:"3,keyasint"`
	StreamMailboxID mailbox.HSId `cbor:"4,keyasint"`
}

// SnapshotFinished reports that a site applied its whole snapshot.
type SnapshotFinished struct {
	Source mailbox.HSId `cbor:"1,keyasint"`
	SiteID mailbox.HSId `cbor:"2,keyasint"`
}

// ReplayFinished reports that a site executed every replayed task.
type ReplayFinished struct {
	Source mailbox.HSId `cbor:"1,keyasint"`
	SiteID mailbox.HSId `cbor:"2,keyasint"`
}

// ReplayTask carries one logged transaction task to a joining site.
type ReplayTask struct {
	Source      mailbox.HSId `cbor:"1,keyasint"`
	SiteID      mailbox.HSId `cbor:"2,keyasint"`
	PartitionID int32        `cbor:"3,keyasint"`
	Ordinal     int64        `cbor:"4,keyasint"`
	Payload     []byte       `cbor:"5,keyasint"`
}

// ReplayDone tells a site that Count tasks were replayed and no more follow.
type ReplayDone struct {
	Source mailbox.HSId `cbor:"1,keyasint"`
	SiteID mailbox.HSId `cbor:"2,keyasint"`
	Count  uint64       `cbor:"3,keyasint"`
}

func (Initiation) Kind() MessageKind          { return KindInitiation }
func (InitiationBroadcast) Kind() MessageKind { return KindInitiationBroadcast }
func (InitiationResponse) Kind() MessageKind  { return KindInitiationResponse }
func (SnapshotFinished) Kind() MessageKind    { return KindSnapshotFinished }
func (ReplayFinished) Kind() MessageKind      { return KindReplayFinished }
func (ReplayTask) Kind() MessageKind          { return KindReplayTask }
func (ReplayDone) Kind() MessageKind          { return KindReplayDone }

func (m Initiation) From() mailbox.HSId          { return m.Source }
func (m InitiationBroadcast) From() mailbox.HSId { return m.Source }
func (m InitiationResponse) From() mailbox.HSId  { return m.Source }
func (m SnapshotFinished) From() mailbox.HSId    { return m.Source }
func (m ReplayFinished) From() mailbox.HSId      { return m.Source }
func (m ReplayTask) From() mailbox.HSId          { return m.Source }
func (m ReplayDone) From() mailbox.HSId          { return m.Source }

func (Initiation) isMessage()          {}
func (InitiationBroadcast) isMessage() {}
func (InitiationResponse) isMessage()  {}
func (SnapshotFinished) isMessage()    {}
func (ReplayFinished) isMessage()      {}
func (ReplayTask) isMessage()          {}
func (ReplayDone) isMessage()          {}

type envelope struct {
	Kind MessageKind     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// Encode serializes a message with its kind tag.
func Encode(m Message) ([]byte, error) {
	body, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}

	buf := bufpool.Get()
	if err := cbor.NewEncoder(buf).Encode(envelope{Kind: m.Kind(), Body: body}); err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return bufpool.Detach(buf), nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode rejoin message: %w", err)
	}

	var (
		m   Message
		err error
	)
	switch env.Kind {
	case KindInitiation:
		var v Initiation
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindInitiationBroadcast:
		var v InitiationBroadcast
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindInitiationResponse:
		var v InitiationResponse
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindSnapshotFinished:
		var v SnapshotFinished
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindReplayFinished:
		var v ReplayFinished
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindReplayTask:
		var v ReplayTask
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	case KindReplayDone:
		var v ReplayDone
		err = cbor.Unmarshal(env.Body, &v)
		m = v
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrUnknownMessage, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return m, nil
}
