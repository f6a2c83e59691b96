// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package streamsnap streams snapshot table data to joining sites as
// compressed, acknowledged blocks.
package streamsnap

import "github.com/absmach/rejoin/mailbox"

// Kind identifies a block variant on the wire.
type Kind uint8

const (
	KindSchema Kind = iota + 1
	KindData
	KindHashinator
	KindEnd
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindData:
		return "data"
	case KindHashinator:
		return "hashinator"
	case KindEnd:
		return "end"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Block is one unit of a snapshot stream. The set of variants is closed.
type Block interface {
	Kind() Kind
	isBlock()
}

// SchemaBlock carries the serialized schema of a table. It precedes the
// first data block of that table on every stream.
type SchemaBlock struct {
	TableID uint32
	Data    []byte
}

// DataBlock carries a chunk of serialized table rows.
type DataBlock struct {
	TableID uint32
	Data    []byte
}

// HashinatorBlock carries the partitioning function configuration.
type HashinatorBlock struct {
	Data []byte
}

// EndBlock terminates a stream.
type EndBlock struct{}

// FailureBlock signals an irrecoverable error on the sending side.
type FailureBlock struct {
	Reason string
}

func (SchemaBlock) Kind() Kind     { return KindSchema }
func (DataBlock) Kind() Kind       { return KindData }
func (HashinatorBlock) Kind() Kind { return KindHashinator }
func (EndBlock) Kind() Kind        { return KindEnd }
func (FailureBlock) Kind() Kind    { return KindFailure }

func (SchemaBlock) isBlock()     {}
func (DataBlock) isBlock()       {}
func (HashinatorBlock) isBlock() {}
func (EndBlock) isBlock()        {}
func (FailureBlock) isBlock()    {}

// Frame is a block addressed within a stream: the target it belongs to, its
// position in that stream and where the receiver must send the ack.
type Frame struct {
	TargetID uint64
	Index    uint64
	AckTo    mailbox.HSId
	Block    Block
}

// Ack acknowledges a single frame.
type Ack struct {
	TargetID uint64 `cbor:"1,keyasint"`
	Index    uint64 `cbor:"2,keyasint"`
	EOS      bool   `cbor:"3,keyasint,omitempty"`
	// Failure is set when the receiver could not apply the stream.
	Failure string `cbor:"4,keyasint,omitempty"`
}
