// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"errors"
	"fmt"

	"github.com/absmach/rejoin/mailbox"
	"github.com/cespare/xxhash/v2"
	cbor "github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidFrame     = errors.New("invalid snapshot frame")
	ErrChecksumMismatch = errors.New("snapshot frame checksum mismatch")
)

// Frame field numbers. Header fields come first so a receiver can route a
// frame by kind, table and index without touching the payload.
const (
	fieldKind        protowire.Number = 1
	fieldTargetID    protowire.Number = 2
	fieldIndex       protowire.Number = 3
	fieldTableID     protowire.Number = 4
	fieldAckTo       protowire.Number = 5
	fieldCompression protowire.Number = 6
	fieldRawLength   protowire.Number = 7
	fieldChecksum    protowire.Number = 8
	fieldPayload     protowire.Number = 9
	fieldReason      protowire.Number = 10
)

// Header is the routing part of a frame.
type Header struct {
	Kind        Kind
	TargetID    uint64
	Index       uint64
	TableID     uint32
	AckTo       mailbox.HSId
	Compression Compression
	RawLength   int
}

// EncodeFrame serializes f, compressing the payload with c.
func EncodeFrame(f Frame, c Compression) ([]byte, error) {
	var (
		tableID uint32
		payload []byte
		reason  string
	)
	switch b := f.Block.(type) {
	case SchemaBlock:
		tableID, payload = b.TableID, b.Data
	case DataBlock:
		tableID, payload = b.TableID, b.Data
	case HashinatorBlock:
		payload = b.Data
	case EndBlock:
	case FailureBlock:
		reason = b.Reason
	default:
		return nil, fmt.Errorf("%w: unsupported block %T", ErrInvalidFrame, f.Block)
	}

	wire, used := compress(payload, c)

	out := make([]byte, 0, len(wire)+64)
	out = protowire.AppendTag(out, fieldKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(f.Block.Kind()))
	out = protowire.AppendTag(out, fieldTargetID, protowire.VarintType)
	out = protowire.AppendVarint(out, f.TargetID)
	out = protowire.AppendTag(out, fieldIndex, protowire.VarintType)
	out = protowire.AppendVarint(out, f.Index)
	out = protowire.AppendTag(out, fieldTableID, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(tableID))
	out = protowire.AppendTag(out, fieldAckTo, protowire.Fixed64Type)
	out = protowire.AppendFixed64(out, uint64(f.AckTo))

	if payload != nil {
		out = protowire.AppendTag(out, fieldCompression, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(used))
		out = protowire.AppendTag(out, fieldRawLength, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(len(payload)))
		out = protowire.AppendTag(out, fieldChecksum, protowire.Fixed64Type)
		out = protowire.AppendFixed64(out, xxhash.Sum64(wire))
		out = protowire.AppendTag(out, fieldPayload, protowire.BytesType)
		out = protowire.AppendBytes(out, wire)
	}
	if reason != "" {
		out = protowire.AppendTag(out, fieldReason, protowire.BytesType)
		out = protowire.AppendString(out, reason)
	}
	return out, nil
}

type rawFrame struct {
	hdr      Header
	checksum uint64
	payload  []byte
	hasData  bool
	reason   string
}

func parseFrame(data []byte, headerOnly bool) (rawFrame, error) {
	var rf rawFrame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return rf, fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(n))
		}
		data = data[n:]

		if headerOnly && num >= fieldChecksum {
			break
		}

		switch {
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return rf, fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldKind:
				rf.hdr.Kind = Kind(v)
			case fieldTargetID:
				rf.hdr.TargetID = v
			case fieldIndex:
				rf.hdr.Index = v
			case fieldTableID:
				rf.hdr.TableID = uint32(v)
			case fieldCompression:
				rf.hdr.Compression = Compression(v)
			case fieldRawLength:
				rf.hdr.RawLength = int(v)
			}
		case typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(data)
			if m < 0 {
				return rf, fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldAckTo:
				rf.hdr.AckTo = mailbox.HSId(v)
			case fieldChecksum:
				rf.checksum = v
			}
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return rf, fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(m))
			}
			data = data[m:]
			switch num {
			case fieldPayload:
				rf.payload = v
				rf.hasData = true
			case fieldReason:
				rf.reason = string(v)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return rf, fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	if rf.hdr.Kind < KindSchema || rf.hdr.Kind > KindFailure {
		return rf, fmt.Errorf("%w: kind %d", ErrInvalidFrame, rf.hdr.Kind)
	}
	return rf, nil
}

// PeekHeader reads the routing header of an encoded frame without
// verifying or decompressing the payload.
func PeekHeader(data []byte) (Header, error) {
	rf, err := parseFrame(data, true)
	return rf.hdr, err
}

// DecodeFrame parses, verifies and decompresses an encoded frame.
func DecodeFrame(data []byte) (Frame, error) {
	rf, err := parseFrame(data, false)
	if err != nil {
		return Frame{}, err
	}

	var payload []byte
	if rf.hasData {
		if xxhash.Sum64(rf.payload) != rf.checksum {
			return Frame{}, ErrChecksumMismatch
		}
		payload, err = decompress(rf.payload, rf.hdr.Compression)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if len(payload) != rf.hdr.RawLength {
			return Frame{}, fmt.Errorf("%w: payload length %d, want %d", ErrInvalidFrame, len(payload), rf.hdr.RawLength)
		}
		if rf.hdr.Compression == CompressionNone {
			payload = append([]byte(nil), payload...)
		}
	}

	f := Frame{
		TargetID: rf.hdr.TargetID,
		Index:    rf.hdr.Index,
		AckTo:    rf.hdr.AckTo,
	}
	switch rf.hdr.Kind {
	case KindSchema:
		f.Block = SchemaBlock{TableID: rf.hdr.TableID, Data: payload}
	case KindData:
		f.Block = DataBlock{TableID: rf.hdr.TableID, Data: payload}
	case KindHashinator:
		f.Block = HashinatorBlock{Data: payload}
	case KindEnd:
		f.Block = EndBlock{}
	case KindFailure:
		f.Block = FailureBlock{Reason: rf.reason}
	}
	return f, nil
}

// EncodeAck serializes an ack.
func EncodeAck(a Ack) ([]byte, error) {
	return cbor.Marshal(a)
}

// DecodeAck parses an ack.
func DecodeAck(data []byte) (Ack, error) {
	var a Ack
	if err := cbor.Unmarshal(data, &a); err != nil {
		return Ack{}, fmt.Errorf("invalid ack: %w", err)
	}
	return a, nil
}
