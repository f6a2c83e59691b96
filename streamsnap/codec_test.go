// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"bytes"
	"testing"

	"github.com/absmach/rejoin/mailbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	rows := bytes.Repeat([]byte("row-data-"), 200)
	ackTo := mailbox.NewHSId(1, 99)

	tests := []struct {
		name  string
		block Block
	}{
		{"schema", SchemaBlock{TableID: 7, Data: []byte("CREATE TABLE t (id INT)")}},
		{"data", DataBlock{TableID: 7, Data: rows}},
		{"hashinator", HashinatorBlock{Data: rows[:300]}},
		{"end", EndBlock{}},
		{"failure", FailureBlock{Reason: "disk full"}},
	}

	for _, c := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		for _, tt := range tests {
			t.Run(c.String()+"/"+tt.name, func(t *testing.T) {
				in := Frame{TargetID: 3, Index: 42, AckTo: ackTo, Block: tt.block}
				data, err := EncodeFrame(in, c)
				require.NoError(t, err)

				out, err := DecodeFrame(data)
				require.NoError(t, err)
				assert.Equal(t, in.TargetID, out.TargetID)
				assert.Equal(t, in.Index, out.Index)
				assert.Equal(t, in.AckTo, out.AckTo)
				assert.Equal(t, in.Block, out.Block)
			})
		}
	}
}

func TestFrameCompressesLargePayloads(t *testing.T) {
	rows := bytes.Repeat([]byte("abcdefgh"), 1024)
	f := Frame{Index: 1, Block: DataBlock{TableID: 1, Data: rows}}

	raw, err := EncodeFrame(f, CompressionNone)
	require.NoError(t, err)
	packed, err := EncodeFrame(f, CompressionS2)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(raw))

	hdr, err := PeekHeader(packed)
	require.NoError(t, err)
	assert.Equal(t, KindData, hdr.Kind)
	assert.Equal(t, uint32(1), hdr.TableID)
	assert.Equal(t, CompressionS2, hdr.Compression)
	assert.Equal(t, len(rows), hdr.RawLength)
}

func TestFrameSmallPayloadStaysRaw(t *testing.T) {
	f := Frame{Block: DataBlock{TableID: 1, Data: []byte("tiny")}}
	data, err := EncodeFrame(f, CompressionZstd)
	require.NoError(t, err)

	hdr, err := PeekHeader(data)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, hdr.Compression)
}

func TestDecodeFrameDetectsCorruption(t *testing.T) {
	f := Frame{Index: 5, Block: DataBlock{TableID: 2, Data: bytes.Repeat([]byte{1, 2, 3}, 300)}}
	data, err := EncodeFrame(f, CompressionS2)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xff
	_, err = DecodeFrame(data)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// The header stays readable so the receiver can still address a failure ack.
	hdr, err := PeekHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), hdr.Index)

	_, err = DecodeFrame([]byte{0xff})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestAckEncodeDecode(t *testing.T) {
	in := Ack{TargetID: 9, Index: 12, EOS: true}
	data, err := EncodeAck(in)
	require.NoError(t, err)

	out, err := DecodeAck(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeAck([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}
