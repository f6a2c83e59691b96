// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tasklog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferAppendAndRead(t *testing.T) {
	b := NewBuffer(3, 1024)
	assert.Equal(t, BufferOpen, b.State())

	headroom, ok := b.TryAppend(Task{PartitionID: 1, Ordinal: 10, Payload: []byte("alpha")})
	require.True(t, ok)
	assert.Equal(t, 1024-BufferHeaderSize-RecordSize(5), headroom)

	_, ok = b.TryAppend(Task{PartitionID: 2, Ordinal: 11, Payload: []byte("beta")})
	require.True(t, ok)
	assert.Equal(t, 2, b.Count())

	b.Seal()
	assert.Equal(t, BufferSealed, b.State())

	first, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, int32(1), first.PartitionID)
	assert.Equal(t, int64(10), first.Ordinal)
	assert.Equal(t, "alpha", string(first.Payload))

	second, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, "beta", string(second.Payload))

	_, ok = b.Next()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Remaining())
}

func TestBufferRejectsRecordThatDoesNotFit(t *testing.T) {
	b := NewBuffer(0, BufferHeaderSize+RecordSize(8))

	_, ok := b.TryAppend(Task{Payload: make([]byte, 8)})
	require.True(t, ok)
	assert.Equal(t, 0, b.Headroom())

	before := b.Len()
	_, ok = b.TryAppend(Task{Payload: []byte{1}})
	assert.False(t, ok)
	assert.Equal(t, before, b.Len())
	assert.Equal(t, 1, b.Count())
}

func TestBufferAppendAfterSealPanics(t *testing.T) {
	b := NewBuffer(0, 256)
	b.Seal()
	assert.Panics(t, func() {
		b.TryAppend(Task{Payload: []byte("late")})
	})
}

func TestBufferReadBeforeSealPanics(t *testing.T) {
	b := NewBuffer(0, 256)
	assert.Panics(t, func() {
		b.Next()
	})
}

func TestBufferEncodeDecode(t *testing.T) {
	b := NewBuffer(42, 4096)
	for i := 0; i < 10; i++ {
		_, ok := b.TryAppend(Task{PartitionID: int32(i % 3), Ordinal: int64(100 + i), Payload: []byte{byte(i), byte(i)}})
		require.True(t, ok)
	}
	b.Seal()

	decoded, err := DecodeBuffer(append([]byte(nil), b.Bytes()...))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decoded.ID())
	assert.Equal(t, 10, decoded.Count())

	for i := 0; i < 10; i++ {
		task, ok := decoded.Next()
		require.True(t, ok)
		assert.Equal(t, int64(100+i), task.Ordinal)
		assert.Equal(t, int32(i%3), task.PartitionID)
	}
}

func TestDecodeBufferDetectsCorruption(t *testing.T) {
	b := NewBuffer(1, 256)
	b.TryAppend(Task{Ordinal: 1, Payload: []byte("payload")})
	b.Seal()

	data := append([]byte(nil), b.Bytes()...)
	data[len(data)-1] ^= 0xff
	_, err := DecodeBuffer(data)
	assert.ErrorIs(t, err, ErrCRCMismatch)

	data = append([]byte(nil), b.Bytes()...)
	data[0] = 0
	_, err = DecodeBuffer(data)
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, err = DecodeBuffer(data[:10])
	assert.ErrorIs(t, err, ErrInvalidBuffer)
}

func TestSpillNames(t *testing.T) {
	name := FormatSpillName(17)
	assert.Equal(t, "00000000000000000017.tbuf", name)

	id, err := ParseSpillName(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(17), id)
}
