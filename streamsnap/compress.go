// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package streamsnap

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the payload codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionS2
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionS2:
		return "s2"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a configuration string to a codec.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "s2":
		return CompressionS2, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// Payloads below this size are sent raw.
const minCompressSize = 256

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// compress returns the encoded payload and the codec actually used. The raw
// payload is kept when compressing does not make it smaller.
func compress(data []byte, c Compression) ([]byte, Compression) {
	if c == CompressionNone || len(data) < minCompressSize {
		return data, CompressionNone
	}

	var out []byte
	switch c {
	case CompressionS2:
		out = s2.Encode(nil, data)
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	default:
		return data, CompressionNone
	}

	if len(out) >= len(data) {
		return data, CompressionNone
	}
	return out, c
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionS2:
		return s2.Decode(nil, data)
	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}
