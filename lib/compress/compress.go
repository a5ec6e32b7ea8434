// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress encodes the blobs the room server persists: event
// JSON (zstd, which does well on the repetitive key names of Matrix
// events) and state group snapshots (LZ4, which decompresses fast
// enough that materializing a snapshot stays cheap).
//
// Every stored blob carries a Tag alongside its uncompressed size so
// the reader never has to guess the format. Data that does not shrink
// is stored as TagNone.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression applied to a stored blob. Values are
// persisted in SQLite columns and must never be renumbered.
type Tag uint8

const (
	TagNone Tag = 0
	TagLZ4  Tag = 1
	TagZstd Tag = 2
)

func (t Tag) String() string {
	switch t {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	case TagZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// minCompressSize is the size below which compression is not attempted.
// Frame overhead dominates for tiny inputs.
const minCompressSize = 64

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with the preferred algorithm. It returns the
// tag actually used, which is TagNone when the input is small or does
// not shrink. The returned slice may alias data when the tag is TagNone.
func Encode(data []byte, preferred Tag) (Tag, []byte, error) {
	if preferred == TagNone || len(data) < minCompressSize {
		return TagNone, data, nil
	}
	var (
		out []byte
		err error
	)
	switch preferred {
	case TagLZ4:
		out, err = encodeLZ4(data)
	case TagZstd:
		out, err = encodeZstd(data)
	default:
		return 0, nil, fmt.Errorf("compress: unsupported tag %s", preferred)
	}
	if errors.Is(err, errIncompressible) {
		return TagNone, data, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return preferred, out, nil
}

// Decode reverses Encode. size is the uncompressed length recorded when
// the blob was written; a mismatch is reported as corruption.
func Decode(tag Tag, data []byte, size int) ([]byte, error) {
	switch tag {
	case TagNone:
		if len(data) != size {
			return nil, fmt.Errorf("compress: stored size %d does not match expected %d", len(data), size)
		}
		return data, nil
	case TagLZ4:
		return decodeLZ4(data, size)
	case TagZstd:
		return decodeZstd(data, size)
	default:
		return nil, fmt.Errorf("compress: unsupported tag %s", tag)
	}
}

func encodeLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decodeLZ4(data []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(data, destination)
	if err != nil {
		return nil, fmt.Errorf("compress: lz4: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("compress: lz4 produced %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func encodeZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decodeZstd(data []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("compress: zstd: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("compress: zstd produced %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
