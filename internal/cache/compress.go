package cache

import (
	"encoding/binary"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Stored values are framed as a 5-byte header followed by the payload:
//
//	byte 0    codec flag (frameRaw or frameLZ4)
//	bytes 1-4 uncompressed length, little endian
//
// The lz4 block format does not record the decoded length, so the header
// carries it. Values the block codec cannot shrink are stored raw under the
// same framing; that keeps the accounted size from ever exceeding the
// uncompressed size by more than the header.
const (
	frameRaw = 0x00
	frameLZ4 = 0x01

	frameHeaderLen = 5
)

var errCorruptFrame = errors.New("cache: corrupt compressed frame")

// compress frames and lz4-compresses value. The returned slice is what the
// engine stores and accounts against the memory budget.
func compress(value []byte) ([]byte, error) {
	buf := make([]byte, frameHeaderLen+lz4.CompressBlockBound(len(value)))
	binary.LittleEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(value)))

	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(value, buf[frameHeaderLen:])
	if err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if n == 0 || n >= len(value) {
		// Incompressible input: CompressBlock reports 0. Store raw.
		buf[0] = frameRaw
		return append(buf[:frameHeaderLen], value...), nil
	}
	buf[0] = frameLZ4
	return buf[:frameHeaderLen+n], nil
}

// decompress reverses compress, returning a freshly allocated copy of the
// original value.
func decompress(stored []byte) ([]byte, error) {
	if len(stored) < frameHeaderLen {
		return nil, errCorruptFrame
	}
	size := binary.LittleEndian.Uint32(stored[1:frameHeaderLen])
	payload := stored[frameHeaderLen:]

	switch stored[0] {
	case frameRaw:
		if uint32(len(payload)) != size {
			return nil, errCorruptFrame
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case frameLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		if uint32(n) != size {
			return nil, errCorruptFrame
		}
		return out[:n], nil
	default:
		return nil, errCorruptFrame
	}
}
