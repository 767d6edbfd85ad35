package storage

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionType represents the compression algorithm used for stored pages
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompressionType parses none, lz4 or snappy
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// Encoded page layout:
// [0-1]: Magic number (0xC0DE)
// [2]: Compression type (0=none, 1=LZ4, 2=Snappy)
// [3]: Reserved
// [4-7]: Uncompressed size
// [8-11]: Payload size
// [12-19]: xxhash64 of the uncompressed page
// [20+]: Payload

const (
	encodedPageMagic        = 0xC0DE
	encodedHeaderSize       = 20
	minCompressionThreshold = 64 // Minimum bytes saved to keep the compressed form
)

// encodePage compresses a page and prepends the checksummed header.
// Falls back to storing the page uncompressed when compression does not pay.
func encodePage(data []byte, compression CompressionType) ([]byte, error) {
	var payload []byte

	switch compression {
	case CompressionNone:
		payload = data

	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		// n == 0 means the block is incompressible
		if n == 0 {
			compression = CompressionNone
			payload = data
		} else {
			payload = buf[:n]
		}

	case CompressionSnappy:
		payload = snappy.Encode(nil, data)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compression)
	}

	if compression != CompressionNone && len(data)-len(payload) < minCompressionThreshold {
		compression = CompressionNone
		payload = data
	}

	out := make([]byte, encodedHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], encodedPageMagic)
	out[2] = uint8(compression)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint64(out[12:20], xxhash.Sum64(data))
	copy(out[encodedHeaderSize:], payload)

	return out, nil
}

// decodePage reverses encodePage into dst and verifies the checksum
func decodePage(encoded []byte, dst []byte) error {
	if len(encoded) < encodedHeaderSize {
		return fmt.Errorf("data too short for page header: %d bytes", len(encoded))
	}
	if magic := binary.LittleEndian.Uint16(encoded[0:2]); magic != encodedPageMagic {
		return fmt.Errorf("invalid magic number: got %04x, expected %04x", magic, encodedPageMagic)
	}

	compression := CompressionType(encoded[2])
	size := int(binary.LittleEndian.Uint32(encoded[4:8]))
	payloadSize := int(binary.LittleEndian.Uint32(encoded[8:12]))
	checksum := binary.LittleEndian.Uint64(encoded[12:20])

	if size != len(dst) {
		return fmt.Errorf("page size mismatch: stored %d, buffer %d", size, len(dst))
	}
	if encodedHeaderSize+payloadSize > len(encoded) {
		return fmt.Errorf("insufficient payload: need %d bytes, have %d", payloadSize, len(encoded)-encodedHeaderSize)
	}
	payload := encoded[encodedHeaderSize : encodedHeaderSize+payloadSize]

	switch compression {
	case CompressionNone:
		copy(dst, payload)

	case CompressionLZ4:
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		if n != size {
			return fmt.Errorf("LZ4 decompression size mismatch: got %d, expected %d", n, size)
		}

	case CompressionSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return fmt.Errorf("snappy decompression failed: %w", err)
		}
		if n != size {
			return fmt.Errorf("snappy decompression size mismatch: got %d, expected %d", n, size)
		}
		if _, err := snappy.Decode(dst, payload); err != nil {
			return fmt.Errorf("snappy decompression failed: %w", err)
		}

	default:
		return fmt.Errorf("unsupported compression type: %d", compression)
	}

	if sum := xxhash.Sum64(dst); sum != checksum {
		return fmt.Errorf("checksum mismatch: got %016x, expected %016x", sum, checksum)
	}
	return nil
}
