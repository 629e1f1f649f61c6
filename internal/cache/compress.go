package cache

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
)

func brotliQuality(level CompressionLevel) int {
	switch level {
	case CompressionLow:
		return 2
	case CompressionHigh:
		return brotli.BestCompression
	default:
		return 6
	}
}

// encode compresses payload when enabled and smaller, returning the stored
// bytes and their encoding.
func encode(payload []byte, p Policy) ([]byte, Encoding, error) {
	if !p.CompressionEnabled || len(payload) == 0 {
		return payload, EncodingIdentity, nil
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotliQuality(p.CompressionLevel))
	if _, err := w.Write(payload); err != nil {
		return nil, "", fmt.Errorf("brotli write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("brotli close: %w", err)
	}
	if buf.Len() >= len(payload) {
		return payload, EncodingIdentity, nil
	}
	return buf.Bytes(), EncodingBrotli, nil
}

func decode(stored []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingIdentity, "":
		return stored, nil
	case EncodingBrotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(stored)))
		if err != nil {
			return nil, fmt.Errorf("brotli read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", enc)
	}
}

func checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}
