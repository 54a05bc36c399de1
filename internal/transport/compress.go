package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to frame bodies.
type Compression int8

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", int8(c))
	}
}

// ParseCompression converts a config string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("transport: unknown compression %q", s)
	}
}

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionSnappy:
		return snappy.Encode(nil, data), nil

	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("zstd write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zstd close: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", c)
	}
}

// decompress decodes data and fails when the result would exceed maxSize.
func decompress(c Compression, data []byte, maxSize int) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil

	case CompressionSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, err
		}
		if n > maxSize {
			return nil, fmt.Errorf("decompressed size %d exceeds %d", n, maxSize)
		}
		return snappy.Decode(nil, data)

	case CompressionLZ4:
		return readLimited(lz4.NewReader(bytes.NewReader(data)), maxSize)

	case CompressionZstd:
		decoder, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		return readLimited(decoder, maxSize)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", c)
	}
}

func readLimited(r io.Reader, maxSize int) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxSize {
		return nil, fmt.Errorf("decompressed size exceeds %d", maxSize)
	}
	return out, nil
}
