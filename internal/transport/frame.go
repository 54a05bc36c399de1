package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire layout of one frame:
//
//	length  uint32 big-endian, counts codec byte + body
//	codec   Compression of body
//	body    protocol frame, possibly compressed
const frameHeaderSize = 5

// encodeFrame builds the wire bytes for payload. Payloads shorter than
// threshold are sent uncompressed.
func encodeFrame(c Compression, threshold int, payload []byte) ([]byte, error) {
	if len(payload) < threshold {
		c = CompressionNone
	}
	body, err := compress(c, payload)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)+1))
	buf[4] = byte(c)
	return append(buf, body...), nil
}

// readFrame reads one frame and returns the decompressed payload along with
// the number of wire bytes consumed. maxSize bounds both the wire length and
// the decompressed payload.
func readFrame(r io.Reader, maxSize int32) ([]byte, int, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, 0, err
	}
	length := int32(binary.BigEndian.Uint32(lengthBuf[:]))
	if length < 1 || length > maxSize {
		return nil, 4, fmt.Errorf("invalid frame size: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 4, fmt.Errorf("failed to read frame body: %w", err)
	}

	payload, err := decompress(Compression(buf[0]), buf[1:], int(maxSize))
	if err != nil {
		return nil, 4 + int(length), fmt.Errorf("failed to decompress frame: %w", err)
	}
	return payload, 4 + int(length), nil
}
