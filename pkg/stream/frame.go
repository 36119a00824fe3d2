// Package stream implements the codec for the Docker engine's multiplexed
// stdout/stderr stream format.
//
// Each frame is an 8-byte header followed by its payload: one byte of stream
// type, three bytes of padding, and a big-endian uint32 payload length.
// Decoding is deliberately lossy-but-safe: partial frames occur naturally at
// arbitrary read boundaries, so trailing bytes that do not form a complete
// frame are surfaced as raw text instead of being dropped or reported as an
// error.
package stream

import (
	"bytes"
	"encoding/binary"
)

// headerLength is the fixed size of a frame header.
const headerLength = 8

// Stream type tags carried in the first header byte.
const (
	Stdin  byte = 0
	Stdout byte = 1
	Stderr byte = 2
)

// Decode splits a raw buffer of multiplexed engine output into its ordered
// text payloads.
//
// Whenever fewer than eight bytes remain, or a header declares more payload
// than the buffer holds, framing stops and the remaining bytes are appended
// verbatim as a final best-effort chunk. Only when the buffer is too short to
// hold even one header is it returned as a single chunk with NUL bytes
// stripped. Decode never fails.
func Decode(buf []byte) []string {
	if len(buf) == 0 {
		return nil
	}

	if len(buf) < headerLength {
		// Not even a header fits: treat the buffer as plain text.
		return []string{string(bytes.ReplaceAll(buf, []byte{0}, nil))}
	}

	var chunks []string

	offset := 0
	for offset+headerLength <= len(buf) {
		payloadLen := int(binary.BigEndian.Uint32(buf[offset+4 : offset+headerLength]))
		if offset+headerLength+payloadLen > len(buf) {
			break
		}

		chunks = append(chunks, string(buf[offset+headerLength:offset+headerLength+payloadLen]))
		offset += headerLength + payloadLen
	}

	if offset < len(buf) {
		// Partial frame at the read boundary.
		chunks = append(chunks, string(buf[offset:]))
	}

	return chunks
}

// Encode wraps a payload in a single well-formed frame with the given stream
// type tag. Used by tests and by fake engine sources.
func Encode(streamType byte, payload []byte) []byte {
	frame := make([]byte, headerLength+len(payload))
	frame[0] = streamType
	binary.BigEndian.PutUint32(frame[4:headerLength], uint32(len(payload)))
	copy(frame[headerLength:], payload)

	return frame
}
