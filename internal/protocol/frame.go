// Package protocol implements the IPC wire format: length-prefixed
// framing (this file) plus two interchangeable message encodings
// (json_codec.go and binary_codec.go). Grounded on the teacher's request/response shapes
// (internal/api/tutu_api.go) and on AIStore's transport package's
// length-prefixed framing discipline (transport/pdu.go), generalized
// from aistore's object-stream PDUs to whole-message frames.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tutu-network/corerun/internal/domain"
)

const (
	// DefaultFrameLimit is the default IPC_FRAME_LIMIT (spec §4.1, §6).
	DefaultFrameLimit = 16 * 1024 * 1024
	// MinFrameLimit is the configured floor for IPC_FRAME_LIMIT.
	MinFrameLimit = 4 * 1024
	lengthPrefixSize = 4
)

// FrameLimit bounds how large a single frame's payload may be. It is
// supplied by the caller (from config) rather than hardcoded so the
// floor/ceiling clamp rules in spec §6 live in one place (internal/config).
type FrameLimit uint32

// ReadFrame reads one length-prefixed frame from r. The declared length is
// checked against limit BEFORE any payload byte is read, so an attacker
// cannot force a large allocation by simply advertising a huge length
// (spec §4.1: "rejected before any payload is read").
func ReadFrame(r io.Reader, limit FrameLimit) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > uint32(limit) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d: %w", n, limit, domain.ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte, limit FrameLimit) error {
	if uint32(len(payload)) > uint32(limit) {
		return fmt.Errorf("encoded message of %d bytes exceeds limit %d: %w", len(payload), limit, domain.ErrFrameTooLarge)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
