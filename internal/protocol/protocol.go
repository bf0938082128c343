// Package protocol implements the framed binary wire protocol spoken over
// the duplex socket. Every frame opens with an unsigned varint discriminant;
// sync frames carry a second varint selecting the sync payload kind.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame discriminants.
const (
	FrameSync     uint64 = 0
	FramePresence uint64 = 1
)

// Sync payload kinds. The numbering leaves room for a step-2 code so peers
// implementing the classic three-step handshake interoperate.
const (
	SyncMessage uint64 = 0
	SyncStep2   uint64 = 1
	SyncUpdate  uint64 = 2
)

// Close codes used by the server.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
	CloseForceRefresh    = 4000
)

// ErrShortFrame reports a frame that ended before its payload.
var ErrShortFrame = errors.New("protocol: short frame")

// EncodeSync builds a sync frame with the given payload kind.
func EncodeSync(kind uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, FrameSync)
	buf = binary.AppendUvarint(buf, kind)
	return append(buf, payload...)
}

// EncodePresence builds a presence frame carrying a length-prefixed payload.
func EncodePresence(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+2*binary.MaxVarintLen64)
	buf = binary.AppendUvarint(buf, FramePresence)
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// Frame is a decoded inbound frame.
type Frame struct {
	Kind     uint64
	SyncKind uint64
	Payload  []byte
}

// Decode splits a raw frame into its discriminant and payload. Unknown
// discriminants are returned as-is with the remainder in Payload so callers
// can count and ignore them.
func Decode(raw []byte) (Frame, error) {
	kind, n := binary.Uvarint(raw)
	if n <= 0 {
		return Frame{}, ErrShortFrame
	}
	rest := raw[n:]
	switch kind {
	case FrameSync:
		syncKind, m := binary.Uvarint(rest)
		if m <= 0 {
			return Frame{}, fmt.Errorf("protocol: sync frame missing payload kind: %w", ErrShortFrame)
		}
		return Frame{Kind: kind, SyncKind: syncKind, Payload: rest[m:]}, nil
	case FramePresence:
		size, m := binary.Uvarint(rest)
		if m <= 0 {
			return Frame{}, fmt.Errorf("protocol: presence frame missing length: %w", ErrShortFrame)
		}
		rest = rest[m:]
		if uint64(len(rest)) < size {
			return Frame{}, fmt.Errorf("protocol: presence frame truncated (%d of %d bytes): %w", len(rest), size, ErrShortFrame)
		}
		return Frame{Kind: kind, Payload: rest[:size]}, nil
	default:
		return Frame{Kind: kind, Payload: rest}, nil
	}
}
