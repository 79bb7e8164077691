package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Buffer record layout (little-endian):
//
//	u32 record length (header + payload + stack)
//	u64 timestamp
//	u64 thread id
//	u32 sequence
//	u32 provider id
//	u32 event id
//	u32 version
//	u8  level
//	u64 keywords
//	u32 payload length
//	u16 stack depth
//	payload bytes
//	stack depth × u64 frame
const HeaderSize = 4 + 8 + 8 + 4 + 4 + 4 + 4 + 1 + 8 + 4 + 2

// MaxStackDepth is the deepest stack an instance can carry.
const MaxStackDepth = math.MaxUint16

// ErrShortRecord is returned when a buffer ends inside a record.
var ErrShortRecord = errors.New("event: truncated record")

// EncodedSize returns the number of bytes AppendInstance writes for e.
func (e *Instance) EncodedSize() int {
	return HeaderSize + len(e.Payload) + 8*len(e.Stack)
}

// PutInstance encodes e into dst, which must be at least e.EncodedSize()
// bytes long, and returns the number of bytes written.
func PutInstance(dst []byte, e *Instance) int {
	size := e.EncodedSize()
	_ = dst[size-1]

	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(size))
	le.PutUint64(dst[4:], e.Timestamp)
	le.PutUint64(dst[12:], uint64(e.ThreadID))
	le.PutUint32(dst[20:], e.Sequence)
	le.PutUint32(dst[24:], e.ProviderID)
	le.PutUint32(dst[28:], e.EventID)
	le.PutUint32(dst[32:], e.Version)
	dst[36] = byte(e.Level)
	le.PutUint64(dst[37:], uint64(e.Keywords))
	le.PutUint32(dst[45:], uint32(len(e.Payload)))
	le.PutUint16(dst[49:], uint16(len(e.Stack)))

	off := HeaderSize
	off += copy(dst[off:], e.Payload)
	for _, frame := range e.Stack {
		le.PutUint64(dst[off:], frame)
		off += 8
	}
	return off
}

// AppendInstance appends the encoding of e to dst.
func AppendInstance(dst []byte, e *Instance) []byte {
	n := len(dst)
	size := e.EncodedSize()
	if cap(dst)-n < size {
		grown := make([]byte, n, n+size)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:n+size]
	PutInstance(dst[n:], e)
	return dst
}

// DecodeInstance decodes one record from src into e and returns the number
// of bytes consumed. Payload aliases src; Stack is freshly allocated.
func DecodeInstance(src []byte, e *Instance) (int, error) {
	if len(src) < HeaderSize {
		return 0, ErrShortRecord
	}
	le := binary.LittleEndian
	size := int(le.Uint32(src[0:]))
	if size < HeaderSize || size > len(src) {
		return 0, fmt.Errorf("%w: record length %d, %d bytes available", ErrShortRecord, size, len(src))
	}

	e.Timestamp = le.Uint64(src[4:])
	e.ThreadID = ThreadID(le.Uint64(src[12:]))
	e.Sequence = le.Uint32(src[20:])
	e.ProviderID = le.Uint32(src[24:])
	e.EventID = le.Uint32(src[28:])
	e.Version = le.Uint32(src[32:])
	e.Level = Level(src[36])
	e.Keywords = Keywords(le.Uint64(src[37:]))
	payloadLen := int(le.Uint32(src[45:]))
	depth := int(le.Uint16(src[49:]))

	if HeaderSize+payloadLen+8*depth != size {
		return 0, fmt.Errorf("event: inconsistent record: length %d, payload %d, stack depth %d", size, payloadLen, depth)
	}

	off := HeaderSize
	e.Payload = src[off : off+payloadLen : off+payloadLen]
	off += payloadLen

	e.Stack = nil
	if depth > 0 {
		e.Stack = make([]uint64, depth)
		for i := range e.Stack {
			e.Stack[i] = le.Uint64(src[off:])
			off += 8
		}
	}
	return size, nil
}
