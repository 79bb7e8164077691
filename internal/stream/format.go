package stream

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jittakal/eventpipe/pkg/event"
)

// Magic opens every stream.
const Magic = "EVNTPIPE"

// Format version written by this package.
const (
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0
)

// BlockKind tags a block frame.
type BlockKind uint8

const (
	BlockMetadata      BlockKind = 0x01
	BlockEvent         BlockKind = 0x02
	BlockSequencePoint BlockKind = 0x03
	BlockRundown       BlockKind = 0x04
	BlockTrailer       BlockKind = 0xFF
)

func (k BlockKind) String() string {
	switch k {
	case BlockMetadata:
		return "metadata"
	case BlockEvent:
		return "event"
	case BlockSequencePoint:
		return "sequence_point"
	case BlockRundown:
		return "rundown"
	case BlockTrailer:
		return "trailer"
	default:
		return fmt.Sprintf("block(0x%02x)", uint8(k))
	}
}

// Status records how a stream was closed.
type Status uint8

const (
	StatusClean      Status = 0
	StatusIncomplete Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusClean:
		return "clean"
	case StatusIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Sizes of the fixed parts of the format.
const (
	// magic, major, minor, clock frequency, start ticks, start wall ns,
	// metadata length
	headerFixedSize = 8 + 2 + 2 + 8 + 8 + 8 + 4
	frameSize       = 1 + 4
	trailerBodySize = 1 + 8 + 8 + 8 + DigestSize

	// DigestSize is the length of the BLAKE3 stream digest.
	DigestSize = 32

	// TrailerSize is the size of a framed trailer block.
	TrailerSize = frameSize + trailerBodySize
)

// Event block body: definition id, timestamp, thread id, the event's
// sequence number on its thread (u32), flags (u8), payload length. The
// payload follows, then the stack when eventFlagStack is set: a u16 depth
// and one u64 per frame.
const (
	eventFixedSize = 4 + 8 + 8 + 4 + 1 + 4

	// eventFlagStack marks an event block that carries a stack.
	eventFlagStack = 1 << 0
)

// Metadata is the CBOR document in the stream header.
type Metadata struct {
	SessionID   string            `cbor:"1,keyasint"`
	SessionName string            `cbor:"2,keyasint"`
	ProcessID   int               `cbor:"3,keyasint"`
	PointerSize int               `cbor:"4,keyasint"`
	Attributes  map[string]string `cbor:"5,keyasint,omitempty"`
}

// Header is the decoded stream header.
type Header struct {
	Major          uint16
	Minor          uint16
	ClockFrequency uint64
	StartTimestamp uint64
	StartTime      time.Time
	Metadata       Metadata
}

// ThreadMark is the latest serialized position of one thread.
type ThreadMark struct {
	Thread        event.ThreadID
	LastTimestamp uint64
	LastSequence  uint32
}

// SequencePoint lists the latest serialized timestamp of every thread.
type SequencePoint struct {
	Timestamp uint64
	Threads   []ThreadMark
}

// Trailer closes a stream.
type Trailer struct {
	Status  Status
	Events  uint64
	Dropped uint64
	Blocks  uint64
	Digest  [DigestSize]byte
}

// Event is a decoded event block.
type Event struct {
	DefinitionID uint32
	Definition   *event.Definition
	Instance     event.Instance
}

var le = binary.LittleEndian

func appendString(dst []byte, s string) []byte {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	dst = le.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// appendDefinition appends a metadata block body.
func appendDefinition(dst []byte, id uint32, d *event.Definition) []byte {
	dst = le.AppendUint32(dst, id)
	dst = le.AppendUint32(dst, d.ProviderID)
	dst = appendString(dst, d.ProviderName)
	dst = le.AppendUint32(dst, d.EventID)
	dst = le.AppendUint32(dst, d.Version)
	dst = append(dst, byte(d.Level))
	dst = le.AppendUint64(dst, uint64(d.Keywords))
	return appendString(dst, d.Name)
}

// appendEvent appends an event block body.
func appendEvent(dst []byte, id uint32, e *event.Instance) []byte {
	dst = le.AppendUint32(dst, id)
	dst = le.AppendUint64(dst, e.Timestamp)
	dst = le.AppendUint64(dst, uint64(e.ThreadID))
	dst = le.AppendUint32(dst, e.Sequence)
	var flags byte
	if len(e.Stack) > 0 {
		flags |= eventFlagStack
	}
	dst = append(dst, flags)
	dst = le.AppendUint32(dst, uint32(len(e.Payload)))
	dst = append(dst, e.Payload...)
	if flags&eventFlagStack != 0 {
		dst = le.AppendUint16(dst, uint16(len(e.Stack)))
		for _, pc := range e.Stack {
			dst = le.AppendUint64(dst, pc)
		}
	}
	return dst
}

func appendSequencePoint(dst []byte, sp *SequencePoint) []byte {
	dst = le.AppendUint64(dst, sp.Timestamp)
	dst = le.AppendUint32(dst, uint32(len(sp.Threads)))
	for _, m := range sp.Threads {
		dst = le.AppendUint64(dst, uint64(m.Thread))
		dst = le.AppendUint64(dst, m.LastTimestamp)
		dst = le.AppendUint32(dst, m.LastSequence)
	}
	return dst
}

func appendTrailer(dst []byte, t *Trailer) []byte {
	dst = append(dst, byte(t.Status))
	dst = le.AppendUint64(dst, t.Events)
	dst = le.AppendUint64(dst, t.Dropped)
	dst = le.AppendUint64(dst, t.Blocks)
	return append(dst, t.Digest[:]...)
}

// cursor reads little-endian fields from a block body.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || len(c.buf)-c.off < n {
		c.err = fmt.Errorf("need %d bytes at %d, have %d", n, c.off, len(c.buf)-c.off)
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return le.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return le.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return le.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	n := int(c.u16())
	return string(c.take(n))
}

func (c *cursor) done() error {
	if c.err != nil {
		return c.err
	}
	if c.off != len(c.buf) {
		return fmt.Errorf("%d trailing bytes", len(c.buf)-c.off)
	}
	return nil
}

func decodeDefinition(c *cursor) (uint32, *event.Definition) {
	id := c.u32()
	d := &event.Definition{}
	d.ProviderID = c.u32()
	d.ProviderName = c.str()
	d.EventID = c.u32()
	d.Version = c.u32()
	d.Level = event.Level(c.u8())
	d.Keywords = event.Keywords(c.u64())
	d.Name = c.str()
	return id, d
}

func decodeSequencePoint(c *cursor) *SequencePoint {
	sp := &SequencePoint{Timestamp: c.u64()}
	n := int(c.u32())
	if n > (len(c.buf)-c.off)/20 {
		c.err = fmt.Errorf("sequence point claims %d threads", n)
		return sp
	}
	sp.Threads = make([]ThreadMark, n)
	for i := range sp.Threads {
		sp.Threads[i] = ThreadMark{
			Thread:        event.ThreadID(c.u64()),
			LastTimestamp: c.u64(),
			LastSequence:  c.u32(),
		}
	}
	return sp
}

func decodeTrailer(c *cursor) *Trailer {
	t := &Trailer{
		Status:  Status(c.u8()),
		Events:  c.u64(),
		Dropped: c.u64(),
		Blocks:  c.u64(),
	}
	copy(t.Digest[:], c.take(DigestSize))
	return t
}
