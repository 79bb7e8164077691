package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/jittakal/eventpipe/internal/codec"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/pkg/event"
)

// maxBlockSize bounds the body length a reader accepts.
const maxBlockSize = 64 << 20

// Block is one decoded block. Exactly one of the pointer fields matching
// Kind is set.
type Block struct {
	Kind          BlockKind
	DefinitionID  uint32
	Definition    *event.Definition
	Event         *Event
	SequencePoint *SequencePoint
	Rundown       []*event.Definition
	Trailer       *Trailer
}

// Reader decodes a stream produced by Writer.
type Reader struct {
	r      *bufio.Reader
	hasher *blake3.Hasher
	offset int64

	header  Header
	defs    map[uint32]*event.Definition
	trailer *Trailer
	digest  [DigestSize]byte
}

// NewReader reads and validates the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{
		r:      bufio.NewReader(r),
		hasher: blake3.New(),
		defs:   make(map[uint32]*event.Definition),
	}
	if err := rd.readHeader(); err != nil {
		return nil, err
	}
	return rd, nil
}

func (r *Reader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	r.offset += int64(n)
	return buf, nil
}

func (r *Reader) readHeader() error {
	fixed, err := r.read(headerFixedSize)
	if err != nil {
		return fmt.Errorf("failed to read stream header: %w", err)
	}
	if string(fixed[:len(Magic)]) != Magic {
		return errors.ErrBadMagic
	}

	c := &cursor{buf: fixed, off: len(Magic)}
	h := Header{
		Major:          c.u16(),
		Minor:          c.u16(),
		ClockFrequency: c.u64(),
		StartTimestamp: c.u64(),
	}
	h.StartTime = time.Unix(0, int64(c.u64())).UTC()
	metaLen := int(c.u32())
	if h.Major != MajorVersion {
		return &errors.FormatError{Offset: 8, Block: "header", Reason: fmt.Sprintf("unsupported major version %d", h.Major)}
	}
	if metaLen > maxBlockSize {
		return &errors.FormatError{Offset: headerFixedSize - 4, Block: "header", Reason: "metadata too large"}
	}

	meta, err := r.read(metaLen)
	if err != nil {
		return fmt.Errorf("failed to read stream metadata: %w", err)
	}
	if err := codec.Unmarshal(meta, &h.Metadata); err != nil {
		return &errors.FormatError{Offset: headerFixedSize, Block: "header", Reason: err.Error()}
	}

	_, _ = r.hasher.Write(fixed)
	_, _ = r.hasher.Write(meta)
	r.header = h
	return nil
}

// Header returns the decoded stream header.
func (r *Reader) Header() Header {
	return r.header
}

// SessionID parses the session id from the header metadata.
func (r *Reader) SessionID() (uuid.UUID, error) {
	return uuid.Parse(r.header.Metadata.SessionID)
}

// Definition returns the definition announced under id.
func (r *Reader) Definition(id uint32) (*event.Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// Next returns the next block. After the trailer it returns io.EOF; a
// stream that ends without a trailer yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (*Block, error) {
	if r.trailer != nil {
		return nil, io.EOF
	}

	start := r.offset
	frame, err := r.read(frameSize)
	if err != nil {
		return nil, err
	}
	kind := BlockKind(frame[0])
	size := int(le.Uint32(frame[1:]))
	if size > maxBlockSize {
		return nil, &errors.FormatError{Offset: start, Block: kind.String(), Reason: fmt.Sprintf("block length %d", size)}
	}
	body, err := r.read(size)
	if err != nil {
		return nil, err
	}

	if kind != BlockTrailer {
		_, _ = r.hasher.Write(frame)
		_, _ = r.hasher.Write(body)
	}

	blk, err := r.decode(kind, body)
	if err != nil {
		return nil, &errors.FormatError{Offset: start, Block: kind.String(), Reason: err.Error()}
	}
	return blk, nil
}

func (r *Reader) decode(kind BlockKind, body []byte) (*Block, error) {
	c := &cursor{buf: body}
	blk := &Block{Kind: kind}

	switch kind {
	case BlockMetadata:
		id, def := decodeDefinition(c)
		if err := c.done(); err != nil {
			return nil, err
		}
		r.defs[id] = def
		blk.DefinitionID, blk.Definition = id, def

	case BlockEvent:
		ev, err := r.decodeEvent(c)
		if err != nil {
			return nil, err
		}
		blk.Event = ev

	case BlockSequencePoint:
		blk.SequencePoint = decodeSequencePoint(c)
		if err := c.done(); err != nil {
			return nil, err
		}

	case BlockRundown:
		n := int(c.u32())
		for i := 0; i < n && c.err == nil; i++ {
			nested := &cursor{buf: c.take(int(c.u32()))}
			if c.err != nil {
				break
			}
			id, def := decodeDefinition(nested)
			if err := nested.done(); err != nil {
				return nil, err
			}
			r.defs[id] = def
			blk.Rundown = append(blk.Rundown, def)
		}
		if err := c.done(); err != nil {
			return nil, err
		}

	case BlockTrailer:
		t := decodeTrailer(c)
		if err := c.done(); err != nil {
			return nil, err
		}
		copy(r.digest[:], r.hasher.Sum(nil))
		r.trailer = t
		blk.Trailer = t

	default:
		return nil, fmt.Errorf("unknown block kind")
	}
	return blk, nil
}

func (r *Reader) decodeEvent(c *cursor) (*Event, error) {
	if len(c.buf)-c.off < eventFixedSize {
		return nil, fmt.Errorf("event block of %d bytes is shorter than %d", len(c.buf)-c.off, eventFixedSize)
	}
	id := c.u32()
	inst := event.Instance{
		Timestamp: c.u64(),
		ThreadID:  event.ThreadID(c.u64()),
		Sequence:  c.u32(),
	}
	flags := c.u8()
	inst.Payload = c.take(int(c.u32()))
	if flags&eventFlagStack != 0 {
		depth := int(c.u16())
		if depth > (len(c.buf)-c.off)/8 {
			return nil, fmt.Errorf("stack depth %d exceeds block", depth)
		}
		inst.Stack = make([]uint64, depth)
		for i := range inst.Stack {
			inst.Stack[i] = c.u64()
		}
	}
	if err := c.done(); err != nil {
		return nil, err
	}

	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("event references undefined definition %d", id)
	}
	inst.ProviderID = def.ProviderID
	inst.EventID = def.EventID
	inst.Version = def.Version
	inst.Level = def.Level
	inst.Keywords = def.Keywords
	return &Event{DefinitionID: id, Definition: def, Instance: inst}, nil
}

// Trailer returns the trailer once Next has reached it.
func (r *Reader) Trailer() (*Trailer, bool) {
	return r.trailer, r.trailer != nil
}

// Verify checks the trailer digest against the bytes read before it.
func (r *Reader) Verify() error {
	if r.trailer == nil {
		return fmt.Errorf("%w: trailer not reached", errors.ErrInvalidState)
	}
	if r.trailer.Digest != r.digest {
		return &errors.FormatError{Offset: r.offset - TrailerSize, Block: "trailer", Reason: "digest mismatch"}
	}
	return nil
}

// ReadTrailer parses the trailer from the last TrailerSize bytes of a
// stream without reading the rest of it.
func ReadTrailer(tail []byte) (*Trailer, error) {
	if len(tail) < TrailerSize {
		return nil, &errors.FormatError{Block: "trailer", Reason: fmt.Sprintf("need %d bytes, have %d", TrailerSize, len(tail))}
	}
	tail = tail[len(tail)-TrailerSize:]
	if BlockKind(tail[0]) != BlockTrailer || le.Uint32(tail[1:]) != trailerBodySize {
		return nil, &errors.FormatError{Block: "trailer", Reason: "stream does not end with a trailer"}
	}
	c := &cursor{buf: tail[frameSize:]}
	t := decodeTrailer(c)
	if err := c.done(); err != nil {
		return nil, &errors.FormatError{Block: "trailer", Reason: err.Error()}
	}
	return t, nil
}

// Stream is a fully decoded stream.
type Stream struct {
	Header         Header
	Definitions    map[uint32]*event.Definition
	Events         []Event
	SequencePoints []SequencePoint
	Rundown        []*event.Definition
	Trailer        Trailer
}

// ReadAll decodes an entire stream and verifies its digest.
func ReadAll(src io.Reader) (*Stream, error) {
	r, err := NewReader(src)
	if err != nil {
		return nil, err
	}

	s := &Stream{Header: r.Header()}
	for {
		blk, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch blk.Kind {
		case BlockEvent:
			s.Events = append(s.Events, *blk.Event)
		case BlockSequencePoint:
			s.SequencePoints = append(s.SequencePoints, *blk.SequencePoint)
		case BlockRundown:
			s.Rundown = append(s.Rundown, blk.Rundown...)
		case BlockTrailer:
			s.Trailer = *blk.Trailer
		}
	}
	if err := r.Verify(); err != nil {
		return nil, err
	}
	s.Definitions = r.defs
	return s, nil
}

// Decode is ReadAll over an in-memory stream.
func Decode(data []byte) (*Stream, error) {
	return ReadAll(bytes.NewReader(data))
}
