// Package stream serializes retired event buffers into the trace stream
// format and reads it back.
//
// # Format
//
// All integers are little-endian. A stream is a header followed by framed
// blocks and ends with a fixed-size trailer:
//
//	header   "EVNTPIPE" u16 major u16 minor u64 clock-frequency
//	         u64 start-ticks i64 start-unix-ns u32 len + CBOR metadata
//	frame    u8 kind u32 body-length body
//	0x01     metadata: definition id, provider, event id, version, level,
//	         keywords, name
//	0x02     event: definition id, timestamp, thread, sequence, flags,
//	         payload, optional stack
//	0x03     sequence point: timestamp and the last timestamp and
//	         sequence number serialized for every thread
//	0x04     rundown: every known definition
//	0xFF     trailer: status, events, dropped, blocks, BLAKE3 digest
//
// Strings are a u16 length followed by UTF-8 bytes.
//
// # Ordering
//
// Events of one buffer keep their write order. Buffers follow retirement
// order, so events of different threads are not globally sorted; sequence
// points let readers merge per-thread streams by timestamp afterwards.
//
// # Integrity
//
// The trailer digest covers every byte the sink accepted before the
// trailer. A stream closed after a sink error carries StatusIncomplete.
// ReadTrailer reads the status from the tail alone:
//
//	t, err := stream.ReadTrailer(data[len(data)-stream.TrailerSize:])
package stream
