// Package event defines core event types for the tracing pipeline.
//
// # Definitions
//
// A Definition describes an event a provider can emit: its provider, numeric
// id, version, name, level and keywords. Definitions are created by the
// provider catalog and passed to Session.WriteEvent:
//
//	def := provider.Define(1, 0, "GCStart", event.LevelInformational, 0x1)
//	session.WriteEvent(tid, def, payload)
//
// # Instances
//
// An Instance is one captured event: timestamp, thread, per-thread sequence
// number, definition identity and payload, plus an optional stack.
//
// # Buffer Encoding
//
// Instances are packed back to back into buffers using a fixed 51-byte
// header followed by the payload and stack frames:
//
//	buf = event.AppendInstance(buf, &inst)
//	n, err := event.DecodeInstance(buf, &decoded)
//
// Each record starts with its total length so a reader can walk a buffer
// without knowing the payload schema.
//
// # Filtering
//
// Level.Enables and Keywords.Matches implement the only filtering the
// pipeline performs:
//
//	event.LevelWarning.Enables(event.LevelError)   // true
//	event.Keywords(0x4).Matches(event.Keywords(0x6)) // true
package event
