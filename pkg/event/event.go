// Package event defines core event types for the tracing pipeline.
//
// This package contains the public API for describing events (definitions),
// captured event instances, and the compact binary encoding used to pack
// instances into per-thread buffers.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Level is the verbosity of an event. Lower values are more severe.
type Level uint8

const (
	LevelLogAlways Level = iota
	LevelCritical
	LevelError
	LevelWarning
	LevelInformational
	LevelVerbose
)

// String returns the lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelLogAlways:
		return "logalways"
	case LevelCritical:
		return "critical"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInformational:
		return "informational"
	case LevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseLevel parses a level name or its numeric value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logalways", "0", "":
		return LevelLogAlways, nil
	case "critical", "1":
		return LevelCritical, nil
	case "error", "2":
		return LevelError, nil
	case "warning", "warn", "3":
		return LevelWarning, nil
	case "informational", "info", "4":
		return LevelInformational, nil
	case "verbose", "debug", "5":
		return LevelVerbose, nil
	default:
		return 0, fmt.Errorf("unknown event level: %q", s)
	}
}

// Enables reports whether a session filter at level l accepts an event
// defined at level ev. LevelLogAlways on the filter side accepts everything.
func (l Level) Enables(ev Level) bool {
	return l == LevelLogAlways || ev <= l
}

// Keywords is a bit mask grouping related events of one provider.
type Keywords uint64

// KeywordsAll matches every keyword.
const KeywordsAll Keywords = ^Keywords(0)

// Matches reports whether a filter mask accepts an event's keywords.
// Events defined without keywords are always accepted.
func (k Keywords) Matches(ev Keywords) bool {
	return ev == 0 || k&ev != 0
}

// ThreadID identifies a producer thread. Zero means "no thread".
type ThreadID uint64

// Definition describes one event a provider can emit.
type Definition struct {
	ProviderID   uint32
	ProviderName string
	EventID      uint32
	Version      uint32
	Name         string
	Level        Level
	Keywords     Keywords
}

// Key identifies a definition independent of its display fields.
func (d *Definition) Key() DefinitionKey {
	return DefinitionKey{ProviderID: d.ProviderID, EventID: d.EventID, Version: d.Version}
}

// String returns "provider/name(id)".
func (d *Definition) String() string {
	return fmt.Sprintf("%s/%s(%d)", d.ProviderName, d.Name, d.EventID)
}

// DefinitionKey uniquely identifies an event definition.
type DefinitionKey struct {
	ProviderID uint32
	EventID    uint32
	Version    uint32
}

// Instance is one captured event.
// Once appended to a buffer an instance is immutable; decoded instances
// alias the buffer memory they were read from.
type Instance struct {
	Timestamp  uint64
	ThreadID   ThreadID
	Sequence   uint32
	ProviderID uint32
	EventID    uint32
	Version    uint32
	Level      Level
	Keywords   Keywords
	Payload    []byte
	Stack      []uint64
}

// Key returns the definition key of the instance.
func (e *Instance) Key() DefinitionKey {
	return DefinitionKey{ProviderID: e.ProviderID, EventID: e.EventID, Version: e.Version}
}

// BufferStats contains statistics about a buffer's contents.
type BufferStats struct {
	EventCount     int
	SizeBytes      int64
	Capacity       int64
	FirstTimestamp uint64
	LastTimestamp  uint64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}
