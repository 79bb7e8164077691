package stream

import "time"

// PolicyConfig configures when sequence points are written.
type PolicyConfig struct {
	MaxBytes  int64
	MaxEvents int
	Interval  time.Duration
}

// Progress is what has been serialized since the last sequence point.
type Progress struct {
	Bytes   int64
	Events  int
	Elapsed time.Duration
}

// CompositePolicy emits a sequence point when any configured threshold
// is reached. Zero thresholds are disabled.
type CompositePolicy struct {
	maxBytes  int64
	maxEvents int
	interval  time.Duration
}

// NewPolicy creates a new sequence point policy.
func NewPolicy(config PolicyConfig) *CompositePolicy {
	return &CompositePolicy{
		maxBytes:  config.MaxBytes,
		maxEvents: config.MaxEvents,
		interval:  config.Interval,
	}
}

// ShouldEmit returns true if any threshold is met.
func (p *CompositePolicy) ShouldEmit(progress Progress) bool {
	if progress.Events == 0 {
		return false
	}

	// Size-based
	if p.maxBytes > 0 && progress.Bytes >= p.maxBytes {
		return true
	}

	// Count-based
	if p.maxEvents > 0 && progress.Events >= p.maxEvents {
		return true
	}

	// Time-based
	if p.interval > 0 && progress.Elapsed >= p.interval {
		return true
	}

	return false
}
