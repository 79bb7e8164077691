package archive

import "time"

// PolicyConfig configures rotation behavior.
type PolicyConfig struct {
	MaxFileSizeMB     int64
	MaxRecordsPerFile int
	MaxDuration       time.Duration
}

// CompositePolicy rotates based on multiple criteria. Zero thresholds are
// disabled; with every threshold disabled the archive rotates only on
// Close.
type CompositePolicy struct {
	maxSizeBytes int64
	maxRecords   int
	maxDuration  time.Duration
}

// NewPolicy creates a new rotation policy.
func NewPolicy(config PolicyConfig) *CompositePolicy {
	return &CompositePolicy{
		maxSizeBytes: config.MaxFileSizeMB * 1024 * 1024,
		maxRecords:   config.MaxRecordsPerFile,
		maxDuration:  config.MaxDuration,
	}
}

// ShouldRotate returns true if any rotation condition is met.
func (p *CompositePolicy) ShouldRotate(stats FileStats, now time.Time) bool {
	if stats.RecordCount == 0 {
		return false
	}

	// Size-based rotation
	if p.maxSizeBytes > 0 && stats.SizeBytes >= p.maxSizeBytes {
		return true
	}

	// Count-based rotation
	if p.maxRecords > 0 && stats.RecordCount >= p.maxRecords {
		return true
	}

	// Time-based rotation
	if p.maxDuration > 0 && !stats.FirstWriteTime.IsZero() {
		if now.Sub(stats.FirstWriteTime) >= p.maxDuration {
			return true
		}
	}

	return false
}
