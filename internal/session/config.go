package session

import (
	"fmt"
	"maps"
	"time"

	"github.com/jittakal/eventpipe/internal/buffer"
	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/internal/stream"
	"github.com/jittakal/eventpipe/internal/validator"
	"github.com/jittakal/eventpipe/pkg/event"
)

// ProviderFilter enables one provider for a session.
type ProviderFilter struct {
	Name string
	// Keywords selects events by keyword. Zero enables every keyword.
	Keywords  event.Keywords
	Level     event.Level
	Arguments map[string]string
}

func (f ProviderFilter) equal(o ProviderFilter) bool {
	return f.Name == o.Name &&
		f.Keywords == o.Keywords &&
		f.Level == o.Level &&
		maps.Equal(f.Arguments, o.Arguments)
}

func (f ProviderFilter) normalized() ProviderFilter {
	if f.Keywords == 0 {
		f.Keywords = event.KeywordsAll
	}
	return f
}

// Config holds the settings a session is enabled with.
type Config struct {
	// BufferSize is the size of each per-thread buffer.
	BufferSize int64
	// MaxMemory caps the bytes of all buffers of the session.
	MaxMemory int64
	Policy    buffer.Policy
	Providers []ProviderFilter

	// Rundown writes every known definition of the enabled providers
	// before the trailer.
	Rundown bool
	// Stacks captures the producer's stack with every event.
	Stacks        bool
	MaxStackDepth int

	SequencePoints stream.PolicyConfig
	// FlushInterval retires partially filled buffers periodically. Zero
	// disables periodic flushing.
	FlushInterval time.Duration

	CallbackQueueSize int
	// Attributes are recorded in the stream header.
	Attributes map[string]string
}

// DefaultConfig returns the default session settings without providers.
func DefaultConfig() Config {
	return Config{
		BufferSize:    64 * 1024,
		MaxMemory:     16 * 1024 * 1024,
		Policy:        buffer.PolicyDropNewest,
		Rundown:       true,
		MaxStackDepth: 32,
		SequencePoints: stream.PolicyConfig{
			MaxBytes:  1024 * 1024,
			MaxEvents: 10000,
			Interval:  time.Second,
		},
		FlushInterval:     time.Second,
		CallbackQueueSize: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxStackDepth == 0 {
		c.MaxStackDepth = d.MaxStackDepth
	}
	if c.CallbackQueueSize == 0 {
		c.CallbackQueueSize = d.CallbackQueueSize
	}
	providers := make([]ProviderFilter, len(c.Providers))
	for i, f := range c.Providers {
		providers[i] = f.normalized()
	}
	c.Providers = providers
	return c
}

// Validate checks the configuration of the session called name.
func (c *Config) Validate(name string) error {
	v := validator.NewSessionValidator()
	if err := v.ValidateMemory(name, c.BufferSize, c.MaxMemory); err != nil {
		return err
	}
	if err := v.ValidateProviders(name, toValidatorFilters(c.Providers)); err != nil {
		return err
	}

	if c.Policy != buffer.PolicyDropNewest && c.Policy != buffer.PolicyRetireOldest {
		return &errors.ValidationError{Session: name, Field: "policy", Reason: fmt.Sprintf("unknown policy: %s", c.Policy)}
	}
	if c.MaxStackDepth < 0 || c.MaxStackDepth > event.MaxStackDepth {
		return &errors.ValidationError{Session: name, Field: "max_stack_depth", Reason: fmt.Sprintf("must be between 0 and %d", event.MaxStackDepth)}
	}
	if c.FlushInterval < 0 {
		return &errors.ValidationError{Session: name, Field: "flush_interval", Reason: "must not be negative"}
	}
	if c.CallbackQueueSize < 0 {
		return &errors.ValidationError{Session: name, Field: "callback_queue_size", Reason: "must not be negative"}
	}
	if c.SequencePoints.MaxBytes < 0 || c.SequencePoints.MaxEvents < 0 || c.SequencePoints.Interval < 0 {
		return &errors.ValidationError{Session: name, Field: "sequence_points", Reason: "thresholds must not be negative"}
	}
	return nil
}

func toValidatorFilters(filters []ProviderFilter) []validator.Filter {
	out := make([]validator.Filter, len(filters))
	for i, f := range filters {
		out[i] = validator.Filter{Name: f.Name, Level: f.Level, Arguments: f.Arguments}
	}
	return out
}
