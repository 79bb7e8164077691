// Package validator validates session configuration.
package validator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jittakal/eventpipe/internal/errors"
	"github.com/jittakal/eventpipe/pkg/event"
)

// Minimum and maximum sizes accepted for a single buffer.
const (
	MinBufferSize = 1024
	MaxBufferSize = 64 << 20
)

// Filter is the part of a provider filter the validator inspects.
type Filter struct {
	Name      string
	Level     event.Level
	Arguments map[string]string
}

// SessionValidator validates session settings before a session is enabled.
type SessionValidator struct {
	maxProviders int
}

// NewSessionValidator creates a new session validator.
func NewSessionValidator() *SessionValidator {
	return &SessionValidator{maxProviders: 256}
}

// ValidateMemory checks the buffer size and memory cap.
func (v *SessionValidator) ValidateMemory(session string, bufferSize, maxMemory int64) error {
	if bufferSize < MinBufferSize || bufferSize > MaxBufferSize {
		return &errors.ValidationError{
			Session: session,
			Field:   "buffer_size",
			Reason:  fmt.Sprintf("must be between %d and %d bytes, got %d", MinBufferSize, MaxBufferSize, bufferSize),
		}
	}

	if maxMemory < MinBufferSize {
		return &errors.ValidationError{
			Session: session,
			Field:   "max_memory",
			Reason:  fmt.Sprintf("must be at least %d bytes, got %d", MinBufferSize, maxMemory),
		}
	}

	return nil
}

// ValidateProviders checks provider filters: names are required, unique
// and printable, levels are known and argument keys are non-empty.
func (v *SessionValidator) ValidateProviders(session string, filters []Filter) error {
	if len(filters) == 0 {
		return &errors.ValidationError{
			Session: session,
			Field:   "providers",
			Reason:  "at least one provider is required",
		}
	}

	if len(filters) > v.maxProviders {
		return &errors.ValidationError{
			Session: session,
			Field:   "providers",
			Reason:  fmt.Sprintf("at most %d providers are supported, got %d", v.maxProviders, len(filters)),
		}
	}

	seen := make(map[string]bool, len(filters))
	for i, f := range filters {
		field := fmt.Sprintf("providers[%d]", i)

		if strings.TrimSpace(f.Name) == "" {
			return &errors.ValidationError{
				Session: session,
				Field:   field + ".name",
				Reason:  "required field is missing",
			}
		}

		if strings.IndexFunc(f.Name, func(r rune) bool { return !unicode.IsPrint(r) || unicode.IsSpace(r) }) >= 0 {
			return &errors.ValidationError{
				Session: session,
				Field:   field + ".name",
				Reason:  fmt.Sprintf("invalid provider name: %q", f.Name),
			}
		}

		if seen[f.Name] {
			return &errors.ValidationError{
				Session: session,
				Field:   field + ".name",
				Reason:  fmt.Sprintf("duplicate provider: %s", f.Name),
			}
		}
		seen[f.Name] = true

		if f.Level > event.LevelVerbose {
			return &errors.ValidationError{
				Session: session,
				Field:   field + ".level",
				Reason:  fmt.Sprintf("unknown level: %d", f.Level),
			}
		}

		for k := range f.Arguments {
			if k == "" {
				return &errors.ValidationError{
					Session: session,
					Field:   field + ".arguments",
					Reason:  "argument keys must not be empty",
				}
			}
		}
	}

	return nil
}
