package radar

import (
	"fmt"
	"strings"
	"time"
)

// Source is the configuration and health state of a monitored origin.
type Source struct {
	ID            string         `yaml:"id" json:"id"`
	Name          string         `yaml:"name" json:"name"`
	Kind          Kind           `yaml:"kind" json:"kind"`
	Priority      int            `yaml:"priority" json:"priority"`
	Tags          []string       `yaml:"tags" json:"tags,omitempty"`
	Config        map[string]any `yaml:"config" json:"config,omitempty"`
	Active        bool           `yaml:"active" json:"active"`
	LastCheckedAt *time.Time     `yaml:"-" json:"last_checked_at,omitempty"`
	LastError     string         `yaml:"-" json:"last_error,omitempty"`
}

// Validate checks the fields the orchestrator depends on.
func (s *Source) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("source name is required: %w", ErrConfiguration)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("source %q: unsupported kind %q: %w", s.Name, s.Kind, ErrConfiguration)
	}
	return nil
}

// Profile describes the user the scorer ranks against.
type Profile struct {
	Name             string         `yaml:"name" json:"name"`
	Background       string         `yaml:"background" json:"background"`
	Interests        []string       `yaml:"interests" json:"interests"`
	Constraints      map[string]any `yaml:"constraints" json:"constraints,omitempty"`
	HighValueSignals []string       `yaml:"high_value_signals" json:"high_value_signals,omitempty"`
	LowValueSignals  []string       `yaml:"low_value_signals" json:"low_value_signals,omitempty"`
}

// Empty reports whether the profile carries nothing to score against.
func (p *Profile) Empty() bool {
	if p == nil {
		return true
	}
	return strings.TrimSpace(p.Name) == "" &&
		strings.TrimSpace(p.Background) == "" &&
		len(p.Interests) == 0
}
