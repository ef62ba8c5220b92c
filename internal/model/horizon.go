package model

import (
	"slices"
	"time"
)

// Horizon is a prediction horizon in days.
type Horizon int

// DefaultHorizons is the allowed set when none is configured.
var DefaultHorizons = []Horizon{30, 90, 180}

// Days returns the horizon as an int.
func (h Horizon) Days() int { return int(h) }

// Duration returns the horizon as a time.Duration.
func (h Horizon) Duration() time.Duration { return time.Duration(h) * 24 * time.Hour }

// Validate checks h against the allowed set (DefaultHorizons when empty).
func (h Horizon) Validate(allowed []Horizon) error {
	if len(allowed) == 0 {
		allowed = DefaultHorizons
	}
	if !slices.Contains(allowed, h) {
		return Invalid("horizon", "%d days is not one of %v", int(h), allowed)
	}
	return nil
}
