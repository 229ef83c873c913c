package recording

import (
	"fmt"
	"regexp"
)

// NameRe constrains Stream.Name to [A-Za-z0-9_-]{1,63}, the stable key used as a directory
// component and as every other table's foreign key.
var NameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,63}$`)

// maxPrePostBufferSeconds bounds PreDetectionBuffer+PostDetectionBuffer per §3.
const maxPrePostBufferSeconds = 600

// Validate enforces the §3 Stream invariants. It never mutates s; callers apply defaults first.
func (s Stream) Validate() error {
	if !NameRe.MatchString(s.Name) {
		return fmt.Errorf("%w: stream name %q must match [A-Za-z0-9_-]{1,63}", ErrValidation, s.Name)
	}
	if s.SourceURL == "" {
		return fmt.Errorf("%w: stream %q missing source_url", ErrValidation, s.Name)
	}
	if s.PreDetectionBuffer < 0 || s.PreDetectionBuffer > 60 {
		return fmt.Errorf("%w: stream %q pre_detection_buffer_seconds must be 0-60", ErrValidation, s.Name)
	}
	if s.PreDetectionBuffer+s.PostDetectionBuffer > maxPrePostBufferSeconds {
		return fmt.Errorf("%w: stream %q pre+post buffer exceeds %ds", ErrValidation, s.Name, maxPrePostBufferSeconds)
	}
	if s.DetectionThreshold < 0 || s.DetectionThreshold > 1 {
		return fmt.Errorf("%w: stream %q detection_threshold must be in [0,1]", ErrValidation, s.Name)
	}
	for name, mult := range map[string]float64{
		"critical_multiplier": s.CriticalMultiplier, "important_multiplier": s.ImportantMultiplier,
		"ephemeral_multiplier": s.EphemeralMultiplier,
	} {
		if mult <= 0 {
			return fmt.Errorf("%w: stream %q %s must be > 0", ErrValidation, s.Name, name)
		}
	}
	if s.Protocol != "" && s.Protocol != "tcp" && s.Protocol != "udp" {
		return fmt.Errorf("%w: stream %q protocol must be tcp or udp", ErrValidation, s.Name)
	}
	return nil
}

// Validate enforces the §3 DetectionZone invariant: at most 32 normalized points.
func (z DetectionZone) Validate() error {
	if len(z.Points) == 0 {
		return fmt.Errorf("%w: zone %q has no points", ErrValidation, z.Name)
	}
	if len(z.Points) > 32 {
		return fmt.Errorf("%w: zone %q has %d points, max 32", ErrValidation, z.Name, len(z.Points))
	}
	for _, p := range z.Points {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("%w: zone %q point (%f,%f) out of [0,1]", ErrValidation, z.Name, p.X, p.Y)
		}
	}
	if z.MinConfidence < 0 || z.MinConfidence > 1 {
		return fmt.Errorf("%w: zone %q min_confidence must be in [0,1]", ErrValidation, z.Name)
	}
	return nil
}

// ObjectFilterAllows reports whether label passes a stream's comma-set object filter. An empty
// filter allows every label.
func ObjectFilterAllows(filter, label string) bool {
	if filter == "" {
		return true
	}
	for _, want := range splitCSV(filter) {
		if want == label {
			return true
		}
	}
	return false
}
