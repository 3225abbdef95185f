package pressure

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/guardian/internal/config"
)

// Severity is a pressure band. Bands are strictly ordered.
type Severity int

// Severity bands, lowest first.
const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityOrange
	SeverityCritical
	SeverityForce
)

var severityNames = [...]string{"normal", "warning", "orange", "critical", "force"}

// String returns the band name.
func (s Severity) String() string {
	if s < SeverityNormal || s > SeverityForce {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity parses a band name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(name, n) {
			return Severity(i), nil
		}
	}
	return SeverityNormal, fmt.Errorf("unknown severity %q", name)
}

// Classify maps a pressure value to its band using the configured thresholds.
func Classify(p float64, cfg config.PressureConfig) Severity {
	switch {
	case p >= cfg.Force:
		return SeverityForce
	case p >= cfg.Critical:
		return SeverityCritical
	case p >= cfg.Orange:
		return SeverityOrange
	case p >= cfg.Warning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}
