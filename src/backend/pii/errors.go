package pii

import "fmt"

// ConfigError reports invalid processing configuration (threshold out of
// range, unknown mode). It is surfaced to the caller and never auto-corrected.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// SpanError describes a malformed entity span reported by a detector.
// Offending spans are dropped with a warning; they never fail the request.
type SpanError struct {
	Label      string
	Start, End int
	Reason     string
}

func (e *SpanError) Error() string {
	return fmt.Sprintf("malformed span %s [%d:%d]: %s", e.Label, e.Start, e.End, e.Reason)
}
