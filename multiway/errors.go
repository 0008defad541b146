package multiway

import "fmt"

// ConfigError reports an invalid configuration value. It is returned by
// Config.Validate and by New.
type ConfigError struct {
	// Field is the configuration field (or derived quantity) that failed
	// validation, e.g. "NumPath" or "path 3 width".
	Field string

	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("multiway: invalid configuration: %s: %s", e.Field, e.Msg)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// ShapeError reports an input tensor whose shape cannot be processed by the
// operation that raised it. It is thrown as a panic while building the graph,
// like other GoMLX graph errors, and can be converted back to an error with
// exceptions.TryCatch.
type ShapeError struct {
	// Op is the operation that rejected the input, e.g. "PixelUnshuffle".
	Op string

	// Msg describes the mismatch.
	Msg string
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("multiway: %s: %s", e.Op, e.Msg)
}

// shapePanicf panics with a *ShapeError built from the given operation name
// and message.
func shapePanicf(op, format string, args ...any) {
	panic(&ShapeError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
