package feature

import (
	"errors"
	"fmt"
)

// ErrConfig marks invalid pipeline configuration (bad batch size, unit/patch
// mismatch, unknown aggregation mode, …). Configuration errors are fatal: the
// run does not start.
var ErrConfig = errors.New("invalid configuration")

// ConfigErrorf wraps ErrConfig with a formatted message so callers can test
// with errors.Is(err, ErrConfig).
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// ShapeError reports a malformed item encountered during packing. Shape
// errors indicate systemic dataset corruption and abort the run at the
// offending call.
type ShapeError struct {
	// ItemID identifies the malformed item.
	ItemID string

	// Reason describes what was wrong with the item's shape.
	Reason string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("item %q has invalid shape: %s", e.ItemID, e.Reason)
}

// EncodingError reports a backbone failure while encoding one item. Encoding
// errors are recovered per item: the item is skipped and the run continues.
type EncodingError struct {
	ItemID string
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode item %q: %v", e.ItemID, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
