package comparability

import (
	"context"
	"errors"
	"fmt"
)

// Embedding call kinds reported in [UpstreamError.Call].
const (
	CallDocument = "document"
	CallQuery    = "query"
)

// ValidationError reports unusable input. It is returned before any embedding
// call is made.
type ValidationError struct {
	// Field is the offending input, e.g. "textA".
	Field string
	// Reason is a human-readable description of the problem.
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// UpstreamError reports a failed embedding call. Any such failure aborts the
// whole run; no partial report is produced.
type UpstreamError struct {
	// Model is the embedding model of the failing call.
	Model string
	// Call is either [CallDocument] or [CallQuery].
	Call string
	// Err is the provider error, or the context error on timeout.
	Err error
}

// Error implements error.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("comparability: %s embedding with model %q: %v", e.Call, e.Model, e.Err)
}

// Unwrap returns the underlying error.
func (e *UpstreamError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because the run deadline passed.
func (e *UpstreamError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
