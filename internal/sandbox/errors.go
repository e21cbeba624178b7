package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrSessionActive      = errors.New("a benchmark session is already running")
	ErrEntryScriptMissing = errors.New("entry script /perf.sh not found in image")
	ErrReadyTimeout       = errors.New("session did not become ready in time")
	ErrCancelled          = errors.New("benchmark cancelled")
	ErrSessionExited      = errors.New("sandbox session exited unexpectedly")
	ErrPatchFailed        = errors.New("patch did not apply")
	ErrImageUnavailable   = errors.New("image unavailable")
	ErrInvalidLimits      = errors.New("invalid resource limits")
	ErrInvalidRequest     = errors.New("invalid run request")
)

// DriverError wraps a driver failure with the run it belongs to and the
// transcript captured up to the failure.
type DriverError struct {
	RunID      string
	Op         string // The step that failed
	Transcript *Transcript
	Err        error
}

func (e *DriverError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("run %s: %s: %s", e.RunID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// PartialTranscript returns the transcript attached to a DriverError, or nil.
func PartialTranscript(err error) *Transcript {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Transcript
	}
	return nil
}

// IsCancelled returns true if the run was stopped by Cancel or its context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTimeout returns true if a bounded step never became ready.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrReadyTimeout)
}
