package bench

import (
	"errors"
	"fmt"

	"patchbench/internal/sandbox"
)

// ErrBusy is returned when a run is requested while another is in flight.
var ErrBusy = sandbox.ErrSessionActive

// AvailabilityError reports an image that is neither local nor pullable. No
// sandbox session was attempted.
type AvailabilityError struct {
	Image  string
	Detail string
	Err    error
}

func (e *AvailabilityError) Error() string {
	return fmt.Sprintf("cannot get Docker image %s: %s", e.Image, e.Detail)
}

func (e *AvailabilityError) Unwrap() error { return e.Err }

// IsAvailability reports whether err is an *AvailabilityError.
func IsAvailability(err error) bool {
	var ae *AvailabilityError
	return errors.As(err, &ae)
}
