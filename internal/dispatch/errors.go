package dispatch

import (
	"errors"
	"fmt"
)

var ErrNoChannel = errors.New("dispatch: no channel configured")

// SubmitError means the channel refused or failed to accept an attempt.
// Nothing was placed, so there is no handle to track.
type SubmitError struct {
	Channel string
	Err     error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("dispatch: submit via %s: %v", e.Channel, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// IsSubmitError reports whether err wraps a SubmitError.
func IsSubmitError(err error) bool {
	var se *SubmitError
	return errors.As(err, &se)
}
