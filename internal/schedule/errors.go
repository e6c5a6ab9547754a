package schedule

import "errors"

// ErrInvalid wraps every input validation failure.
var ErrInvalid = errors.New("schedule: invalid input")
