package safetyfilter

import (
	"errors"
	"fmt"
)

var ErrNotConfigured = errors.New("safety filter is not configured")

// RefusalError is the verdict for a query the filter will not let through.
type RefusalError struct {
	Reason string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("query refused: %s", e.Reason)
}

func IsRefusal(err error) bool {
	var e *RefusalError
	return errors.As(err, &e)
}
