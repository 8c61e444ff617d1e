package inference

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
