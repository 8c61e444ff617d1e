package worker

import (
	"errors"
	"fmt"
)

var (
	ErrExited   = errors.New("worker process exited")
	ErrNotReady = errors.New("worker never became ready")
)

// RemoteError is a failure the worker itself reported on a reply line.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s failed: %s", e.Op, e.Message)
}

func IsRemote(err error) bool {
	var e *RemoteError
	return errors.As(err, &e)
}
