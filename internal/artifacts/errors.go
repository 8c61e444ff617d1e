package artifacts

import (
	"errors"
	"fmt"
)

var ErrNoVersions = errors.New("no artifact versions")

type NotFoundError struct {
	OwnerUserID string
	Version     int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: owner %s version %d", e.OwnerUserID, e.Version)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

type InvalidArtifactError struct {
	Path   string
	Reason string
}

func (e *InvalidArtifactError) Error() string {
	return fmt.Sprintf("invalid artifact at %s: %s", e.Path, e.Reason)
}

func IsInvalidArtifact(err error) bool {
	var e *InvalidArtifactError
	return errors.As(err, &e)
}
