package allocator

import (
	"errors"
	"fmt"
)

// CorruptedError means the capacity model itself is inconsistent (allocated
// total above capacity). The allocator refuses all further admission once
// this is detected; only a restart clears it.
type CorruptedError struct {
	AllocatedGB float64
	TotalGB     float64
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("allocator corrupted: %.2f GB allocated against %.2f GB capacity", e.AllocatedGB, e.TotalGB)
}

func IsCorrupted(err error) bool {
	var e *CorruptedError
	return errors.As(err, &e)
}

type OwnerExistsError struct {
	OwnerID string
}

func (e *OwnerExistsError) Error() string {
	return fmt.Sprintf("owner %q already holds an allocation", e.OwnerID)
}

func IsOwnerExists(err error) bool {
	var e *OwnerExistsError
	return errors.As(err, &e)
}

type InvalidSizeError struct {
	SizeGB float64
}

func (e *InvalidSizeError) Error() string {
	return fmt.Sprintf("invalid allocation size %.2f GB", e.SizeGB)
}

func IsInvalidSize(err error) bool {
	var e *InvalidSizeError
	return errors.As(err, &e)
}
