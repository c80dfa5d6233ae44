package store

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable is the sentinel wrapped by every store error caused
// by the underlying database being absent, closed, or corrupted. Callers
// check it with errors.Is and degrade to in-memory operation instead of
// crashing.
var ErrStorageUnavailable = errors.New("storage unavailable")

// StorageError wraps a database failure with the operation that hit it.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Cause)
}

// Unwrap exposes both the sentinel and the driver error, so callers can
// match ErrStorageUnavailable to degrade and still reach the cause.
func (e *StorageError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrStorageUnavailable}
	}
	return []error{ErrStorageUnavailable, e.Cause}
}

func storageErr(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause}
}

// ErrNotSerializable is returned when a record cannot cross the
// serialization boundary (functions, channels, cycles).
type ErrNotSerializable struct {
	Partition string
	Cause     error
}

func (e *ErrNotSerializable) Error() string {
	return fmt.Sprintf("store: record not serializable for partition %q: %v", e.Partition, e.Cause)
}

func (e *ErrNotSerializable) Unwrap() error { return e.Cause }

// ErrUnknownPartition is returned for operations against a partition that
// was never registered.
type ErrUnknownPartition struct {
	Partition string
}

func (e *ErrUnknownPartition) Error() string {
	return fmt.Sprintf("store: unknown partition %q", e.Partition)
}

// ErrUnknownIndex is returned by GetByIndex for an index the partition does
// not declare.
type ErrUnknownIndex struct {
	Partition string
	Index     string
}

func (e *ErrUnknownIndex) Error() string {
	return fmt.Sprintf("store: partition %q has no index %q", e.Partition, e.Index)
}
