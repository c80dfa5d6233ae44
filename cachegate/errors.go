package cachegate

import (
	"errors"
	"fmt"
)

// ErrQuotaExceeded is returned for cache writes while storage usage is
// above the refusal threshold. Reads keep working.
var ErrQuotaExceeded = errors.New("cachegate: storage quota exceeded")

// ErrNoRoute means the request's class has no entry in the route table.
type ErrNoRoute struct {
	Class Class
}

func (e *ErrNoRoute) Error() string {
	return fmt.Sprintf("cachegate: no route for class %q", e.Class)
}

// ErrMiss means neither the cache nor the network could produce the
// resource.
type ErrMiss struct {
	Class Class
	Key   string
	Cause error // the network failure, nil on a pure cache miss offline
}

func (e *ErrMiss) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cachegate: %s %q unavailable: %v", e.Class, e.Key, e.Cause)
	}
	return fmt.Sprintf("cachegate: %s %q not cached", e.Class, e.Key)
}

func (e *ErrMiss) Unwrap() error { return e.Cause }
