package choir

import (
	"errors"
	"fmt"
)

// Status is the status code of a response.
type Status uint32

const (
	StatusOK               Status = 0
	StatusBadArgs          Status = 1
	StatusBadIndex         Status = 2
	StatusBusy             Status = 3
	StatusOutOfMemory      Status = 4
	StatusDangling         Status = 5
	StatusOutOfBounds      Status = 6
	StatusPermissionDenied Status = 13
	StatusNotFound         Status = 14
	StatusUnknownOp        Status = 0xdead
)

func (o Status) String() string {
	switch o {
	case StatusOK:
		return "ok"
	case StatusBadArgs:
		return "bad-args"
	case StatusBadIndex:
		return "bad-index"
	case StatusBusy:
		return "busy"
	case StatusOutOfMemory:
		return "out-of-memory"
	case StatusDangling:
		return "dangling"
	case StatusOutOfBounds:
		return "out-of-bounds"
	case StatusPermissionDenied:
		return "permission-denied"
	case StatusNotFound:
		return "not-found"
	case StatusUnknownOp:
		return "unknown-op"
	default:
		return fmt.Sprintf("status-0x%x", uint32(o))
	}
}

// StatusError is a request failure that is reported to the client.
// The session continues after a StatusError.
type StatusError struct {
	Status Status
	Body   string
}

func (o *StatusError) Error() string {
	return fmt.Sprintf("%s (%d): %s", o.Status, uint32(o.Status), o.Body)
}

// IsStatus reports whether err is a *StatusError with the
// specified status.
func IsStatus(err error, status Status) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.Status == status
}

func errBadArgs() error {
	return &StatusError{Status: StatusBadArgs, Body: "bad args"}
}

func errBadIndex() error {
	return &StatusError{Status: StatusBadIndex, Body: "bad idx"}
}

func errBusy() error {
	return &StatusError{Status: StatusBusy, Body: "busy"}
}

func errOutOfMemory() error {
	return &StatusError{Status: StatusOutOfMemory, Body: "oom"}
}

func errDangling() error {
	return &StatusError{Status: StatusDangling, Body: "dangling"}
}

func errSegfault() error {
	return &StatusError{Status: StatusDangling, Body: "segfault"}
}

func errOutOfBounds() error {
	return &StatusError{Status: StatusOutOfBounds, Body: "bounds"}
}

func errPermissionDenied() error {
	return &StatusError{Status: StatusPermissionDenied, Body: "eperm"}
}

func errNotFound() error {
	return &StatusError{Status: StatusNotFound, Body: "noflag"}
}

func errUnknownOp() error {
	return &StatusError{Status: StatusUnknownOp, Body: "bad op"}
}
