// Package kernelerr defines the L1 error taxonomy of spec.md §7 in the
// shape of the corpus's serr package: a comparable error code plus a
// constructor that captures a formatted message, referenced from
// sigmaos/kernel/kernel.go as serr.IsErrCode / serr.TErrUnreachable.
package kernelerr

import "fmt"

type ErrCode int

const (
	ErrNone ErrCode = iota
	ErrProcessTableFull
	ErrSchedulerFull
	ErrUnknownProcess
	ErrUnknownThread
	ErrThreadTableFull
	ErrMessageQueueFull
	ErrMessageQueueEmpty
	ErrSecurityViolation
	ErrIsolationFault
)

func (c ErrCode) String() string {
	switch c {
	case ErrProcessTableFull:
		return "ProcessTableFull"
	case ErrSchedulerFull:
		return "SchedulerFull"
	case ErrUnknownProcess:
		return "UnknownProcess"
	case ErrUnknownThread:
		return "UnknownThread"
	case ErrThreadTableFull:
		return "ThreadTableFull"
	case ErrMessageQueueFull:
		return "MessageQueueFull"
	case ErrMessageQueueEmpty:
		return "MessageQueueEmpty"
	case ErrSecurityViolation:
		return "SecurityViolation"
	case ErrIsolationFault:
		return "IsolationFault"
	default:
		return "None"
	}
}

// Error wraps an ErrCode with a formatted message, mirroring the
// corpus's serr.Err (a code plus a human-readable string) implied by
// its call sites (serr.IsErrCode, serr.TErrUnreachable).
type Error struct {
	Code ErrCode
	msg  string
}

func New(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

// IsErrCode reports whether err is a *Error carrying code.
func IsErrCode(err error, code ErrCode) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == code
}
