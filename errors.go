package dlaq

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/dallin-b/go-dlaq/internal/buffer"
	"github.com/dallin-b/go-dlaq/internal/descriptor"
	"github.com/dallin-b/go-dlaq/internal/interfaces"
	"github.com/dallin-b/go-dlaq/internal/queue"
)

// Error represents a structured engine error with context and errno mapping
type Error struct {
	Op      string        // Operation that failed (e.g., "SUBMIT", "ABORT")
	QueueID uint16        // Queue ID (0 if not applicable)
	TaskID  uint32        // Task ID (0 if not applicable)
	Code    ErrorCode     // High-level error category
	Errno   syscall.Errno // Platform errno (0 if not applicable)
	Msg     string        // Human-readable message
	Inner   error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.QueueID != 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.QueueID))
	}
	if e.TaskID != 0 {
		parts = append(parts, fmt.Sprintf("task=%08x", e.TaskID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", int(e.Errno)))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("dlaq: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("dlaq: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for code-level comparison
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
	ErrCodePinFailed         ErrorCode = "buffer pin failed"
	ErrCodeInvalidFenceType  ErrorCode = "invalid fence type"
	ErrCodePowerOn           ErrorCode = "engine power on failed"
	ErrCodeDispatch          ErrorCode = "command dispatch failed"
	ErrCodeRegistration      ErrorCode = "completion registration failed"
	ErrCodeProcessorBusy     ErrorCode = "engine processor busy"
	ErrCodeNoTaskMemory      ErrorCode = "task descriptor pool exhausted"
	ErrCodeQueueClosed       ErrorCode = "queue closed"
	ErrCodeAbortTimeout      ErrorCode = "queue flush timed out"
	ErrCodeNoSyncpoint       ErrorCode = "no syncpoint available"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewQueueError creates a new queue-scoped error
func NewQueueError(op string, queueID uint16, code ErrorCode, msg string) *Error {
	return &Error{
		Op:      op,
		QueueID: queueID,
		Code:    code,
		Msg:     msg,
	}
}

// WrapError wraps an existing error with engine context, mapping internal
// sentinels and errnos onto the code taxonomy.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if de, ok := inner.(*Error); ok {
		return &Error{
			Op:      op,
			QueueID: de.QueueID,
			TaskID:  de.TaskID,
			Code:    de.Code,
			Errno:   de.Errno,
			Msg:     de.Msg,
			Inner:   de.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	code := mapSentinelToCode(inner)
	return &Error{
		Op:    op,
		Code:  code,
		Errno: codeToErrno(code),
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapSentinelToCode maps the internal packages' sentinel errors onto the
// code taxonomy.
func mapSentinelToCode(err error) ErrorCode {
	switch {
	case errors.Is(err, descriptor.ErrInvalidParameters):
		return ErrCodeInvalidParameters
	case errors.Is(err, descriptor.ErrInvalidFenceType):
		return ErrCodeInvalidFenceType
	case errors.Is(err, buffer.ErrInvalidHandle), errors.Is(err, buffer.ErrPinFailed):
		return ErrCodePinFailed
	case errors.Is(err, queue.ErrNoTaskMemory):
		return ErrCodeNoTaskMemory
	case errors.Is(err, queue.ErrQueueClosed):
		return ErrCodeQueueClosed
	case errors.Is(err, queue.ErrPowerOn):
		return ErrCodePowerOn
	case errors.Is(err, queue.ErrRegistration):
		return ErrCodeRegistration
	case errors.Is(err, queue.ErrAbortTimeout):
		return ErrCodeAbortTimeout
	case errors.Is(err, interfaces.ErrProcessorBusy):
		return ErrCodeProcessorBusy
	default:
		return ErrCodeDispatch
	}
}

// mapErrnoToCode maps platform errnos to engine error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case unix.EINVAL, unix.E2BIG:
		return ErrCodeInvalidParameters
	case unix.EBUSY:
		return ErrCodeProcessorBusy
	case unix.EAGAIN, unix.ENOMEM:
		return ErrCodeNoTaskMemory
	case unix.ETIMEDOUT:
		return ErrCodeAbortTimeout
	case unix.EFAULT:
		return ErrCodePinFailed
	default:
		return ErrCodeDispatch
	}
}

// codeToErrno gives each code its conventional errno, for embedders that
// surface engine errors across a syscall-shaped boundary.
func codeToErrno(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeInvalidParameters, ErrCodeInvalidFenceType:
		return unix.EINVAL
	case ErrCodeProcessorBusy:
		return unix.EBUSY
	case ErrCodeNoTaskMemory:
		return unix.EAGAIN
	case ErrCodeAbortTimeout:
		return unix.ETIMEDOUT
	case ErrCodePinFailed:
		return unix.EFAULT
	case ErrCodeQueueClosed:
		return unix.ENODEV
	case ErrCodeNoSyncpoint:
		return unix.ENOSPC
	default:
		return unix.EIO
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Errno == errno
	}
	return false
}
