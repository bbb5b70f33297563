package dlaq

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/dallin-b/go-dlaq/internal/buffer"
	"github.com/dallin-b/go-dlaq/internal/descriptor"
	"github.com/dallin-b/go-dlaq/internal/queue"
)

func TestErrorFormatting(t *testing.T) {
	err := NewQueueError("SUBMIT", 3, ErrCodeNoTaskMemory, "all slots in flight")
	msg := err.Error()

	if !strings.Contains(msg, "dlaq:") {
		t.Errorf("missing prefix: %s", msg)
	}
	if !strings.Contains(msg, "all slots in flight") {
		t.Errorf("missing message: %s", msg)
	}
	if !strings.Contains(msg, "op=SUBMIT") {
		t.Errorf("missing op context: %s", msg)
	}
}

func TestErrorCodeFallbackMessage(t *testing.T) {
	err := NewError("ABORT", ErrCodeAbortTimeout, "")
	if !strings.Contains(err.Error(), string(ErrCodeAbortTimeout)) {
		t.Errorf("empty Msg should fall back to the code: %s", err.Error())
	}
}

func TestWrapSentinels(t *testing.T) {
	cases := []struct {
		inner error
		code  ErrorCode
		errno syscall.Errno
	}{
		{queue.ErrNoTaskMemory, ErrCodeNoTaskMemory, unix.EAGAIN},
		{queue.ErrQueueClosed, ErrCodeQueueClosed, unix.ENODEV},
		{queue.ErrPowerOn, ErrCodePowerOn, unix.EIO},
		{queue.ErrAbortTimeout, ErrCodeAbortTimeout, unix.ETIMEDOUT},
		{descriptor.ErrInvalidParameters, ErrCodeInvalidParameters, unix.EINVAL},
		{descriptor.ErrInvalidFenceType, ErrCodeInvalidFenceType, unix.EINVAL},
		{buffer.ErrPinFailed, ErrCodePinFailed, unix.EFAULT},
		{ErrProcessorBusy, ErrCodeProcessorBusy, unix.EBUSY},
	}

	for _, tc := range cases {
		wrapped := WrapError("SUBMIT", fmt.Errorf("context: %w", tc.inner))
		if wrapped.Code != tc.code {
			t.Errorf("%v: code %q, want %q", tc.inner, wrapped.Code, tc.code)
		}
		if wrapped.Errno != tc.errno {
			t.Errorf("%v: errno %d, want %d", tc.inner, wrapped.Errno, tc.errno)
		}
		if !errors.Is(wrapped, tc.inner) {
			t.Errorf("%v: wrapped error lost the sentinel", tc.inner)
		}
	}
}

func TestWrapErrno(t *testing.T) {
	wrapped := WrapError("PIN", unix.EINVAL)
	if wrapped.Code != ErrCodeInvalidParameters {
		t.Errorf("EINVAL should map to invalid parameters, got %q", wrapped.Code)
	}
	if !IsErrno(wrapped, unix.EINVAL) {
		t.Error("IsErrno should match the wrapped errno")
	}
}

func TestWrapNil(t *testing.T) {
	if WrapError("SUBMIT", nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapPreservesStructured(t *testing.T) {
	inner := NewQueueError("SUBMIT", 7, ErrCodeDispatch, "register write faulted")
	outer := WrapError("CLOSE_QUEUE", inner)

	if outer.Op != "CLOSE_QUEUE" {
		t.Errorf("op not updated: %s", outer.Op)
	}
	if outer.QueueID != 7 || outer.Code != ErrCodeDispatch {
		t.Errorf("context lost: %+v", outer)
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError("SUBMIT", ErrCodePinFailed, "handle 9"))
	if !IsCode(err, ErrCodePinFailed) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(err, ErrCodeDispatch) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrCodePinFailed) {
		t.Error("IsCode matched a non-structured error")
	}
}

func TestErrorsIsByCode(t *testing.T) {
	a := NewError("SUBMIT", ErrCodeNoTaskMemory, "x")
	b := NewError("OTHER", ErrCodeNoTaskMemory, "y")
	if !errors.Is(a, b) {
		t.Error("errors with the same code should match")
	}
}
