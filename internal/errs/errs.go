package errs

import (
	"errors"
	"fmt"
)

// Code is the closed set of error kinds shared by the hypervisor, the runtime and
// the reply protocol. A Code travels as a single untyped word in reply frames.
type Code uint64

// Kernel-reported codes. The numbering follows the hypervisor ABI.
const (
	Success Code = iota
	Timeout
	Abort
	Sys // invalid hypercall
	Cap // invalid capability
	Par // invalid parameter
	Ftr // invalid feature
	Cpu // invalid CPU
	Dev // invalid device
)

// User-level extensions.
const (
	Capacity Code = iota + 32
	UtcbUntypedFull
	UtcbTypedFull
	NotFound
	Exists
	Protocol
	ArgsInvalid
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case Abort:
		return "abort"
	case Sys:
		return "invalid hypercall"
	case Cap:
		return "invalid capability"
	case Par:
		return "invalid parameter"
	case Ftr:
		return "invalid feature"
	case Cpu:
		return "invalid cpu"
	case Dev:
		return "invalid device"
	case Capacity:
		return "out of capacity"
	case UtcbUntypedFull:
		return "utcb untyped area full"
	case UtcbTypedFull:
		return "utcb typed area full"
	case NotFound:
		return "not found"
	case Exists:
		return "already exists"
	case Protocol:
		return "protocol error"
	case ArgsInvalid:
		return "invalid arguments"
	default:
		return fmt.Sprintf("code(%d)", uint64(c))
	}
}

// Error makes a bare Code usable as a sentinel for errors.Is.
func (c Code) Error() string { return c.String() }

// Kernel reports whether the code was produced by the hypervisor itself.
func (c Code) Kernel() bool { return c <= Dev }

// Error is a failed operation together with its error kind.
type Error struct {
	Op   string
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

// Unwrap exposes the code so errors.Is(err, errs.Capacity) works.
func (e *Error) Unwrap() error { return e.Code }

// New returns an *Error for op, or nil when c is Success.
func New(op string, c Code) error {
	if c == Success {
		return nil
	}
	return &Error{Op: op, Code: c}
}

// Newf returns an *Error with a formatted detail message.
func Newf(op string, c Code, format string, args ...any) error {
	return &Error{Op: op, Code: c, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf maps err back to a Code. Errors outside the taxonomy map to Abort.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Abort
}

// Is reports whether err carries code c.
func Is(err error, c Code) bool {
	return CodeOf(err) == c && err != nil
}
