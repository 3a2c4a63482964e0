package errs

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// AssertionError describes a violated contract. It is raised with panic because it
// signals a programming error, not a runtime condition callers can handle.
type AssertionError struct {
	Expr  string
	File  string
	Line  int
	Stack []byte
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion '%s' failed at %s:%d", e.Expr, e.File, e.Line)
}

// Assert panics with an *AssertionError when cond is false.
func Assert(cond bool, expr string) {
	if cond {
		return
	}
	_, file, line, _ := runtime.Caller(1)
	panic(&AssertionError{
		Expr:  expr,
		File:  file,
		Line:  line,
		Stack: debug.Stack(),
	})
}
