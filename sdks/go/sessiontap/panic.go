package sessiontap

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Recover is a helper for reporting panics as errors.
//
// Usage:
//
//	defer agent.Recover(true) // report then re-panic
func (a *Agent) Recover(repanic bool) {
	r := recover()
	if r == nil {
		return
	}

	a.LogError("panic", fmt.Sprint(r), panicLine())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	a.Flush(ctx)
	cancel()

	if repanic {
		panic(r)
	}
}

// panicLine returns the source line of the first non-runtime frame above
// the deferred Recover call, which is where the panic was raised.
func panicLine() int {
	pcs := make([]uintptr, 32)
	// Skip runtime.Callers, panicLine and Recover.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			return f.Line
		}
		if !more {
			return 0
		}
	}
}
