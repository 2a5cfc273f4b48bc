package swirl

import (
	"fmt"
	"runtime/debug"
)

// runFirewalled runs f and converts an abnormal termination (a Go panic)
// into an ordinary error, so a panicking handler and a failing handler are
// indistinguishable to the retire logic that follows. This keeps the
// "update failed job within the locking transaction" invariant intact
// regardless of how the handler misbehaved.
//
// The returned error's message is prefixed with "job panicked: " whenever
// the recovered payload could be decoded into something readable, followed
// by the goroutine's stack trace captured at the moment of the panic.
func runFirewalled(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s\n%s", panicMessage(r), debug.Stack())
		}
	}()
	return f()
}

// panicMessage extracts a human-readable message from a recover() payload.
// An error, a fmt.Stringer, or a string is decoded into the message;
// anything else falls back to a fixed message.
func panicMessage(r any) string {
	switch v := r.(type) {
	case error:
		return "job panicked: " + v.Error()
	case fmt.Stringer:
		return "job panicked: " + v.String()
	case string:
		return "job panicked: " + v
	default:
		return "job panicked"
	}
}
