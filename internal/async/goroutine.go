package async

import (
	"runtime/debug"

	"loom/internal/logging"
)

// Go runs fn in a background goroutine guarded by panic recovery. A panicking
// worker must never take the whole server down; the panic is logged with its
// stack and the goroutine ends.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. Intended for use
// as a deferred call at the top of goroutines that loom does not own the
// lifecycle of.
func Recover(logger logging.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if name == "" {
		name = "goroutine"
	}
	logging.OrNop(logger).Error("panic in %s: %v\n%s", name, r, debug.Stack())
}
