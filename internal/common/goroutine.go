// -----------------------------------------------------------------------
// Panic containment for units of work
// -----------------------------------------------------------------------

package common

import (
	"fmt"
	"runtime"

	"github.com/ternarybob/arbor"
)

// CatchPanic runs fn and converts a panic into an error so one bad unit of
// work cannot take the worker down with it.
func CatchPanic(logger arbor.ILogger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("unit", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", stackTrace()).
				Msg("Recovered from panic")
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	return fn()
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
