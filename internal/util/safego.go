package util

import (
	"runtime/debug"

	"github.com/moltbunker/usdstake/internal/logging"
)

// SafeGoWithName runs fn in a goroutine and logs, rather than propagates, a
// panic. Use it for background loops (event fan-out, WebSocket writers)
// so a bug in one subscriber cannot take the service down.
//
//	util.SafeGoWithName("ws-writer", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	if r := recover(); r != nil {
		logging.Error("goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
