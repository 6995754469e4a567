// Command counter is a minimal hot-reloadable guest: it counts host steps in
// its transferable state, so the count survives rebuilds of this file.
//
// Build with TinyGo and run it under the host:
//
//	tinygo build -o counter.wasm -target wasi ./guests/counter
//	hotswap run -m counter=counter.wasm
//
// Rebuild while the host is running and watch the version bump without the
// counter resetting.
package main

import (
	"unsafe"

	"github.com/hotswap-go/hotswap/pkg/guestkit"
)

// state is the region carried across reloads. Everything outside it starts
// from zero in the new version.
var state struct {
	Ticks uint32
}

//export StateBase
func StateBase() uint32 {
	return guestkit.StateAddr(unsafe.Pointer(&state))
}

//export StateLen
func StateLen() uint32 {
	return guestkit.StateSize(&state)
}

//export Execute
func Execute(op uint32) int32 {
	return guestkit.Dispatch(guestkit.Op(op))
}

func main() {}

func init() {
	guestkit.OnLoad(func() int32 {
		guestkit.LogInfo("counter guest loaded")

		return 0
	})

	guestkit.OnStep(func() int32 {
		state.Ticks++
		if state.Ticks%100 == 0 {
			guestkit.LogInfo("another hundred ticks")
		}
		// Mirror the count into the host userdata cell so the host can read
		// it without touching guest memory.
		guestkit.DataSet(uint64(state.Ticks))

		return int32(state.Ticks)
	})

	guestkit.OnClose(func() int32 {
		guestkit.LogInfo("counter guest closing")

		return 0
	})
}
