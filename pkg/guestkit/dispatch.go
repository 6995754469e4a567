package guestkit

// Handler is a guest lifecycle callback. A negative return value reports
// failure to the host and triggers its rollback handling.
type Handler func() int32

var handlers [4]Handler

// OnLoad registers the callback invoked for OpLoad.
func OnLoad(h Handler) { handlers[OpLoad] = h }

// OnStep registers the callback invoked for OpStep. Its non-negative return
// value is passed through to the host unchanged.
func OnStep(h Handler) { handlers[OpStep] = h }

// OnUnload registers the callback invoked for OpUnload.
func OnUnload(h Handler) { handlers[OpUnload] = h }

// OnClose registers the callback invoked for OpClose.
func OnClose(h Handler) { handlers[OpClose] = h }

// Dispatch routes an operation to its registered callback. Operations without
// a registered callback succeed with 0, so a minimal guest only has to
// register OnStep. Unknown operations fail with -1.
func Dispatch(op Op) int32 {
	if op > OpClose {
		return -1
	}
	if h := handlers[op]; h != nil {
		return h()
	}

	return 0
}
