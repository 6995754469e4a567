// Package guestkit provides the guest-side contract for hot-reloadable WASM
// modules: the operation enum delivered to the exported entry point, callback
// dispatch, state-section publication helpers and host function imports.
package guestkit

// Op is the lifecycle operation passed to the guest entry point.
type Op uint32

// Lifecycle operations delivered through the exported Execute function.
const (
	// OpLoad is issued once after the module is instantiated, both on the
	// first load and after every reload or rollback.
	OpLoad Op = iota
	// OpStep is the steady-state call issued by the host loop.
	OpStep
	// OpUnload is issued on the outgoing instance before a reload swap.
	OpUnload
	// OpClose is issued once when the host context shuts down for good.
	OpClose
)

// String returns the operation name for logging.
func (o Op) String() string {
	switch o {
	case OpLoad:
		return "load"
	case OpStep:
		return "step"
	case OpUnload:
		return "unload"
	case OpClose:
		return "close"
	default:
		return "unknown"
	}
}

// EntrySymbol is the fixed name of the required guest entry point.
const EntrySymbol = "Execute"

// StateBaseSymbol and StateLenSymbol are the optional exports a guest
// provides to publish its transferable state region.
const (
	StateBaseSymbol = "StateBase"
	StateLenSymbol  = "StateLen"
)
