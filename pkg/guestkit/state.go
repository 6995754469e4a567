package guestkit

import "unsafe"

// StateAddr returns the linear-memory address of p, suitable for the
// StateBase export. The guest aggregates everything it wants carried across
// reloads into a single struct and publishes that struct's address and size:
//
//	var st struct{ Ticks int64 }
//
//	//export StateBase
//	func StateBase() uint32 { return guestkit.StateAddr(unsafe.Pointer(&st)) }
//
//	//export StateLen
//	func StateLen() uint32 { return guestkit.StateSize(&st) }
//
//nolint:gosec // allow unsafe pointer usage.
func StateAddr(p unsafe.Pointer) uint32 {
	return uint32(uintptr(p))
}

// StateSize returns the size in bytes of the state struct pointed to by p.
func StateSize[T any](p *T) uint32 {
	return uint32(unsafe.Sizeof(*p))
}
