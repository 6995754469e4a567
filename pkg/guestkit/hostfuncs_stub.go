//go:build !wasm

// Stubs for the WASM host imports so the package builds for non-wasm targets
// and in tests.

package guestkit

func hostLogDebug(_ string) {}

func hostLogInfo(_ string) {}

func hostLogError(_ string) {}

func hostVersion() uint32 { return 0 }

func hostFailure() uint32 { return 0 }

func hostDataGet() uint64 { return 0 }

func hostDataSet(_ uint64) {}
