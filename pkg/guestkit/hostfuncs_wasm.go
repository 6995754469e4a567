//go:build wasm

package guestkit

//go:wasm-module env
//export log_debug
func hostLogDebug(s string)

//go:wasm-module env
//export log_info
func hostLogInfo(s string)

//go:wasm-module env
//export log_error
func hostLogError(s string)

//go:wasm-module env
//export hot_version
func hostVersion() uint32

//go:wasm-module env
//export hot_failure
func hostFailure() uint32

//go:wasm-module env
//export hot_data_get
func hostDataGet() uint64

//go:wasm-module env
//export hot_data_set
func hostDataSet(v uint64)
