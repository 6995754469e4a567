package loader

import (
	"errors"
	"fmt"
)

// Kind distinguishes the load failure classes.
type Kind uint8

const (
	// FileNotFound means the artifact is missing or unreadable.
	FileNotFound Kind = iota + 1
	// InvalidImage means the artifact is not a loadable module, including a
	// malformed state-section publication.
	InvalidImage
	// SymbolNotFound means the required entry point export is absent.
	SymbolNotFound
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case FileNotFound:
		return "file_not_found"
	case InvalidImage:
		return "invalid_image"
	case SymbolNotFound:
		return "symbol_not_found"
	default:
		return "unknown"
	}
}

// LoadError describes a failure to produce a module instance. It is always
// local to open/reload and recoverable by the lifecycle manager.
type LoadError struct {
	Kind Kind
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error { return e.Err }

// ErrKind extracts the failure kind from err, or 0 when err is not a
// LoadError.
func ErrKind(err error) Kind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}

	return 0
}
