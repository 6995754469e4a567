// Package guard intercepts fatal execution faults raised by guest code and
// converts them into fault reports instead of letting them kill the process.
// Guest traps surface as errors from the wazero call and host-side panics are
// captured by recover, so interception is same-thread and same-call-stack.
package guard

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero/sys"

	"github.com/hotswap-go/hotswap/pkg/guestkit"
)

// Class classifies the reason a guarded guest call failed.
type Class uint8

const (
	// None means no failure occurred.
	None Class = iota
	// Segfault is an invalid memory access raised on the host side of the
	// call, typically a nil pointer dereference in a host function.
	Segfault
	// IllegalInstruction is an unreachable instruction trap.
	IllegalInstruction
	// Abort means the guest terminated itself via proc_exit.
	Abort
	// Misaligned is an unaligned atomic access trap.
	Misaligned
	// OutOfBounds is a linear-memory access outside the guest's memory.
	OutOfBounds
	// StackExhausted is a call-stack overflow inside the guest.
	StackExhausted
	// Other covers runtime-reported faults outside the known set, such as
	// integer division by zero.
	Other
	// StateInvalid is a state-transfer policy violation, not a fault; it is
	// classified here so rollback treats it uniformly.
	StateInvalid
	// UserFailure is a negative return value from the guest: the guest chose
	// to fail rather than crashed.
	UserFailure
)

// String returns the classification name.
func (c Class) String() string {
	switch c {
	case None:
		return "none"
	case Segfault:
		return "segfault"
	case IllegalInstruction:
		return "illegal_instruction"
	case Abort:
		return "abort"
	case Misaligned:
		return "misaligned"
	case OutOfBounds:
		return "out_of_bounds"
	case StackExhausted:
		return "stack_exhausted"
	case StateInvalid:
		return "state_invalid"
	case UserFailure:
		return "user_failure"
	default:
		return "other"
	}
}

// Report describes one intercepted failure. It is produced by Invoke and
// consumed once by the lifecycle manager.
type Report struct {
	Class   Class
	Op      guestkit.Op
	Version uint32
	Err     error
}

// Guard serializes guarded guest invocations for one module instance. Fault
// attribution is unambiguous because every instance owns its own Guard and
// re-entrant invocation is rejected.
type Guard struct {
	armed atomic.Bool
}

// Invoke runs fn with the guard armed. It returns the guest's return value
// and a nil report on success; on a fault, a trap, or a negative guest return
// it returns a classified report. Invoke never panics outward.
func (g *Guard) Invoke(op guestkit.Op, version uint32, fn func() (int32, error)) (ret int32, rep *Report) {
	if !g.armed.CompareAndSwap(false, true) {
		return 0, &Report{
			Class:   Other,
			Op:      op,
			Version: version,
			Err:     errors.New("guard already armed"),
		}
	}
	defer g.armed.Store(false)

	// The recover below is the resumption point: after a host-side panic the
	// call stack unwinds to here and only classification happens, no further
	// guest code runs.
	defer func() {
		if r := recover(); r != nil {
			ret = 0
			rep = &Report{
				Class:   classifyPanic(r),
				Op:      op,
				Version: version,
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
	}()

	ret, err := fn()
	if err != nil {
		return 0, &Report{Class: Classify(err), Op: op, Version: version, Err: err}
	}
	if ret < 0 {
		return ret, &Report{Class: UserFailure, Op: op, Version: version}
	}

	return ret, nil
}

// Classify maps a guest call error to a fault classification. Trap reasons
// are only exposed through the error text, so matching is by message.
func Classify(err error) Class {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return Abort
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "out of bounds memory access"),
		strings.Contains(msg, "out of bounds table access"):
		return OutOfBounds
	case strings.Contains(msg, "unreachable"):
		return IllegalInstruction
	case strings.Contains(msg, "stack overflow"):
		return StackExhausted
	case strings.Contains(msg, "unaligned atomic"):
		return Misaligned
	default:
		return Other
	}
}

func classifyPanic(r any) Class {
	err, ok := r.(error)
	if !ok {
		return Other
	}
	msg := err.Error()
	if strings.Contains(msg, "invalid memory address") ||
		strings.Contains(msg, "nil pointer dereference") {
		return Segfault
	}

	return Other
}
