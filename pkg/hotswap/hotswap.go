// Package hotswap is the host-facing API of the hot-reload runtime. A host
// creates a Context, loads a guest module artifact into it and then calls
// Update from its own loop. When the artifact is rebuilt the next Update
// transparently reloads it, carrying the guest's tagged state across; when
// the guest faults, the fault is intercepted and reported instead of killing
// the process.
package hotswap

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/hotswap-go/hotswap/internal/guard"
	"github.com/hotswap-go/hotswap/internal/state"
)

// Policy selects the state-transfer strictness applied on reload.
type Policy uint8

// Transfer policies, ordered from strictest to none. Values mirror the
// engine's own policy set.
const (
	PolicyStrict Policy = iota
	PolicySizeOnly
	PolicyGrowOnly
	PolicyDisabled
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p, err := state.ParsePolicy(s)

	return Policy(p), err
}

// String returns the policy name.
func (p Policy) String() string { return state.Policy(p).String() }

// FaultClass classifies the most recent failure on a Context. Values mirror
// the guard's classification set.
type FaultClass uint8

const (
	FailureNone FaultClass = iota
	FailureSegfault
	FailureIllegalInstruction
	FailureAbort
	FailureMisaligned
	FailureOutOfBounds
	FailureStackExhausted
	FailureOther
	FailureStateInvalid
	FailureUser
)

// String returns the classification name.
func (c FaultClass) String() string { return guard.Class(c).String() }

// Update return codes for failures. Any other value is the guest's own step
// return value, passed through unchanged.
const (
	// StepFailed signals a fault or negative guest return during a step.
	StepFailed int32 = -1
	// TransitionFailed signals a fault or negative guest return during a
	// load/unload transition, or use of an unusable context.
	TransitionFailed int32 = -2
)

// ErrClosed is returned for operations on a closed context.
var ErrClosed = errors.New("context is closed")

// ErrAlreadyLoaded is returned when Load is called on a context that already
// holds a live module.
var ErrAlreadyLoaded = errors.New("context already has a module loaded")

// Context is the host-visible handle to one hot-reloadable module. The
// manager behind it is owned exclusively by the runtime; hosts interact only
// through the exported methods and the Userdata cell.
type Context struct {
	mgr *manager

	// Userdata is a host-settable cell, readable and writable by the guest
	// through the env module, preserved unchanged across reloads.
	Userdata uint64
}

// Option configures a Context at creation time.
type Option func(*manager)

// WithPolicy selects the state-transfer policy. The default is GrowOnly.
func WithPolicy(p Policy) Option {
	return func(m *manager) { m.policy = state.Policy(p) }
}

// WithWorkDir places the private working copies under dir instead of a
// per-context temporary directory.
func WithWorkDir(dir string) Option {
	return func(m *manager) { m.workDir = dir }
}

// WithRuntimeContext sets the context.Context passed to the wazero runtime
// for compilation and guest calls.
func WithRuntimeContext(ctx context.Context) Option {
	return func(m *manager) { m.runtimeCtx = ctx }
}

// New creates an unloaded Context. The host must call Load before Update.
func New(opts ...Option) *Context {
	m := &manager{
		runtimeCtx: context.Background(),
		policy:     state.GrowOnly,
		workDir:    filepath.Join(os.TempDir(), "hotswap"),
	}
	for _, o := range opts {
		o(m)
	}
	c := &Context{mgr: m}
	m.host = c

	return c
}

// Load validates the artifact at path, loads it as version 1 and issues the
// guest load operation. On failure the context stays unloaded; the failure
// classification is retained when the guest itself failed or faulted.
func (c *Context) Load(path string) error {
	return c.mgr.load(path)
}

// Update is the steady-state call. It reloads first when a newer build of
// the artifact exists, then issues one step operation. It returns the guest's
// own step return value, or StepFailed / TransitionFailed per the failure
// contract; the corresponding classification is available via Failure.
func (c *Context) Update() int32 {
	return c.mgr.update()
}

// Close issues the final guest close operation, releases the loaded module
// and removes all working copies. It is idempotent.
func (c *Context) Close() error {
	return c.mgr.close()
}

// Version returns the current module version: 0 before the first successful
// Load, 1 afterwards, incremented by every successful reload.
func (c *Context) Version() uint32 {
	return c.mgr.version
}

// Failure returns the classification of the most recent fault or rollback,
// or FailureNone.
func (c *Context) Failure() FaultClass {
	return FaultClass(c.mgr.failure)
}

// Info describes the currently loaded module instance.
type Info struct {
	SourcePath string
	WorkPath   string
	Version    uint32
	StateBase  uint32
	StateLen   uint32
}

// Info returns details about the loaded instance, or false when the context
// holds none.
func (c *Context) Info() (Info, bool) {
	m := c.mgr
	if m.inst == nil {
		return Info{}, false
	}

	return Info{
		SourcePath: m.sourcePath,
		WorkPath:   m.inst.WorkPath,
		Version:    m.version,
		StateBase:  m.inst.StateBase,
		StateLen:   m.inst.StateLen,
	}, true
}
