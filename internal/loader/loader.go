// Package loader performs platform-abstracted module load, symbol resolution
// and unload on top of the wazero runtime. The user-supplied artifact is never
// loaded directly: every load copies it to a private, uniquely named working
// file first, so the build tool can overwrite or delete the original while an
// old binary is still instantiated.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hotswap-go/hotswap/pkg/guestkit"
)

// compileRetries bounds how often a failing read+compile is retried. The
// build tool may still be writing the artifact when its mtime advances, so a
// torn image is retried before being declared invalid.
const (
	compileRetries  = 3
	compileInterval = 50 * time.Millisecond
)

// Hooks provides the host-context values exposed to the guest through the
// env module.
type Hooks interface {
	// Version returns the current context version.
	Version() uint32
	// Failure returns the current failure classification as a raw code.
	Failure() uint32
	// DataGet reads the context userdata cell.
	DataGet() uint64
	// DataSet writes the context userdata cell.
	DataSet(v uint64)
}

// Loader creates and destroys module instances. Each instance runs in its own
// wazero runtime so unload is a single runtime close.
type Loader struct {
	//nolint:containedctx // Context is stored in the struct intentionally to allow reuse across module operations.
	ctx     context.Context
	workDir string
	hooks   Hooks
}

// Instance is one loaded module binary in memory.
type Instance struct {
	runtime wazero.Runtime
	module  api.Module
	entry   api.Function

	// StateBase and StateLen locate the guest's tagged state region inside
	// its linear memory. Both are zero when the guest publishes no state.
	StateBase uint32
	StateLen  uint32

	// WorkPath is the private working copy this instance was loaded from.
	WorkPath string
	// SourceMod is the source artifact's modification time observed at load.
	// Zero when the instance was reopened from an existing working copy.
	SourceMod time.Time
}

// New returns a Loader placing working copies under workDir.
func New(ctx context.Context, workDir string, hooks Hooks) (*Loader, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	return &Loader{ctx: ctx, workDir: workDir, hooks: hooks}, nil
}

// Open copies the artifact at path to a fresh working file, compiles and
// instantiates it and resolves the entry point. version only feeds the
// working copy name.
func (l *Loader) Open(path string, version uint32) (*Instance, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Kind: FileNotFound, Path: path, Err: err}
	}

	workPath := l.workCopyPath(path, version)
	inst, err := l.instantiate(path, workPath, true)
	if err != nil {
		return nil, err
	}
	inst.SourceMod = st.ModTime()

	log.Debug().
		Str("event", "module_opened").
		Str("source", path).
		Str("work_copy", workPath).
		Uint32("state_len", inst.StateLen).
		Msg("opened module instance")

	return inst, nil
}

// Reopen instantiates an existing working copy without creating another one.
// Used for rollback and for reinstating a faulted version.
func (l *Loader) Reopen(workPath string) (*Instance, error) {
	if _, err := os.Stat(workPath); err != nil {
		return nil, &LoadError{Kind: FileNotFound, Path: workPath, Err: err}
	}

	return l.instantiate(workPath, workPath, false)
}

// Close tears down the instance's runtime. The working copy stays on disk;
// its lifetime belongs to the version ledger.
func (l *Loader) Close(inst *Instance) error {
	if inst == nil || inst.runtime == nil {
		return nil
	}
	err := inst.runtime.Close(l.ctx)
	inst.runtime = nil

	return err
}

// Discard closes the instance and removes its working copy. Used for
// instances that never became a committed version.
func (l *Loader) Discard(inst *Instance) {
	if inst == nil {
		return
	}
	if err := l.Close(inst); err != nil {
		log.Warn().Err(err).Msg("failed to close discarded instance")
	}
	if err := os.Remove(inst.WorkPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", inst.WorkPath).Msg("failed to remove working copy")
	}
}

// Call invokes the guest entry point with the given operation and decodes its
// integer return value.
func (i *Instance) Call(ctx context.Context, op guestkit.Op) (int32, error) {
	results, err := i.entry.Call(ctx, uint64(op))
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", guestkit.EntrySymbol, err)
	}
	if len(results) < 1 {
		return 0, fmt.Errorf("%s returned no results", guestkit.EntrySymbol)
	}

	return api.DecodeI32(results[0]), nil
}

// Memory returns the instance's linear memory, or nil when the module
// exports none.
func (i *Instance) Memory() api.Memory {
	return i.module.Memory()
}

func (l *Loader) workCopyPath(path string, version uint32) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return filepath.Join(
		l.workDir,
		fmt.Sprintf("%s.v%d.%s.wasm", base, version, uuid.NewString()[:8]),
	)
}

// instantiate reads srcPath (copying it to workPath first when copy is set),
// compiles the image and instantiates it with WASI and the env host module in
// a dedicated runtime.
func (l *Loader) instantiate(srcPath, workPath string, copyFirst bool) (*Instance, error) {
	var wasmBytes []byte

	// Retry reads of a torn image while the build tool is still writing.
	read := func() error {
		b, err := os.ReadFile(srcPath)
		if err != nil {
			return backoff.Permanent(&LoadError{Kind: FileNotFound, Path: srcPath, Err: err})
		}
		if err := validateImage(b); err != nil {
			return err
		}
		wasmBytes = b

		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(compileInterval), compileRetries)
	if err := backoff.Retry(read, policy); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return nil, le
		}

		return nil, &LoadError{Kind: InvalidImage, Path: srcPath, Err: err}
	}

	if copyFirst {
		if err := os.WriteFile(workPath, wasmBytes, 0o644); err != nil {
			return nil, &LoadError{Kind: FileNotFound, Path: workPath, Err: err}
		}
	}

	// Fresh runtime per instance: unload is one runtime close and instances
	// never share compiled code.
	rt := wazero.NewRuntime(l.ctx)
	wasi_snapshot_preview1.MustInstantiate(l.ctx, rt)

	if err := l.registerHostModule(rt); err != nil {
		closeRuntime(l.ctx, rt)

		return nil, &LoadError{Kind: InvalidImage, Path: srcPath, Err: err}
	}

	compiled, err := rt.CompileModule(l.ctx, wasmBytes)
	if err != nil {
		closeRuntime(l.ctx, rt)

		return nil, &LoadError{Kind: InvalidImage, Path: srcPath, Err: err}
	}

	// Never run start functions: lifecycle is driven exclusively through the
	// entry point.
	cfg := wazero.NewModuleConfig().
		WithName(filepath.Base(workPath)).
		WithStartFunctions()

	module, err := rt.InstantiateModule(l.ctx, compiled, cfg)
	if err != nil {
		closeRuntime(l.ctx, rt)

		return nil, &LoadError{Kind: InvalidImage, Path: srcPath, Err: err}
	}

	entry := module.ExportedFunction(guestkit.EntrySymbol)
	if entry == nil {
		closeRuntime(l.ctx, rt)

		return nil, &LoadError{
			Kind: SymbolNotFound,
			Path: srcPath,
			Err:  fmt.Errorf("module does not export %s", guestkit.EntrySymbol),
		}
	}

	inst := &Instance{
		runtime:  rt,
		module:   module,
		entry:    entry,
		WorkPath: workPath,
	}

	if err := l.resolveStateSection(inst); err != nil {
		closeRuntime(l.ctx, rt)

		return nil, &LoadError{Kind: InvalidImage, Path: srcPath, Err: err}
	}

	return inst, nil
}

// resolveStateSection reads the optional StateBase/StateLen exports and
// validates the published region against the module's memory bounds.
func (l *Loader) resolveStateSection(inst *Instance) error {
	baseFn := inst.module.ExportedFunction(guestkit.StateBaseSymbol)
	lenFn := inst.module.ExportedFunction(guestkit.StateLenSymbol)

	if baseFn == nil && lenFn == nil {
		return nil // no tagged state, empty section.
	}
	if baseFn == nil || lenFn == nil {
		return fmt.Errorf(
			"module exports only one of %s/%s",
			guestkit.StateBaseSymbol, guestkit.StateLenSymbol,
		)
	}

	base, err := callU32(l.ctx, baseFn, guestkit.StateBaseSymbol)
	if err != nil {
		return err
	}
	length, err := callU32(l.ctx, lenFn, guestkit.StateLenSymbol)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	mem := inst.module.Memory()
	if mem == nil {
		return fmt.Errorf("state section %d[%d] published without memory", base, length)
	}
	if uint64(base)+uint64(length) > uint64(mem.Size()) {
		return fmt.Errorf(
			"state section %d[%d] exceeds memory size %d",
			base, length, mem.Size(),
		)
	}

	inst.StateBase = base
	inst.StateLen = length

	return nil
}

func callU32(ctx context.Context, fn api.Function, name string) (uint32, error) {
	results, err := fn.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", name, err)
	}
	if len(results) < 1 {
		return 0, fmt.Errorf("%s returned no results", name)
	}

	return api.DecodeU32(results[0]), nil
}

// registerHostModule instantiates the env module providing logging and
// context access to the guest.
func (l *Loader) registerHostModule(rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			logGuest(m, ptr, length, func(msg string) { log.Debug().Str("event", "guest_log").Msg(msg) })
		}).
		Export("log_debug")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			logGuest(m, ptr, length, func(msg string) { log.Info().Str("event", "guest_log").Msg(msg) })
		}).
		Export("log_info")

	b.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			logGuest(m, ptr, length, func(msg string) { log.Error().Str("event", "guest_log").Msg(msg) })
		}).
		Export("log_error")

	b.NewFunctionBuilder().
		WithFunc(func() uint32 { return l.hooks.Version() }).
		Export("hot_version")

	b.NewFunctionBuilder().
		WithFunc(func() uint32 { return l.hooks.Failure() }).
		Export("hot_failure")

	b.NewFunctionBuilder().
		WithFunc(func() uint64 { return l.hooks.DataGet() }).
		Export("hot_data_get")

	b.NewFunctionBuilder().
		WithFunc(func(v uint64) { l.hooks.DataSet(v) }).
		Export("hot_data_set")

	if _, err := b.Instantiate(l.ctx); err != nil {
		return fmt.Errorf("failed to instantiate env module: %w", err)
	}

	return nil
}

func logGuest(m api.Module, ptr, length uint32, emit func(string)) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		log.Error().Msg("failed to read guest log message")

		return
	}
	emit(string(data))
}

// validateImage rejects images without the wasm magic before handing them to
// the compiler, so a torn write is retried instead of burning a compile.
func validateImage(b []byte) error {
	if len(b) < 8 || string(b[0:4]) != "\x00asm" {
		return fmt.Errorf("not a wasm image (%d bytes)", len(b))
	}

	return nil
}

func closeRuntime(ctx context.Context, rt wazero.Runtime) {
	if err := rt.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to close runtime")
	}
}
