package hotswap_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotswap-go/hotswap/internal/wasmtest"
	"github.com/hotswap-go/hotswap/pkg/hotswap"
)

const counterAddr = 16

// stepCounter increments the i32 counter at counterAddr and returns it, so
// the host observes the guest's carried state through the step return value.
func stepCounter() []byte {
	frag := wasmtest.StepIncrement(counterAddr)
	frag = append(frag, 0x41, counterAddr, 0x28, 0x02, 0x00, 0x0F) // return counter

	return frag
}

// stepCounterFaultAt faults with unreachable once the counter reaches n.
func stepCounterFaultAt(n byte) []byte {
	frag := wasmtest.StepIncrement(counterAddr)
	frag = append(frag,
		0x41, counterAddr, 0x28, 0x02, 0x00, // i32.load counter
		0x41, n, 0x46, // i32.const n, i32.eq
		0x04, 0x40, 0x00, 0x0B, // if unreachable end
	)
	frag = append(frag, 0x41, counterAddr, 0x28, 0x02, 0x00, 0x0F)

	return frag
}

func counterGuest(stateLen uint32) []byte {
	return wasmtest.Module(
		wasmtest.WithState(counterAddr, stateLen),
		wasmtest.WithStep(stepCounter()),
	)
}

// writeBuild installs image at path with an explicit modification time, so
// reload detection is deterministic.
func writeBuild(t *testing.T, path string, image []byte, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, image, 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func newContext(t *testing.T, opts ...hotswap.Option) *hotswap.Context {
	t.Helper()
	opts = append([]hotswap.Option{hotswap.WithWorkDir(t.TempDir())}, opts...)
	c := hotswap.New(opts...)
	t.Cleanup(func() { c.Close() })

	return c
}

func buildTime(offset time.Duration) time.Time {
	return time.Now().Add(-time.Minute + offset).Truncate(time.Second)
}

func TestLoadAndStep(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))

	assert.Equal(t, uint32(1), c.Version())
	assert.Equal(t, hotswap.FailureNone, c.Failure())

	info, ok := c.Info()
	require.True(t, ok)
	assert.Equal(t, path, info.SourcePath)
	assert.Equal(t, uint32(counterAddr), info.StateBase)
	assert.Equal(t, uint32(4), info.StateLen)
	assert.NotEqual(t, path, info.WorkPath)

	// The guest's step return value is passed through unchanged.
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, int32(2), c.Update())
	assert.Equal(t, int32(3), c.Update())
	assert.Equal(t, uint32(1), c.Version())
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	c := newContext(t)
	assert.Error(t, c.Load(""))
	assert.Error(t, c.Load(filepath.Join(t.TempDir(), "missing.wasm")))

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))
	require.NoError(t, c.Load(path))
	assert.ErrorIs(t, c.Load(path), hotswap.ErrAlreadyLoaded)
}

func TestLoadGuestRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wasm")
	writeBuild(t, bad, wasmtest.Module(wasmtest.WithLoad(wasmtest.StepFail(-1))), buildTime(0))

	c := newContext(t)
	require.Error(t, c.Load(bad))
	assert.Equal(t, uint32(0), c.Version())
	assert.Equal(t, hotswap.FailureUser, c.Failure())

	// The context stays usable: a subsequent good load succeeds.
	good := filepath.Join(dir, "good.wasm")
	writeBuild(t, good, counterGuest(4), buildTime(0))
	require.NoError(t, c.Load(good))
	assert.Equal(t, uint32(1), c.Version())
	assert.Equal(t, hotswap.FailureNone, c.Failure())
}

func TestReloadCarriesState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, int32(2), c.Update())
	assert.Equal(t, int32(3), c.Update())

	// A rebuilt artifact with a newer timestamp triggers exactly one reload.
	writeBuild(t, path, counterGuest(4), buildTime(2*time.Second))
	assert.Equal(t, int32(0), c.Update())
	assert.Equal(t, uint32(2), c.Version())
	assert.Equal(t, hotswap.FailureNone, c.Failure())

	// The counter survived the swap.
	assert.Equal(t, int32(4), c.Update())
	assert.Equal(t, uint32(2), c.Version())
}

func TestReloadGrowOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())

	// Growing the state region is allowed: old bytes land in the prefix.
	writeBuild(t, path, counterGuest(16), buildTime(2*time.Second))
	assert.Equal(t, int32(0), c.Update())
	assert.Equal(t, uint32(2), c.Version())
	assert.Equal(t, int32(2), c.Update())

	// Shrinking is rejected: the reload fails, the previous version stays
	// current and starts cold.
	writeBuild(t, path, counterGuest(2), buildTime(4*time.Second))
	assert.Equal(t, hotswap.TransitionFailed, c.Update())
	assert.Equal(t, uint32(2), c.Version())
	assert.Equal(t, hotswap.FailureStateInvalid, c.Failure())

	// The broken build is not retried; stepping resumes on the rolled-back
	// version, which restarted cold.
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, uint32(2), c.Version())
}

func TestReloadStrictPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t, hotswap.WithPolicy(hotswap.PolicyStrict))
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())

	// Identical section: strict transfer succeeds byte for byte.
	writeBuild(t, path, counterGuest(4), buildTime(2*time.Second))
	assert.Equal(t, int32(0), c.Update())
	assert.Equal(t, int32(2), c.Update())

	// A moved section is rejected under strict.
	moved := wasmtest.Module(
		wasmtest.WithState(32, 4),
		wasmtest.WithStep(stepCounter()),
	)
	writeBuild(t, path, moved, buildTime(4*time.Second))
	assert.Equal(t, hotswap.TransitionFailed, c.Update())
	assert.Equal(t, hotswap.FailureStateInvalid, c.Failure())
	assert.Equal(t, uint32(2), c.Version())
}

func TestReloadDisabledPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t, hotswap.WithPolicy(hotswap.PolicyDisabled))
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, int32(2), c.Update())

	// With transfer disabled the new instance starts from default state.
	writeBuild(t, path, counterGuest(4), buildTime(2*time.Second))
	assert.Equal(t, int32(0), c.Update())
	assert.Equal(t, uint32(2), c.Version())
	assert.Equal(t, int32(1), c.Update())
}

func TestReloadSectionAppears(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		policy  hotswap.Policy
		swapped bool
	}{
		{"strict rejects", hotswap.PolicyStrict, false},
		{"size_only rejects", hotswap.PolicySizeOnly, false},
		{"grow_only accepts", hotswap.PolicyGrowOnly, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "guest.wasm")
			stateless := wasmtest.Module(wasmtest.WithStep(stepCounter()))
			writeBuild(t, path, stateless, buildTime(0))

			c := newContext(t, hotswap.WithPolicy(tc.policy))
			require.NoError(t, c.Load(path))
			assert.Equal(t, int32(1), c.Update())

			// The rebuild publishes a state section the old build never had.
			writeBuild(t, path, counterGuest(4), buildTime(2*time.Second))

			if tc.swapped {
				assert.Equal(t, int32(0), c.Update())
				assert.Equal(t, uint32(2), c.Version())
				assert.Equal(t, hotswap.FailureNone, c.Failure())
				// Nothing carried over: the new section starts from zero.
				assert.Equal(t, int32(1), c.Update())
			} else {
				assert.Equal(t, hotswap.TransitionFailed, c.Update())
				assert.Equal(t, uint32(1), c.Version())
				assert.Equal(t, hotswap.FailureStateInvalid, c.Failure())
				// The rolled-back version steps on, cold.
				assert.Equal(t, int32(1), c.Update())
			}
		})
	}
}

func TestStepFaultKeepsVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	image := wasmtest.Module(
		wasmtest.WithState(counterAddr, 4),
		wasmtest.WithStep(stepCounterFaultAt(3)),
	)
	writeBuild(t, path, image, buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, int32(2), c.Update())

	// Third step traps: the fault is intercepted, not fatal, and does not
	// roll the version back.
	assert.Equal(t, hotswap.StepFailed, c.Update())
	assert.Equal(t, hotswap.FailureIllegalInstruction, c.Failure())
	assert.Equal(t, uint32(1), c.Version())

	// The same version was reinstated cold, so the counter restarts.
	assert.Equal(t, int32(1), c.Update())
	assert.Equal(t, int32(2), c.Update())
	assert.Equal(t, uint32(1), c.Version())
}

func TestStepOutOfBoundsFault(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, wasmtest.Module(wasmtest.WithStep(wasmtest.StepTrapOOB)), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))

	assert.Equal(t, hotswap.StepFailed, c.Update())
	assert.Equal(t, hotswap.FailureOutOfBounds, c.Failure())
	assert.Equal(t, uint32(1), c.Version())

	// An always-faulting guest keeps failing but never kills the host.
	assert.Equal(t, hotswap.StepFailed, c.Update())
}

func TestStepUserFailure(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, wasmtest.Module(wasmtest.WithStep(wasmtest.StepFail(-9))), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))

	// A negative guest return surfaces as the step failure code, not as the
	// guest's own value.
	assert.Equal(t, hotswap.StepFailed, c.Update())
	assert.Equal(t, hotswap.FailureUser, c.Failure())
	assert.Equal(t, uint32(1), c.Version())
	assert.Equal(t, hotswap.StepFailed, c.Update())
}

func TestReloadFaultRollsBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))
	assert.Equal(t, int32(1), c.Update())

	// The new build faults in its load operation: the transition fails and
	// the retained version stays current with its version number unchanged.
	faulty := wasmtest.Module(
		wasmtest.WithState(counterAddr, 4),
		wasmtest.WithLoad(wasmtest.StepTrapUnreachable),
		wasmtest.WithStep(stepCounter()),
	)
	writeBuild(t, path, faulty, buildTime(2*time.Second))

	assert.Equal(t, hotswap.TransitionFailed, c.Update())
	assert.Equal(t, uint32(1), c.Version())
	assert.Equal(t, hotswap.FailureIllegalInstruction, c.Failure())

	// Rollback restarted the old version cold.
	assert.Equal(t, int32(1), c.Update())

	// A fixed rebuild reloads normally afterwards.
	writeBuild(t, path, counterGuest(4), buildTime(4*time.Second))
	assert.Equal(t, int32(0), c.Update())
	assert.Equal(t, uint32(2), c.Version())
	assert.Equal(t, hotswap.FailureNone, c.Failure())
}

func TestReloadGuestRejectRollsBack(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))

	rejecting := wasmtest.Module(
		wasmtest.WithState(counterAddr, 4),
		wasmtest.WithLoad(wasmtest.StepFail(-1)),
	)
	writeBuild(t, path, rejecting, buildTime(2*time.Second))

	assert.Equal(t, hotswap.TransitionFailed, c.Update())
	assert.Equal(t, uint32(1), c.Version())
	assert.Equal(t, hotswap.FailureUser, c.Failure())
	assert.Equal(t, int32(1), c.Update())
}

func TestStepFaultWithoutRollbackTarget(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	image := wasmtest.Module(wasmtest.WithStep(wasmtest.StepTrapUnreachable))
	writeBuild(t, path, image, buildTime(0))

	c := newContext(t)
	require.NoError(t, c.Load(path))
	info, ok := c.Info()
	require.True(t, ok)

	// Losing the working copy leaves the step trap with nothing to
	// reinstate and no previous version to fall back to.
	require.NoError(t, os.Remove(info.WorkPath))

	assert.Equal(t, hotswap.StepFailed, c.Update())

	// The context is back to its pre-load contract: no module, no version.
	assert.Equal(t, uint32(0), c.Version())
	_, ok = c.Info()
	assert.False(t, ok)
	assert.Equal(t, hotswap.TransitionFailed, c.Update())

	// A fresh Load revives it.
	require.NoError(t, c.Load(path))
	assert.Equal(t, uint32(1), c.Version())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := hotswap.New(hotswap.WithWorkDir(workDir))
	require.NoError(t, c.Load(path))

	info, ok := c.Info()
	require.True(t, ok)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// The working copy is cleaned up and further use is rejected, never a
	// crash.
	_, err := os.Stat(info.WorkPath)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, hotswap.TransitionFailed, c.Update())
	assert.ErrorIs(t, c.Load(path), hotswap.ErrClosed)
	_, ok = c.Info()
	assert.False(t, ok)
}

func TestUserdataSurvivesReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "guest.wasm")
	writeBuild(t, path, counterGuest(4), buildTime(0))

	c := newContext(t)
	c.Userdata = 0xCAFEBABE
	require.NoError(t, c.Load(path))

	writeBuild(t, path, counterGuest(4), buildTime(2*time.Second))
	require.Equal(t, int32(0), c.Update())
	assert.Equal(t, uint64(0xCAFEBABE), c.Userdata)
}
