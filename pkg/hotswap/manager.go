package hotswap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hotswap-go/hotswap/internal/guard"
	"github.com/hotswap-go/hotswap/internal/ledger"
	"github.com/hotswap-go/hotswap/internal/loader"
	"github.com/hotswap-go/hotswap/internal/logging"
	"github.com/hotswap-go/hotswap/internal/metrics"
	"github.com/hotswap-go/hotswap/internal/state"
	"github.com/hotswap-go/hotswap/pkg/guestkit"
)

type phase uint8

const (
	phaseUnloaded phase = iota
	phaseLoaded
	phaseClosed
)

// manager drives the module lifecycle state machine and composes the loader,
// fault guard, state engine and version ledger. It is single-threaded by
// design: every operation runs to completion on the caller's goroutine.
type manager struct {
	//nolint:containedctx // Context is stored in the struct intentionally to allow reuse across module operations.
	runtimeCtx context.Context
	policy     state.Policy
	workDir    string

	loader *loader.Loader
	guard  guard.Guard
	engine state.Engine
	ledger ledger.Ledger

	host       *Context
	inst       *loader.Instance
	sourcePath string
	version    uint32
	failure    guard.Class
	phase      phase

	// badSourceMod remembers the mtime of a build whose reload failed, so a
	// broken build is reported once instead of retried on every update.
	badSourceMod time.Time
}

// manager exposes the host context values to the guest env module.

func (m *manager) Version() uint32  { return m.version }
func (m *manager) Failure() uint32  { return uint32(m.failure) }
func (m *manager) DataGet() uint64  { return m.host.Userdata }
func (m *manager) DataSet(v uint64) { m.host.Userdata = v }

// invoke runs one guarded guest call against inst.
func (m *manager) invoke(inst *loader.Instance, op guestkit.Op, version uint32) (int32, *guard.Report) {
	return m.guard.Invoke(op, version, func() (int32, error) {
		return inst.Call(m.runtimeCtx, op)
	})
}

func (m *manager) load(path string) error {
	if m.phase == phaseClosed {
		return ErrClosed
	}
	if m.inst != nil {
		return ErrAlreadyLoaded
	}
	if path == "" {
		return errors.New("artifact path is empty")
	}

	if m.loader == nil {
		ld, err := loader.New(m.runtimeCtx, m.workDir, m)
		if err != nil {
			return err
		}
		m.loader = ld
	}

	// A prior lifecycle may have died leaving records behind.
	m.ledger.Cleanup()

	inst, err := m.loader.Open(path, 1)
	if err != nil {
		return err
	}

	ret, rep := m.invoke(inst, guestkit.OpLoad, 1)
	if rep != nil {
		m.failure = rep.Class
		m.recordFault(path, rep)
		m.loader.Discard(inst)

		return fmt.Errorf("guest load failed: %s (ret %d)", rep.Class, ret)
	}

	m.inst = inst
	m.sourcePath = path
	m.version = 1
	m.failure = guard.None
	m.badSourceMod = time.Time{}
	m.phase = phaseLoaded
	m.ledger.Commit(ledger.Record{
		WorkPath:  inst.WorkPath,
		SourceMod: inst.SourceMod,
		Version:   1,
	})
	metrics.Version.WithLabelValues(path).Set(1)

	log.Info().
		Str("event", "module_loaded").
		Str("source", path).
		Uint32("state_len", inst.StateLen).
		Msg("loaded module")

	return nil
}

func (m *manager) update() int32 {
	if m.phase != phaseLoaded || m.inst == nil {
		log.Error().Str("event", "invalid_use").Msg("update called on unusable context")

		return TransitionFailed
	}

	if cur, ok := m.ledger.Current(); ok && loader.HasNewerBuild(m.sourcePath, cur.SourceMod) {
		if mod, seen := loader.ModTime(m.sourcePath); seen && !mod.Equal(m.badSourceMod) {
			return m.reload(mod)
		}
	}

	return m.step()
}

// step issues one steady-state guest call. A fault or negative return
// surfaces as StepFailed without a version change: the host decides whether
// repeated failures warrant replacing the build. A trapped instance is
// reinstated cold at the same version so subsequent calls stay possible.
func (m *manager) step() int32 {
	ret, rep := m.invoke(m.inst, guestkit.OpStep, m.version)
	if rep == nil {
		return ret
	}

	m.failure = rep.Class
	m.recordFault(m.sourcePath, rep)

	if rep.Class != guard.UserFailure {
		// A trap closes the module instance; bring the same version back
		// cold. Post-fault state is never trusted.
		m.reinstate()
	}

	return StepFailed
}

// reload swaps the loaded instance for a fresh build of the source artifact:
// unload old, snapshot state, open new, restore state, load new, commit. Any
// failure rolls back to the last committed version without incrementing the
// version counter; the failing build's sourceMod is remembered so it is not
// retried until the artifact changes again.
func (m *manager) reload(sourceMod time.Time) int32 {
	old := m.inst
	oldVersion := m.version
	newVersion := oldVersion + 1
	m.badSourceMod = sourceMod

	if _, rep := m.invoke(old, guestkit.OpUnload, oldVersion); rep != nil {
		m.failure = rep.Class
		m.recordFault(m.sourcePath, rep)
		m.rollbackToCurrent("unload failed")

		return TransitionFailed
	}

	// Snapshot even when the outgoing section is empty: the restore policy
	// must still see a section appearing in the new build.
	var snap *state.Snapshot
	if m.policy != state.Disabled {
		s, err := m.engine.Snapshot(old.Memory(), old.StateBase, old.StateLen)
		if err != nil {
			m.failure = guard.StateInvalid
			logging.LogFault(m.sourcePath, "reload", guard.StateInvalid.String(), oldVersion)
			m.rollbackToCurrent("state snapshot failed")

			return TransitionFailed
		}
		snap = s
		defer snap.Release()
	}

	if err := m.loader.Close(old); err != nil {
		log.Warn().Err(err).Msg("failed to close outgoing instance")
	}
	m.inst = nil

	inst, err := m.loader.Open(m.sourcePath, newVersion)
	if err != nil {
		m.failure = guard.Other
		log.Error().Err(err).
			Str("event", "reload_failed").
			Str("source", m.sourcePath).
			Msg("failed to load new build")
		m.rollbackToCurrent("load failed")

		return TransitionFailed
	}

	if snap != nil {
		if err := m.engine.Restore(
			inst.Memory(), inst.StateBase, inst.StateLen, snap, m.policy,
		); err != nil {
			m.failure = guard.StateInvalid
			metrics.Faults.WithLabelValues(m.sourcePath, guard.StateInvalid.String()).Inc()
			log.Error().Err(err).
				Str("event", "state_invalidated").
				Str("source", m.sourcePath).
				Msg("state transfer rejected")
			m.loader.Discard(inst)
			m.rollbackToCurrent("state invalidated")

			return TransitionFailed
		}
	}

	if _, rep := m.invoke(inst, guestkit.OpLoad, newVersion); rep != nil {
		m.failure = rep.Class
		m.recordFault(m.sourcePath, rep)
		m.loader.Discard(inst)
		m.rollbackToCurrent("guest load failed")

		return TransitionFailed
	}

	m.inst = inst
	m.version = newVersion
	m.failure = guard.None
	m.badSourceMod = time.Time{}
	m.ledger.Commit(ledger.Record{
		WorkPath:  inst.WorkPath,
		SourceMod: inst.SourceMod,
		Version:   newVersion,
	})
	metrics.Reloads.WithLabelValues(m.sourcePath).Inc()
	metrics.Version.WithLabelValues(m.sourcePath).Set(float64(newVersion))

	var stateBytes uint32
	if snap != nil {
		stateBytes = snap.Len()
	}
	logging.LogReload(m.sourcePath, oldVersion, newVersion, stateBytes)

	return 0
}

// reinstate replaces a trapped instance with a cold instance of the same
// version, falling back to the previous version when the current one cannot
// be brought back.
func (m *manager) reinstate() {
	if err := m.loader.Close(m.inst); err != nil {
		log.Warn().Err(err).Msg("failed to close faulted instance")
	}
	m.inst = nil

	if cur, ok := m.ledger.Current(); ok {
		if inst, err := m.loader.Reopen(cur.WorkPath); err == nil {
			if _, rep := m.invoke(inst, guestkit.OpLoad, cur.Version); rep == nil {
				m.inst = inst

				return
			}
			// Working copy belongs to the ledger, close only.
			if err := m.loader.Close(inst); err != nil {
				log.Warn().Err(err).Msg("failed to close reinstated instance")
			}
		}
	}

	m.rollbackToPrevious("reinstate failed")
}

// rollbackToCurrent reloads the ledger's still-current record after a failed
// reload attempt. The version counter is unchanged: the new build was never
// committed. Falls back to the previous record when the current one is gone.
func (m *manager) rollbackToCurrent(reason string) {
	if m.inst != nil {
		if err := m.loader.Close(m.inst); err != nil {
			log.Warn().Err(err).Msg("failed to close instance during rollback")
		}
		m.inst = nil
	}

	if cur, ok := m.ledger.Current(); ok {
		if inst, err := m.loader.Reopen(cur.WorkPath); err == nil {
			if _, rep := m.invoke(inst, guestkit.OpLoad, cur.Version); rep == nil {
				m.inst = inst
				m.version = cur.Version
				metrics.Rollbacks.WithLabelValues(m.sourcePath).Inc()
				logging.LogRollback(m.sourcePath, cur.Version, reason)

				return
			}
			if err := m.loader.Close(inst); err != nil {
				log.Warn().Err(err).Msg("failed to close instance during rollback")
			}
		}
	}

	m.rollbackToPrevious(reason)
}

// rollbackToPrevious reverts to the retained previous version. Rollback
// always starts the target cold: a post-fault snapshot is not trusted. When
// no target remains the context becomes unusable until a successful Load.
func (m *manager) rollbackToPrevious(reason string) {
	if m.inst != nil {
		if err := m.loader.Close(m.inst); err != nil {
			log.Warn().Err(err).Msg("failed to close instance during rollback")
		}
		m.inst = nil
	}

	rec, ok := m.ledger.RevertToPrevious()
	if ok {
		if inst, err := m.loader.Reopen(rec.WorkPath); err == nil {
			if _, rep := m.invoke(inst, guestkit.OpLoad, rec.Version); rep == nil {
				m.inst = inst
				m.version = rec.Version
				metrics.Rollbacks.WithLabelValues(m.sourcePath).Inc()
				metrics.Version.WithLabelValues(m.sourcePath).Set(float64(rec.Version))
				logging.LogRollback(m.sourcePath, rec.Version, reason)

				return
			}
			if err := m.loader.Close(inst); err != nil {
				log.Warn().Err(err).Msg("failed to close instance during rollback")
			}
		}
	}

	m.phase = phaseUnloaded
	m.ledger.Cleanup()
	log.Error().
		Str("event", "context_dead").
		Str("source", m.sourcePath).
		Str("reason", reason).
		Msg("no loadable version remains; context unusable until next load")

	// Back to the pre-load contract: no module, no version.
	metrics.Version.WithLabelValues(m.sourcePath).Set(0)
	m.version = 0
	m.sourcePath = ""
}

func (m *manager) close() error {
	if m.phase == phaseClosed {
		return nil
	}

	if m.inst != nil {
		if _, rep := m.invoke(m.inst, guestkit.OpClose, m.version); rep != nil {
			// Close faults are reported but never abort shutdown.
			m.recordFault(m.sourcePath, rep)
		}
		if err := m.loader.Close(m.inst); err != nil {
			log.Warn().Err(err).Msg("failed to close instance")
		}
		m.inst = nil
	}

	m.ledger.Cleanup()
	m.phase = phaseClosed

	log.Info().
		Str("event", "context_closed").
		Str("source", m.sourcePath).
		Msg("closed context")

	return nil
}

func (m *manager) recordFault(source string, rep *guard.Report) {
	metrics.Faults.WithLabelValues(source, rep.Class.String()).Inc()
	logging.LogFault(source, rep.Op.String(), rep.Class.String(), rep.Version)
}
