// Package state copies the tagged static-state region of a guest module
// between the outgoing and incoming instance across a reload. The region is
// treated as an opaque byte range; the transfer policy is the only semantic
// check applied.
package state

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// Policy governs how strictly the incoming state section must match the
// outgoing one before bytes are copied.
type Policy uint8

const (
	// Strict requires the incoming section to match in both base address and
	// size; any difference invalidates the transfer.
	Strict Policy = iota
	// SizeOnly requires the sizes to match exactly; the address may move.
	SizeOnly
	// GrowOnly is the default: the incoming section must be at least as large
	// as the outgoing one. Old bytes land in the prefix, the remainder keeps
	// its default-initialized values. Shrinking is rejected because stale
	// bytes would alias fields that no longer exist.
	GrowOnly
	// Disabled performs no transfer at all; the guest starts from its own
	// default-initialized state on every reload.
	Disabled
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Strict:
		return "strict"
	case SizeOnly:
		return "size_only"
	case GrowOnly:
		return "grow_only"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "strict":
		return Strict, nil
	case "size_only":
		return SizeOnly, nil
	case "grow_only", "":
		return GrowOnly, nil
	case "disabled":
		return Disabled, nil
	default:
		return GrowOnly, fmt.Errorf("unknown transfer policy %q", s)
	}
}

// ErrStateInvalidated reports a policy violation between the outgoing and
// incoming state sections. No bytes are copied when it is returned.
var ErrStateInvalidated = errors.New("state section invalidated")

// Memory is the subset of a module's linear memory the engine needs.
// wazero's api.Memory satisfies it.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Snapshot holds the bytes of one instance's state section together with the
// section's location, staged in a pooled buffer.
type Snapshot struct {
	Base uint32
	buf  *bytebufferpool.ByteBuffer
}

// Bytes returns the captured section content. The slice is only valid until
// Release is called.
func (s *Snapshot) Bytes() []byte { return s.buf.B }

// Len returns the captured section size.
func (s *Snapshot) Len() uint32 { return uint32(len(s.buf.B)) }

// Release returns the staging buffer to the pool. Safe to call on a nil
// snapshot so callers can defer it unconditionally.
func (s *Snapshot) Release() {
	if s == nil || s.buf == nil {
		return
	}
	bytebufferpool.Put(s.buf)
	s.buf = nil
}

// Engine performs state snapshots and restores around a module swap.
type Engine struct{}

// Snapshot copies the state section [base, base+length) out of mem. A zero
// length section yields an empty snapshot; whether the incoming section may
// then differ is Restore's policy decision.
func (Engine) Snapshot(mem Memory, base, length uint32) (*Snapshot, error) {
	buf := bytebufferpool.Get()

	if length > 0 {
		view, ok := mem.Read(base, length)
		if !ok {
			bytebufferpool.Put(buf)

			return nil, fmt.Errorf("state section %d[%d] out of range", base, length)
		}
		// The view aliases guest memory; stage a copy before the instance
		// goes away.
		buf.Write(view) //nolint:errcheck // ByteBuffer.Write cannot fail.
	}

	return &Snapshot{Base: base, buf: buf}, nil
}

// Restore copies a snapshot into the incoming instance's state section at
// [base, base+length) under the given policy. On a policy violation it
// returns ErrStateInvalidated and writes nothing.
func (Engine) Restore(mem Memory, base, length uint32, snap *Snapshot, policy Policy) error {
	if policy == Disabled {
		return nil
	}

	switch policy {
	case Strict:
		if base != snap.Base || length != snap.Len() {
			return fmt.Errorf(
				"%w: strict policy requires identical section, old %d[%d] new %d[%d]",
				ErrStateInvalidated, snap.Base, snap.Len(), base, length,
			)
		}
	case SizeOnly:
		if length != snap.Len() {
			return fmt.Errorf(
				"%w: size_only policy requires equal size, old %d new %d",
				ErrStateInvalidated, snap.Len(), length,
			)
		}
	case GrowOnly:
		if length < snap.Len() {
			return fmt.Errorf(
				"%w: grow_only policy forbids shrinking, old %d new %d",
				ErrStateInvalidated, snap.Len(), length,
			)
		}
	}

	if snap.Len() == 0 {
		return nil
	}
	if !mem.Write(base, snap.Bytes()) {
		return fmt.Errorf("state section %d[%d] write out of range", base, snap.Len())
	}

	return nil
}
