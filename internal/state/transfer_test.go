package state

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte-slice stand-in for a guest's linear memory.
type fakeMemory []byte

func (m fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m)) {
		return nil, false
	}

	return m[offset : offset+byteCount], true
}

func (m fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m)) {
		return false
	}
	copy(m[offset:], v)

	return true
}

func seeded(size int, base uint32, content []byte) fakeMemory {
	m := make(fakeMemory, size)
	copy(m[base:], content)

	return m
}

func TestSnapshotCopiesOutOfMemory(t *testing.T) {
	t.Parallel()

	var e Engine
	old := seeded(64, 16, []byte{1, 2, 3, 4})

	snap, err := e.Snapshot(old, 16, 4)
	require.NoError(t, err)
	defer snap.Release()

	// Mutating the source after the snapshot must not affect it.
	old[16] = 0xFF
	assert.Equal(t, []byte{1, 2, 3, 4}, snap.Bytes())
	assert.Equal(t, uint32(16), snap.Base)
}

func TestSnapshotOutOfRange(t *testing.T) {
	t.Parallel()

	var e Engine
	_, err := e.Snapshot(make(fakeMemory, 8), 4, 32)
	require.Error(t, err)
}

func TestRestorePolicies(t *testing.T) {
	t.Parallel()

	oldContent := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	tests := []struct {
		name     string
		policy   Policy
		newBase  uint32
		newLen   uint32
		wantErr  bool
		wantCopy bool
	}{
		{name: "strict identical", policy: Strict, newBase: 16, newLen: 4, wantCopy: true},
		{name: "strict moved base", policy: Strict, newBase: 24, newLen: 4, wantErr: true},
		{name: "strict grown", policy: Strict, newBase: 16, newLen: 8, wantErr: true},
		{name: "size_only moved base", policy: SizeOnly, newBase: 24, newLen: 4, wantCopy: true},
		{name: "size_only grown", policy: SizeOnly, newBase: 16, newLen: 8, wantErr: true},
		{name: "grow_only identical", policy: GrowOnly, newBase: 16, newLen: 4, wantCopy: true},
		{name: "grow_only grown", policy: GrowOnly, newBase: 8, newLen: 16, wantCopy: true},
		{name: "grow_only shrunk", policy: GrowOnly, newBase: 16, newLen: 2, wantErr: true},
		{name: "disabled never copies", policy: Disabled, newBase: 16, newLen: 2},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var e Engine
			old := seeded(64, 16, oldContent)
			snap, err := e.Snapshot(old, 16, 4)
			require.NoError(t, err)
			defer snap.Release()

			incoming := make(fakeMemory, 64)
			err = e.Restore(incoming, tt.newBase, tt.newLen, snap, tt.policy)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrStateInvalidated)
				// Nothing may be written on a violation.
				assert.True(t, bytes.Equal(incoming, make([]byte, 64)))

				return
			}

			require.NoError(t, err)
			if tt.wantCopy {
				assert.Equal(t, oldContent, []byte(incoming[tt.newBase:tt.newBase+4]))
				// Any grown tail keeps its default-initialized value.
				if tt.newLen > 4 {
					tail := incoming[tt.newBase+4 : tt.newBase+tt.newLen]
					assert.True(t, bytes.Equal(tail, make([]byte, len(tail))))
				}
			} else {
				assert.True(t, bytes.Equal(incoming, make([]byte, 64)))
			}
		})
	}
}

func TestRestoreEmptySection(t *testing.T) {
	t.Parallel()

	var e Engine
	snap, err := e.Snapshot(make(fakeMemory, 8), 0, 0)
	require.NoError(t, err)
	defer snap.Release()

	// An absent old section is a zero-length prefix; every policy but Strict
	// accepts it against any new section.
	require.NoError(t, e.Restore(make(fakeMemory, 8), 4, 4, snap, GrowOnly))
	require.NoError(t, e.Restore(make(fakeMemory, 8), 0, 0, snap, Strict))
	require.ErrorIs(t, e.Restore(make(fakeMemory, 8), 4, 4, snap, SizeOnly), ErrStateInvalidated)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "strict", want: Strict},
		{in: "size_only", want: SizeOnly},
		{in: "grow_only", want: GrowOnly},
		{in: "", want: GrowOnly},
		{in: "disabled", want: Disabled},
		{in: "bogus", want: GrowOnly, wantErr: true},
	}

	for _, tt := range tests {
		p, err := ParsePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, p, tt.in)
	}
}
