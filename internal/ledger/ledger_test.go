package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workCopy(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o644))

	return path
}

func TestCommitRetainsTwoVersions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var l Ledger

	_, ok := l.Current()
	assert.False(t, ok)
	_, ok = l.RollbackTarget()
	assert.False(t, ok)

	v1 := workCopy(t, dir, "v1.wasm")
	v2 := workCopy(t, dir, "v2.wasm")
	v3 := workCopy(t, dir, "v3.wasm")

	l.Commit(Record{WorkPath: v1, SourceMod: time.Unix(1, 0), Version: 1})
	l.Commit(Record{WorkPath: v2, SourceMod: time.Unix(2, 0), Version: 2})

	cur, ok := l.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(2), cur.Version)

	prev, ok := l.RollbackTarget()
	require.True(t, ok)
	assert.Equal(t, uint32(1), prev.Version)

	// Committing a third version drops the first and deletes its copy.
	l.Commit(Record{WorkPath: v3, SourceMod: time.Unix(3, 0), Version: 3})

	_, err := os.Stat(v1)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(v2)
	assert.NoError(t, err, "previous record's copy must remain loadable")

	prev, ok = l.RollbackTarget()
	require.True(t, ok)
	assert.Equal(t, uint32(2), prev.Version)
}

func TestRevertToPrevious(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var l Ledger

	v1 := workCopy(t, dir, "v1.wasm")
	v2 := workCopy(t, dir, "v2.wasm")
	l.Commit(Record{WorkPath: v1, Version: 1})
	l.Commit(Record{WorkPath: v2, Version: 2})

	rec, ok := l.RevertToPrevious()
	require.True(t, ok)
	assert.Equal(t, uint32(1), rec.Version)

	// The reverted-from copy is gone, the promoted one stays.
	_, err := os.Stat(v2)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(v1)
	assert.NoError(t, err)

	// Only one record is left, so a second revert has no target.
	_, ok = l.RevertToPrevious()
	assert.False(t, ok)
	cur, ok := l.Current()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cur.Version)
}

func TestCleanupRemovesAllCopies(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var l Ledger

	v1 := workCopy(t, dir, "v1.wasm")
	v2 := workCopy(t, dir, "v2.wasm")
	l.Commit(Record{WorkPath: v1, Version: 1})
	l.Commit(Record{WorkPath: v2, Version: 2})

	l.Cleanup()

	for _, p := range []string{v1, v2} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}
	_, ok := l.Current()
	assert.False(t, ok)

	// Cleanup is idempotent.
	l.Cleanup()
}
